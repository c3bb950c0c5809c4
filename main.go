package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/bot"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/btcpay"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/config"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/db"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/deal"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/logging"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/metrics"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/userbot"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/walletparse"
)

func main() {
	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	parser, err := walletparse.Load(cfg.PatternsFile)
	if err != nil {
		logger.Error("failed to load wallet patterns", "file", cfg.PatternsFile, "error", err)
		os.Exit(1)
	}
	logger.Info("wallet patterns loaded", "version", parser.Version())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("role stopped", "role", name, "error", err)
				stop()
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		run("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.MetricsAddr, logger)
		})
	}

	if cfg.RunsEscrow() {
		database, err := db.NewDatabase(cfg.DBPath)
		if err != nil {
			logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
			os.Exit(1)
		}
		defer database.Close()

		var fallback deal.RateSource
		if cfg.BTCPayEnabled() {
			fallback = btcpay.NewClient(cfg.BTCPayURL, cfg.BTCPayAPIKey, cfg.BTCPayStoreID, cfg.FiatCurrency)
		}

		// Initialize and start the bot
		escrow, err := bot.NewBot(cfg, database, fallback, parser, logger)
		if err != nil {
			logger.Error("failed to initialize bot", "error", err)
			os.Exit(1)
		}
		run("escrow", escrow.Run)
	}

	if cfg.RunsRelay() {
		run("relay", userbot.New(cfg, parser, logger).Run)
	}

	logger.Info("started", "role", cfg.Role)
	<-ctx.Done()
	wg.Wait()
	logger.Info("stopped")
}
