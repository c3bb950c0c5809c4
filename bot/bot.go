package bot

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/tucnak/telebot.v2"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/config"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/deal"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/walletapi"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/walletparse"
)

var (
	_ deal.Notifier    = (*Bot)(nil)
	_ walletapi.Sender = (*Bot)(nil)
)

// Bot represents the escrow Telegram bot with its dependencies
type Bot struct {
	teleBot *telebot.Bot
	config  *config.Config
	deals   *deal.Service
	wallet  *walletapi.Client
	logger  *slog.Logger

	handlerTimeout time.Duration
}

// NewBot creates the escrow bot. fallback may be nil.
func NewBot(cfg *config.Config, store deal.Store, fallback deal.RateSource, parser *walletparse.Parser, logger *slog.Logger) (*Bot, error) {
	tb, err := telebot.NewBot(telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bot")
	}

	b := &Bot{
		teleBot: tb,
		config:  cfg,
		logger:  logger.With("component", "bot"),
		// long enough for a transfer plus a lock wait
		handlerTimeout: cfg.TransferTimeout + cfg.WalletTimeout,
	}
	b.wallet = walletapi.New(b, walletapi.Options{
		InnerID:         cfg.InnerBotID,
		Timeout:         cfg.RequestTimeout,
		TransferTimeout: cfg.TransferTimeout,
	}, parser, logger)
	b.deals = deal.NewService(store, b.wallet, fallback, b, cfg.FiatCurrency, logger)
	return b, nil
}

// Run registers the handlers and polls until ctx is cancelled
func (b *Bot) Run(ctx context.Context) error {
	b.register(ctx)

	b.logger.Info("bot started and ready to accept commands", "username", b.teleBot.Me.Username)
	go b.teleBot.Start()
	<-ctx.Done()
	b.teleBot.Stop()
	return nil
}

// SendText delivers plain text without any keyboard; it is how requests reach the intermediary
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := b.teleBot.Send(&telebot.Chat{ID: chatID}, text)
	return errors.Wrapf(err, "send to %d", chatID)
}

// Notify renders a deal notice. Notices without choices carry the
// recipient's current command keyboard.
func (b *Bot) Notify(ctx context.Context, n deal.Notice) error {
	markup := inlineMarkup(n.Choices)
	if markup == nil {
		markup = b.keyboardFor(ctx, n.ChatID)
	}
	return b.send(n.ChatID, n.Text, n.Image, markup)
}

func (b *Bot) send(chatID int64, text string, image []byte, markup *telebot.ReplyMarkup) error {
	var what interface{} = text
	if len(image) > 0 {
		what = &telebot.Photo{File: telebot.FromReader(bytes.NewReader(image)), Caption: text}
	}

	var opts []interface{}
	if markup != nil {
		opts = append(opts, markup)
	}
	_, err := b.teleBot.Send(&telebot.Chat{ID: chatID}, what, opts...)
	return errors.Wrapf(err, "send to %d", chatID)
}

// reply answers a user with their current keyboard attached
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.send(chatID, text, nil, b.keyboardFor(ctx, chatID)); err != nil {
		b.logger.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) keyboardFor(ctx context.Context, chatID int64) *telebot.ReplyMarkup {
	commands, err := b.deals.Affordances(ctx, chatID)
	if err != nil {
		b.logger.Warn("keyboard unavailable", "chat_id", chatID, "error", err)
		return nil
	}
	return replyKeyboard(commands)
}

// notifyAdmins passes on wallet-side messages nobody asked for
func (b *Bot) notifyAdmins(text string, image []byte) {
	for _, id := range b.config.AdminIDs {
		if err := b.send(id, text, image, nil); err != nil {
			b.logger.Warn("admin notification failed", "chat_id", id, "error", err)
		}
	}
}

func (b *Bot) download(file *telebot.File) ([]byte, error) {
	rc, err := b.teleBot.GetFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "get file")
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	return data, errors.Wrap(err, "read file")
}
