// Package metrics provides Prometheus instrumentation for the escrow bot and the relay.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CorrelationOutcomes counts pending request slots by how they ended.
	CorrelationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "correlation_outcomes_total",
			Help:      "Pending request slots by broker and outcome (resolved, timeout, cancelled, dropped).",
		},
		[]string{"broker", "outcome"},
	)

	// PromptOutcomes counts interactive prompts by how they ended.
	PromptOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "prompt_outcomes_total",
			Help:      "Interactive prompts by outcome (selected, timeout, conflict).",
		},
		[]string{"outcome"},
	)

	// RelayRequests counts relay router dispatches by subcommand and result.
	RelayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "relay_requests_total",
			Help:      "Relay router requests by subcommand and result.",
		},
		[]string{"command", "result"},
	)

	// WalletExchangeDuration observes the latency of synchronous wallet exchanges.
	WalletExchangeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "escrow",
			Name:      "wallet_exchange_duration_seconds",
			Help:      "Time from sending a command to the wallet agent until its reply.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	// DealTransitions counts deal state machine transitions by command and result.
	DealTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "deal_transitions_total",
			Help:      "Deal commands by name and result (ok, rejected, error).",
		},
		[]string{"command", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		CorrelationOutcomes,
		PromptOutcomes,
		RelayRequests,
		WalletExchangeDuration,
		DealTransitions,
	)
}

// Serve exposes /metrics and /healthz on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
