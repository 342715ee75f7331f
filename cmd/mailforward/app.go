package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracyhatemice/mailforward/internal/config"
	"github.com/tracyhatemice/mailforward/internal/forward"
	"github.com/tracyhatemice/mailforward/internal/forwarder"
	"github.com/tracyhatemice/mailforward/internal/ledger"
	"github.com/tracyhatemice/mailforward/internal/metrics"
	"github.com/tracyhatemice/mailforward/internal/notify"
	"github.com/tracyhatemice/mailforward/internal/receiver"
	"github.com/tracyhatemice/mailforward/internal/sender"
	"github.com/tracyhatemice/mailforward/internal/supervisor"
)

// run wires the engine from cfg and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("mailforward starting",
		"version", version,
		"receivers", len(cfg.Receivers),
		"notifications", len(cfg.Notifications),
		"ledger", cfg.Ledger.Backend,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	l, err := ledger.Open(cfg.Ledger.Backend, cfg.LedgerPath())
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if n, err := l.Count(ctx); err == nil {
		logger.Info("loaded ledger", "path", cfg.LedgerPath(), "records", n)
	}

	var pruner supervisor.Pruner
	if retention := cfg.Ledger.Retention(); retention > 0 {
		p, err := ledger.NewPruner(l, retention, cfg.Ledger.PruneSchedule, logger)
		if err != nil {
			l.Close()
			return err
		}
		pruner = p
	}

	targets := make([]notify.Target, 0, len(cfg.Notifications))
	for _, n := range cfg.Notifications {
		t, err := notify.TargetFromConfig(n)
		if err != nil {
			l.Close()
			return err
		}
		targets = append(targets, t)
	}
	disp, err := notify.New(targets, logger, notify.Options{Metrics: m})
	if err != nil {
		l.Close()
		return err
	}

	workers, err := buildWorkers(cfg, l, disp, m, logger)
	if err != nil {
		disp.Close(context.Background())
		l.Close()
		return err
	}

	sup, err := supervisor.New(workers, l, disp, supervisor.Options{
		Grace:  cfg.ShutdownGrace(),
		Pruner: pruner,
		Logger: logger,
	})
	if err != nil {
		disp.Close(context.Background())
		l.Close()
		return err
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = serveMetrics(cfg.MetricsAddr, reg, logger)
	}

	err = sup.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}
	logger.Info("mailforward stopped")
	return err
}

// buildWorkers creates one worker per receiver sharing a single SMTP
// client and pipeline.
func buildWorkers(cfg *config.Config, l ledger.Ledger, pub notify.Publisher, m *metrics.Metrics, logger *slog.Logger) ([]supervisor.Worker, error) {
	smtp := sender.New(
		cfg.Sender.Host,
		cfg.Sender.Port,
		cfg.Sender.Username,
		cfg.Sender.Password,
		cfg.Sender.TLS(),
		cfg.Sender.Timeout(),
		logger,
	)
	pipe := forward.New(smtp, cfg.Sender.Username, cfg.ForwardTo, logger)

	opts := forwarder.Options{
		BackoffInitial: cfg.Backoff.Initial(),
		BackoffMax:     cfg.Backoff.Max(),
		SendTimeout:    cfg.Sender.Timeout(),
		Metrics:        m,
	}

	workers := make([]supervisor.Worker, 0, len(cfg.Receivers))
	for _, rc := range cfg.Receivers {
		spec := forwarder.SpecFromConfig(rc)
		recv, err := receiver.New(spec.Account(), logger.With("account", spec.AccountID))
		if err != nil {
			return nil, fmt.Errorf("receiver %s: %w", spec.AccountID, err)
		}
		workers = append(workers, forwarder.New(spec, recv, pipe, l, pub, logger, opts))
	}
	return workers, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
