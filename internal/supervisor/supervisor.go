// Package supervisor owns the lifetime of the mailbox workers and the
// shared ledger and notification dispatcher.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracyhatemice/mailforward/internal/ledger"
)

const (
	defaultGrace       = 30 * time.Second
	defaultNotifyDrain = 10 * time.Second
)

// Worker is one mailbox loop. *forwarder.Worker implements it.
type Worker interface {
	Run(ctx context.Context)
	Account() string
	Done() <-chan struct{}
}

// Dispatcher is drained after the workers stop. *notify.Dispatcher
// implements it.
type Dispatcher interface {
	Close(ctx context.Context) error
}

// Pruner is the optional ledger retention schedule.
type Pruner interface {
	Start()
	Stop()
}

// Options configures a Supervisor.
type Options struct {
	// Grace is how long Run waits for workers after cancellation.
	Grace time.Duration
	// NotifyDrain bounds the final notification flush.
	NotifyDrain time.Duration
	Pruner      Pruner
	Logger      *slog.Logger
}

// Supervisor starts every worker and shuts them down together.
type Supervisor struct {
	workers    []Worker
	ledger     ledger.Ledger
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger
}

// New validates the worker set. One worker is expected per configured
// mailbox.
func New(workers []Worker, l ledger.Ledger, d Dispatcher, opts Options) (*Supervisor, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("no receivers configured")
	}
	if l == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	if opts.NotifyDrain <= 0 {
		opts.NotifyDrain = defaultNotifyDrain
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		workers:    workers,
		ledger:     l,
		dispatcher: d,
		opts:       opts,
		logger:     logger,
	}, nil
}

// Run blocks until ctx is cancelled and every worker stopped or the grace
// period elapsed, then releases the shared resources. Workers that stop on
// their own (a disabled mailbox) do not affect the others.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.opts.Pruner != nil {
		s.opts.Pruner.Start()
	}
	for _, w := range s.workers {
		go w.Run(ctx)
	}
	s.logger.Info("forwarders started", "count", len(s.workers))

	<-ctx.Done()
	s.logger.Info("shutting down, waiting for forwarders to finish...", "grace", s.opts.Grace)

	if stuck := s.drain(s.opts.Grace); len(stuck) > 0 {
		s.logger.Warn("forwarders did not stop within grace period", "accounts", stuck)
	}

	if s.opts.Pruner != nil {
		s.opts.Pruner.Stop()
	}

	// Shutdown was requested; failures past this point are logged so a
	// signal still exits cleanly.
	if s.dispatcher != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), s.opts.NotifyDrain)
		if err := s.dispatcher.Close(drainCtx); err != nil {
			s.logger.Warn("notifications not fully delivered", "error", err)
		}
		cancel()
	}
	if err := s.ledger.Close(); err != nil {
		s.logger.Error("failed to close ledger", "error", err)
	}
	return nil
}

// drain waits up to grace for all workers and returns the accounts still
// running.
func (s *Supervisor) drain(grace time.Duration) []string {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	var stuck []string
	expired := false
	for _, w := range s.workers {
		if expired {
			select {
			case <-w.Done():
			default:
				stuck = append(stuck, w.Account())
			}
			continue
		}
		select {
		case <-w.Done():
		case <-timer.C:
			expired = true
			stuck = append(stuck, w.Account())
		}
	}
	return stuck
}
