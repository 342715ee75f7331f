package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner periodically drops ledger records older than a retention window.
type Pruner struct {
	cron      *cron.Cron
	ledger    Ledger
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewPruner schedules pruning of l on a cron spec such as "@daily" or
// "0 3 * * *".
func NewPruner(l Ledger, retention time.Duration, schedule string, logger *slog.Logger) (*Pruner, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	p := &Pruner{
		cron:      cron.New(),
		ledger:    l,
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
	if _, err := p.cron.AddFunc(schedule, func() {
		if _, err := p.PruneOnce(context.Background()); err != nil {
			p.logger.Error("ledger prune failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule ledger prune %q: %w", schedule, err)
	}
	return p, nil
}

// Start begins the schedule in the background.
func (p *Pruner) Start() {
	p.cron.Start()
}

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}

// PruneOnce removes every record older than the retention window.
func (p *Pruner) PruneOnce(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.ledger.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("pruned ledger", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
