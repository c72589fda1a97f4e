// Package housekeeping prunes finished audits once they age out of the
// retention window.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/metrics"
)

const pruneTimeout = time.Minute

// Deleter is the slice of the job store the pruner needs.
type Deleter interface {
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Pruner deletes terminal jobs older than the retention window, either on
// demand or on a cron schedule.
type Pruner struct {
	store     Deleter
	clock     audit.Clock
	retention time.Duration
	logger    *zap.Logger

	parser cron.Parser
	mu     sync.Mutex
	cron   *cron.Cron
}

// NewPruner constructs a Pruner. A zero retention disables pruning.
func NewPruner(store Deleter, clock audit.Clock, retention time.Duration, logger *zap.Logger) *Pruner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pruner{
		store:     store,
		clock:     clock,
		retention: retention,
		logger:    logger.Named("housekeeping"),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// PruneOnce deletes every terminal job created before now minus retention.
func (p *Pruner) PruneOnce(ctx context.Context) (int, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	cutoff := p.clock.Now().Add(-p.retention)
	removed, err := p.store.DeleteJobsBefore(ctx, cutoff)
	if err != nil {
		return removed, fmt.Errorf("prune jobs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	metrics.ObservePruned(removed)
	p.logger.Info("retention pass complete",
		zap.Int("removed", removed),
		zap.Time("cutoff", cutoff))
	return removed, nil
}

// Start schedules PruneOnce. Runs never overlap; a slow pass delays the next.
func (p *Pruner) Start(ctx context.Context, schedule string) error {
	if p.retention <= 0 {
		p.logger.Info("retention disabled, pruner not scheduled")
		return nil
	}
	if _, err := p.parser.Parse(schedule); err != nil {
		return fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return errors.New("pruner already started")
	}
	c := cron.New(
		cron.WithParser(p.parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pruneTimeout)
		defer cancel()
		if _, err := p.PruneOnce(runCtx); err != nil {
			p.logger.Error("retention pass failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule pruner: %w", err)
	}
	c.Start()
	p.cron = c
	p.logger.Info("pruner scheduled",
		zap.String("schedule", schedule),
		zap.Duration("retention", p.retention))
	return nil
}

// Stop halts the schedule and waits for a running pass, bounded by ctx.
func (p *Pruner) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop pruner: %w", ctx.Err())
	}
}
