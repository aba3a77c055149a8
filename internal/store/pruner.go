package store

import (
	"context"
	"log/slog"
	"time"
)

// Pruner periodically deletes runs older than its retention window.
type Pruner struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewPruner creates a Pruner. A non-positive interval defaults to one hour.
func NewPruner(s Store, retention, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{store: s, retention: retention, interval: interval, now: time.Now}
}

// Run starts the pruning loop. It blocks until the context is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	slog.Info("Pruner.Run: starting run history pruner", "retention", p.retention, "interval", p.interval)

	p.prune(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Pruner.Run: stopping")
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PruneRuns(ctx, cutoff)
	if err != nil {
		slog.Error("Pruner.prune: prune failed", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("Pruner.prune: removed expired runs", "count", n, "cutoff", cutoff)
	}
	return n
}
