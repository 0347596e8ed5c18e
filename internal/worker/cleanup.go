package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
	"github.com/zektac4sheep/AlexLib-sub002/internal/storage"
)

// Cleaner periodically deletes ledger rows past the retention window,
// one kind at a time. A failing kind is logged and the sweep moves on.
type Cleaner struct {
	jobs     *storage.JobRepository
	logger   *slog.Logger
	interval time.Duration
	window   time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewCleaner creates a retention sweeper.
func NewCleaner(jobs *storage.JobRepository, interval, window time.Duration, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		jobs:     jobs,
		logger:   logger,
		interval: interval,
		window:   window,
		stop:     make(chan struct{}),
	}
}

// Start runs the sweep on its cadence.
func (c *Cleaner) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.RunOnce(ctx)
			}
		}
	}()
	c.logger.Info("retention cleaner started", "interval", c.interval, "window", c.window)
}

// Stop stops the sweep loop.
func (c *Cleaner) Stop() {
	close(c.stop)
	c.wg.Wait()
}

// RunOnce sweeps every kind once.
func (c *Cleaner) RunOnce(ctx context.Context) {
	cutoff := time.Now().Add(-c.window)
	for _, kind := range models.AllJobKinds {
		n, err := c.jobs.DeleteOlderThan(ctx, kind, cutoff)
		if err != nil {
			c.logger.Error("retention sweep failed for kind", "kind", kind, "error", err)
			continue
		}
		if n > 0 {
			c.logger.Info("retention sweep deleted jobs", "kind", kind, "count", n)
		}
	}
}
