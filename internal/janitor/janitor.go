// Package janitor periodically deletes expired store entries.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultInterval = time.Hour

// Purger removes entries whose TTL has elapsed.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

type Janitor struct {
	store    Purger
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func New(store Purger, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Janitor{
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
		logger:   logger,
	}
}

// Start purges once immediately, then on every interval until Stop.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.RunOnce()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stop:
				return
			case <-ticker.C:
				j.RunOnce()
			}
		}
	}()
}

func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
	j.wg.Wait()
}

// RunOnce runs a single purge synchronously and returns the number of
// entries removed.
func (j *Janitor) RunOnce() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := j.store.Purge(ctx)
	if err != nil {
		j.logger.Warn("janitor: purge failed", "err", err)
		return 0
	}
	if n > 0 {
		j.logger.Info("janitor: purged expired events", "count", n)
	}
	return n
}
