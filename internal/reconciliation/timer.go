package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps all accounts.
type Timer struct {
	service  *Service
	opts     SweepOptions
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	sweeping atomic.Bool
}

// NewTimer creates a sweep timer. Interval defaults to 5 minutes.
func NewTimer(service *Service, opts SweepOptions, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		service:  service,
		opts:     opts,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	// A slow sweep must not stack on top of itself.
	if !t.sweeping.CompareAndSwap(false, true) {
		t.logger.Warn("previous reconciliation sweep still running, skipping")
		return
	}
	defer t.sweeping.Store(false)

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.service.ValidateAll(ctx, t.opts); err != nil {
		t.logger.Warn("reconciliation sweep failed", "error", err)
	}
}
