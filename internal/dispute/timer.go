package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically escalates overdue cases.
type Timer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	sweeping atomic.Bool
}

// NewTimer creates an escalation timer. Interval defaults to 5 minutes.
func NewTimer(engine *Engine, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic escalation loop. Call in a goroutine.
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
	if !t.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer t.sweeping.Store(false)

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escalation sweep", "panic", fmt.Sprint(r))
		}
	}()

	n, err := t.engine.SweepEscalations(ctx)
	if err != nil {
		t.logger.Warn("escalation sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("escalation sweep complete", "escalated", n)
	}
}
