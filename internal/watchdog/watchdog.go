// Package watchdog monitors tick-processing liveness. It distinguishes "no
// decision made" (expected during long deliberate waits) from "no progress"
// (ticks not being processed at all): the heartbeat lands on every processed
// tick, not on every trading decision, and the inactivity window must be
// configured as several multiples of the expected tick interval.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fxTradeEngine/internal/metrics"
	"fxTradeEngine/internal/ports"
)

// Config holds the watchdog settings.
type Config struct {
	// Window is the inactivity threshold. It must comfortably exceed the
	// longest legitimate wait between ticks.
	Window time.Duration
	// OnStall is invoked once per stall with the time since the last
	// heartbeat. A later heartbeat re-arms the alert.
	OnStall func(sinceLast time.Duration)
	Logger  ports.Logger
	Clock   func() time.Time
}

// Watchdog raises a distinct fatal alert when no heartbeat arrives within
// the inactivity window.
type Watchdog struct {
	cfg Config

	mu       sync.Mutex
	lastBeat time.Time
	stalled  bool
}

// New creates a watchdog. The first window starts at creation time.
func New(cfg Config) (*Watchdog, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for watchdog")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("watchdog window must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Watchdog{cfg: cfg, lastBeat: cfg.Clock()}, nil
}

// Beat records progress. Called after every fully processed tick.
func (w *Watchdog) Beat() {
	w.mu.Lock()
	w.lastBeat = w.cfg.Clock()
	w.stalled = false
	w.mu.Unlock()
}

// Check evaluates the window once and fires the alert on a new stall.
// Returns true while stalled.
func (w *Watchdog) Check(ctx context.Context) bool {
	w.mu.Lock()
	since := w.cfg.Clock().Sub(w.lastBeat)
	if since <= w.cfg.Window {
		w.mu.Unlock()
		return false
	}
	first := !w.stalled
	w.stalled = true
	w.mu.Unlock()

	if first {
		metrics.WatchdogStalls.Inc()
		w.cfg.Logger.Error(ctx, fmt.Errorf("no tick processed for %s (window %s)", since, w.cfg.Window),
			"WATCHDOG: tick processing has halted")
		if w.cfg.OnStall != nil {
			w.cfg.OnStall(since)
		}
	}
	return true
}

// Run evaluates the window periodically until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.cfg.Window / 4
	if interval <= 0 {
		interval = w.cfg.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.cfg.Logger.Info(ctx, "Watchdog stopped")
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}
