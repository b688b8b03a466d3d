package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fxTradeEngine/internal/ports"
)

// Config holds the daily risk limits.
type Config struct {
	// MaxDailyTrades caps the number of trades opened per UTC day.
	MaxDailyTrades int
	// MaxDailyLoss is the maximum realized loss per UTC day in account
	// currency, expressed as a positive number.
	MaxDailyLoss float64
	Repo         ports.RiskRepository
	Logger       ports.Logger
	Clock        func() time.Time
}

// Tracker maintains the daily risk counters backing the lifecycle's
// LOCKED_RISK transition. Counters are persisted through the repository so a
// restart mid-day cannot reset the budget.
type Tracker struct {
	cfg Config

	mu          sync.Mutex
	day         time.Time
	trades      int
	realizedPnL float64
}

// NewTracker creates a tracker and loads today's counters from the store.
func NewTracker(ctx context.Context, cfg Config) (*Tracker, error) {
	if cfg.Repo == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for risk tracker")
	}
	if cfg.MaxDailyTrades <= 0 {
		return nil, fmt.Errorf("MaxDailyTrades must be positive")
	}
	if cfg.MaxDailyLoss <= 0 {
		return nil, fmt.Errorf("MaxDailyLoss must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	t := &Tracker{cfg: cfg}
	day := utcDay(cfg.Clock())
	stored, err := cfg.Repo.RiskDay(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to load daily risk counters: %w", err)
	}
	t.day = day
	if stored != nil {
		t.trades = stored.Trades
		t.realizedPnL = stored.RealizedPnL
	}
	cfg.Logger.Info(ctx, "Daily risk counters loaded", map[string]interface{}{
		"day":         day.Format("2006-01-02"),
		"trades":      t.trades,
		"realizedPnL": t.realizedPnL,
	})
	return t, nil
}

// Allow reports whether a new trade fits today's risk budget.
// A false result names the breached limit.
func (t *Tracker) Allow(ctx context.Context) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(ctx)

	if t.trades >= t.cfg.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached (%d/%d)", t.trades, t.cfg.MaxDailyTrades)
	}
	if -t.realizedPnL >= t.cfg.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss limit reached (%.2f/%.2f)", -t.realizedPnL, t.cfg.MaxDailyLoss)
	}
	return true, ""
}

// RecordTrade counts a newly opened trade against today's budget.
func (t *Tracker) RecordTrade(ctx context.Context) error {
	t.mu.Lock()
	t.rolloverLocked(ctx)
	t.trades++
	day := t.day
	t.mu.Unlock()
	return t.cfg.Repo.RecordTrade(ctx, day)
}

// RecordPnL folds a realized result into today's counters.
func (t *Tracker) RecordPnL(ctx context.Context, pnl float64) error {
	t.mu.Lock()
	t.rolloverLocked(ctx)
	t.realizedPnL += pnl
	day := t.day
	t.mu.Unlock()
	return t.cfg.Repo.RecordPnL(ctx, day, pnl)
}

// Breached reports whether the daily loss limit is already exceeded,
// independent of trade counting.
func (t *Tracker) Breached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return -t.realizedPnL >= t.cfg.MaxDailyLoss
}

// rolloverLocked resets the counters when the UTC day has changed.
// Caller holds t.mu.
func (t *Tracker) rolloverLocked(ctx context.Context) {
	day := utcDay(t.cfg.Clock())
	if day.Equal(t.day) {
		return
	}
	t.cfg.Logger.Info(ctx, "Daily risk counters rolled over", map[string]interface{}{
		"previousDay":    t.day.Format("2006-01-02"),
		"previousTrades": t.trades,
		"previousPnL":    t.realizedPnL,
	})
	t.day = day
	t.trades = 0
	t.realizedPnL = 0
}

func utcDay(at time.Time) time.Time {
	u := at.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
