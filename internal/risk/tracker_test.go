package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"fxTradeEngine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockRiskRepo struct {
	mu     sync.Mutex
	days   map[string]*domain.RiskDay
	stored *domain.RiskDay // returned by RiskDay on load
}

func newMockRiskRepo() *mockRiskRepo {
	return &mockRiskRepo{days: make(map[string]*domain.RiskDay)}
}

func (m *mockRiskRepo) RiskDay(ctx context.Context, day time.Time) (*domain.RiskDay, error) {
	if m.stored != nil {
		return m.stored, nil
	}
	return &domain.RiskDay{Day: day}, nil
}

func (m *mockRiskRepo) RecordTrade(ctx context.Context, day time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := day.Format("2006-01-02")
	if m.days[key] == nil {
		m.days[key] = &domain.RiskDay{Day: day}
	}
	m.days[key].Trades++
	return nil
}

func (m *mockRiskRepo) RecordPnL(ctx context.Context, day time.Time, pnl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := day.Format("2006-01-02")
	if m.days[key] == nil {
		m.days[key] = &domain.RiskDay{Day: day}
	}
	m.days[key].RealizedPnL += pnl
	return nil
}

type fixture struct {
	tracker *Tracker
	repo    *mockRiskRepo
	mu      sync.Mutex
	now     time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, maxTrades int, maxLoss float64, stored *domain.RiskDay) *fixture {
	t.Helper()
	f := &fixture{
		repo: newMockRiskRepo(),
		now:  time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	f.repo.stored = stored

	tracker, err := NewTracker(context.Background(), Config{
		MaxDailyTrades: maxTrades,
		MaxDailyLoss:   maxLoss,
		Repo:           f.repo,
		Logger:         &mockLogger{},
		Clock: func() time.Time {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.now
		},
	})
	require.NoError(t, err)
	f.tracker = tracker
	return f
}

func TestAllow_TradeLimit(t *testing.T) {
	f := newFixture(t, 2, 100, nil)
	ctx := context.Background()

	ok, _ := f.tracker.Allow(ctx)
	assert.True(t, ok)

	require.NoError(t, f.tracker.RecordTrade(ctx))
	require.NoError(t, f.tracker.RecordTrade(ctx))

	ok, reason := f.tracker.Allow(ctx)
	assert.False(t, ok)
	assert.Contains(t, reason, "trade limit")
}

func TestAllow_LossLimit(t *testing.T) {
	f := newFixture(t, 10, 100, nil)
	ctx := context.Background()

	require.NoError(t, f.tracker.RecordPnL(ctx, -60))
	ok, _ := f.tracker.Allow(ctx)
	assert.True(t, ok)
	assert.False(t, f.tracker.Breached())

	require.NoError(t, f.tracker.RecordPnL(ctx, -40))
	ok, reason := f.tracker.Allow(ctx)
	assert.False(t, ok)
	assert.Contains(t, reason, "loss limit")
	assert.True(t, f.tracker.Breached())
}

func TestAllow_ProfitsOffsetLosses(t *testing.T) {
	f := newFixture(t, 10, 100, nil)
	ctx := context.Background()

	require.NoError(t, f.tracker.RecordPnL(ctx, -120))
	require.NoError(t, f.tracker.RecordPnL(ctx, 50))

	ok, _ := f.tracker.Allow(ctx)
	assert.True(t, ok)
	assert.False(t, f.tracker.Breached())
}

func TestNewTracker_LoadsPersistedCounters(t *testing.T) {
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, 3, 100, &domain.RiskDay{Day: day, Trades: 3, RealizedPnL: -20})

	// A restart mid-day must not reset the budget.
	ok, reason := f.tracker.Allow(context.Background())
	assert.False(t, ok)
	assert.Contains(t, reason, "trade limit")
}

func TestRollover_ResetsCountersAtUTCMidnight(t *testing.T) {
	f := newFixture(t, 1, 50, nil)
	ctx := context.Background()

	require.NoError(t, f.tracker.RecordTrade(ctx))
	require.NoError(t, f.tracker.RecordPnL(ctx, -60))

	ok, _ := f.tracker.Allow(ctx)
	assert.False(t, ok)

	f.advance(24 * time.Hour)
	ok, _ = f.tracker.Allow(ctx)
	assert.True(t, ok)
	assert.False(t, f.tracker.Breached())
}

func TestRecord_PersistsThroughRepository(t *testing.T) {
	f := newFixture(t, 10, 100, nil)
	ctx := context.Background()

	require.NoError(t, f.tracker.RecordTrade(ctx))
	require.NoError(t, f.tracker.RecordPnL(ctx, -12.5))

	stored := f.repo.days["2025-03-14"]
	require.NotNil(t, stored)
	assert.Equal(t, 1, stored.Trades)
	assert.InDelta(t, -12.5, stored.RealizedPnL, 1e-9)
}
