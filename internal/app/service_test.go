package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"fxTradeEngine/config"
	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/ports"
	"fxTradeEngine/internal/symbols"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockFeed struct{}

func (m *mockFeed) Subscribe(ctx context.Context, symbols []string, handler func(domain.RawTick), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	return make(chan struct{}), make(chan struct{}), nil
}
func (m *mockFeed) SymbolName(id int64) (string, bool) { return "", false }

type mockBroker struct{}

func (m *mockBroker) PlaceOrder(ctx context.Context, ord domain.NormalizedOrder, stopLoss, takeProfit float64) (*ports.OrderAck, error) {
	return nil, errors.New("not implemented")
}
func (m *mockBroker) OpenPositions(ctx context.Context, symbol string) ([]ports.BrokerPosition, error) {
	return nil, nil
}
func (m *mockBroker) FindOrder(ctx context.Context, symbol, correlationID string) (*ports.OrderAck, error) {
	return nil, ports.ErrOrderNotFound
}
func (m *mockBroker) ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, lots float64) (*ports.OrderAck, error) {
	return nil, errors.New("not implemented")
}
func (m *mockBroker) AccountEquity(ctx context.Context) (float64, error) { return 1000, nil }

type mockSignal struct{}

func (m *mockSignal) Predict(ctx context.Context, req ports.SignalRequest) (*ports.Signal, error) {
	return nil, errors.New("not implemented")
}

type mockPositionRepo struct{}

func (m *mockPositionRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	return 0, nil
}
func (m *mockPositionRepo) Update(ctx context.Context, pos *domain.Position) error { return nil }
func (m *mockPositionRepo) FindOpenByInstrument(ctx context.Context, instrumentID int64) ([]*domain.Position, error) {
	return nil, nil
}
func (m *mockPositionRepo) CountOpenByInstrument(ctx context.Context, instrumentID int64) (int, error) {
	return 0, nil
}
func (m *mockPositionRepo) FindByCorrelationID(ctx context.Context, correlationID string) (*domain.Position, error) {
	return nil, nil
}
func (m *mockPositionRepo) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	return nil, nil
}

type mockSessionRepo struct{}

func (m *mockSessionRepo) SaveSession(ctx context.Context, snap *domain.SessionSnapshot) error {
	return nil
}
func (m *mockSessionRepo) FindSession(ctx context.Context, instrumentID int64) (*domain.SessionSnapshot, error) {
	return nil, nil
}

type mockRiskRepo struct{}

func (m *mockRiskRepo) RiskDay(ctx context.Context, day time.Time) (*domain.RiskDay, error) {
	return &domain.RiskDay{Day: day}, nil
}
func (m *mockRiskRepo) RecordTrade(ctx context.Context, day time.Time) error           { return nil }
func (m *mockRiskRepo) RecordPnL(ctx context.Context, day time.Time, pnl float64) error { return nil }

// --- helpers ---

func testConfig() *config.Config {
	return &config.Config{
		RiskFraction:         0.02,
		MaxDailyTrades:       5,
		MaxDailyLoss:         100,
		StopDistancePips:     10,
		TakeProfitPips:       20,
		ProfitTargetPips:     12,
		MaxHold:              time.Hour,
		Period:               15 * time.Minute,
		PeriodLabel:          "M15",
		SignalAfter:          10 * time.Minute,
		ArmedTTL:             5 * time.Minute,
		MinConfidence:        0.6,
		HistorySize:          16,
		TokenTTL:             30 * time.Second,
		Cooldown:             time.Minute,
		PendingTimeout:       2 * time.Minute,
		WatchdogWindow:       90 * time.Second,
		ReconcileInterval:    time.Minute,
		MaxReconcileFailures: 5,
		MaxRateAge:           30 * time.Second,
		MaxBrokerFailures:    3,
		SignalTimeoutPerCall: 5 * time.Second,
	}
}

func testResolver(t *testing.T) *symbols.Resolver {
	t.Helper()
	r, err := symbols.NewResolver([]domain.Instrument{
		{ID: 1, Symbol: "EURUSD", Class: domain.QuoteIsAccount, PipSize: 0.0001, LotUnits: 100000, MinVolume: 0.01, MaxVolume: 50, StepVolume: 0.01},
	}, &mockLogger{})
	require.NoError(t, err)
	return r
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		Logger:   &mockLogger{},
		Feed:     &mockFeed{},
		Broker:   &mockBroker{},
		Signal:   &mockSignal{},
		Position: &mockPositionRepo{},
		Session:  &mockSessionRepo{},
		Risk:     &mockRiskRepo{},
		Resolver: testResolver(t),
	}
}

// --- tests ---

func TestNewEngineService_RequiresDependencies(t *testing.T) {
	deps := testDeps(t)
	deps.Broker = nil
	_, err := NewEngineService(testConfig(), deps)
	assert.Error(t, err)

	_, err = NewEngineService(nil, testDeps(t))
	assert.Error(t, err)
}

func TestNewEngineService_WiresCoreComponents(t *testing.T) {
	s, err := NewEngineService(testConfig(), testDeps(t))
	require.NoError(t, err)
	assert.NotNil(t, s.guard)
	assert.NotNil(t, s.reconciler)
	assert.NotNil(t, s.sizer)
	assert.NotNil(t, s.watchdog)
	assert.NotNil(t, s.rates)
}

func TestOnRawTick_UpdatesRateBook(t *testing.T) {
	s, err := NewEngineService(testConfig(), testDeps(t))
	require.NoError(t, err)

	s.onRawTick(domain.RawTick{SymbolID: 1, Bid: 1.0850, Ask: 1.0852, Timestamp: time.Now()})

	mid, fresh := s.rates.Fresh("EURUSD", time.Minute)
	assert.True(t, fresh)
	assert.InDelta(t, 1.0851, mid, 1e-9)
}

func TestOnRawTick_DropsUnresolvableSymbol(t *testing.T) {
	s, err := NewEngineService(testConfig(), testDeps(t))
	require.NoError(t, err)

	s.onRawTick(domain.RawTick{SymbolID: 99, Bid: 1.0, Ask: 1.0, Timestamp: time.Now()})

	_, fresh := s.rates.Fresh("EURUSD", time.Minute)
	assert.False(t, fresh)
}

func TestOnFeedError_FlagsDisconnectOnce(t *testing.T) {
	s, err := NewEngineService(testConfig(), testDeps(t))
	require.NoError(t, err)

	s.onFeedError(errors.New("stream closed"))
	assert.True(t, s.disconnected.Load())

	// A routed tick clears the outage flag.
	s.onRawTick(domain.RawTick{SymbolID: 1, Bid: 1.0850, Ask: 1.0852, Timestamp: time.Now()})
	assert.False(t, s.disconnected.Load())
}
