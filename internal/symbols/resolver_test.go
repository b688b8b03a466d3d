package symbols

import (
	"context"
	"errors"
	"testing"
	"time"

	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/ports"

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

// mockConn is the connection-layer symbol table with call counting.
type mockConn struct {
	table map[int64]string
	calls int
}

func (m *mockConn) SymbolName(id int64) (string, bool) {
	m.calls++
	name, ok := m.table[id]
	return name, ok
}

func testInstruments() []domain.Instrument {
	return []domain.Instrument{
		{ID: 1, Symbol: "EURUSD", Class: domain.QuoteIsAccount, PipSize: 0.0001, LotUnits: 100000, MinVolume: 0.01, MaxVolume: 50, StepVolume: 0.01},
		{ID: 2, Symbol: "USDJPY", Class: domain.BaseIsAccount, PipSize: 0.01, LotUnits: 100000, MinVolume: 0.01, MaxVolume: 50, StepVolume: 0.01},
	}
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(testInstruments(), &mockLogger{})
	require.NoError(t, err)
	return r
}

func TestNewResolver_RejectsDuplicates(t *testing.T) {
	dup := testInstruments()
	dup[1].ID = 1
	_, err := NewResolver(dup, &mockLogger{})
	assert.Error(t, err)

	dup = testInstruments()
	dup[1].Symbol = "EURUSD"
	_, err = NewResolver(dup, &mockLogger{})
	assert.Error(t, err)
}

func TestID(t *testing.T) {
	r := newTestResolver(t)

	id, err := r.ID("EURUSD")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = r.ID("GBPUSD")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrUnresolvedSymbol))
}

func TestName_FullScanFallbackAndWriteBack(t *testing.T) {
	r := newTestResolver(t)

	// No caches yet: the full scan resolves and the hit is written back.
	name, err := r.Name(1)
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", name)

	// Second lookup hits the reverse cache, not the connection layer.
	conn := &mockConn{table: map[int64]string{1: "EURUSD"}}
	r.AttachFeed(conn)
	name, err = r.Name(1)
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", name)
	assert.Equal(t, 0, conn.calls)
}

func TestName_ConnectionCachePrecedesSubscriptions(t *testing.T) {
	r := newTestResolver(t)
	conn := &mockConn{table: map[int64]string{2: "USDJPY"}}
	r.AttachFeed(conn)
	r.Subscribe(2, "USDJPY")

	name, err := r.Name(2)
	require.NoError(t, err)
	assert.Equal(t, "USDJPY", name)
	assert.Equal(t, 1, conn.calls)

	// The hit was cached; the connection layer is not consulted again.
	_, err = r.Name(2)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.calls)
}

func TestName_SubscriptionsServeUnknownFeedIDs(t *testing.T) {
	r := newTestResolver(t)
	// An id outside the catalog, known only through an active subscription.
	r.Subscribe(7, "AUDUSD")

	name, err := r.Name(7)
	require.NoError(t, err)
	assert.Equal(t, "AUDUSD", name)
}

func TestName_Unresolvable(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Name(99)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrUnresolvedSymbol))
}

func TestRoute(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()
	ts := time.Now()

	tick, err := r.Route(ctx, domain.RawTick{SymbolID: 1, Bid: 1.0850, Ask: 1.0852, Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", tick.Symbol)
	assert.Equal(t, 1.0850, tick.Bid)
	assert.Equal(t, 1.0852, tick.Ask)
	assert.InDelta(t, 1.0851, tick.Mid(), 1e-9)
}

func TestRoute_DropsUnresolvable(t *testing.T) {
	r := newTestResolver(t)

	tick, err := r.Route(context.Background(), domain.RawTick{SymbolID: 99, Bid: 1.0, Ask: 1.0})
	require.Error(t, err)
	assert.Nil(t, tick)
	assert.True(t, errors.Is(err, ports.ErrUnresolvedSymbol))
}

func TestInstrument(t *testing.T) {
	r := newTestResolver(t)

	inst, ok := r.Instrument(2)
	require.True(t, ok)
	assert.Equal(t, "USDJPY", inst.Symbol)

	_, ok = r.Instrument(42)
	assert.False(t, ok)

	assert.Len(t, r.Instruments(), 2)
}
