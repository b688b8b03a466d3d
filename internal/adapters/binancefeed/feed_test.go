package binancefeed

import (
	"context"
	"errors"
	"testing"

	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/ports"

	"github.com/adshao/go-binance/v2/futures"
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

func newTestFeed(t *testing.T) *Feed {
	t.Helper()
	f, err := New(Config{
		Logger:  &mockLogger{},
		Symbols: map[int64]string{1: "EURUSD", 2: "USDJPY"},
	})
	require.NoError(t, err)
	return f
}

func TestNew_RequiresSymbols(t *testing.T) {
	_, err := New(Config{Logger: &mockLogger{}})
	assert.Error(t, err)
}

func TestSymbolName(t *testing.T) {
	f := newTestFeed(t)

	name, ok := f.SymbolName(1)
	assert.True(t, ok)
	assert.Equal(t, "EURUSD", name)

	_, ok = f.SymbolName(99)
	assert.False(t, ok)
}

func TestTranslateBookTicker(t *testing.T) {
	f := newTestFeed(t)

	raw, err := f.translateBookTicker(&futures.WsBookTickerEvent{
		Symbol:       "USDJPY",
		BestBidPrice: "157.123",
		BestAskPrice: "157.131",
		Time:         1700000000000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), raw.SymbolID)
	assert.Equal(t, 157.123, raw.Bid)
	assert.Equal(t, 157.131, raw.Ask)
	assert.Equal(t, int64(1700000000000), raw.Timestamp.UnixMilli())
}

func TestTranslateBookTicker_UnknownSymbol(t *testing.T) {
	f := newTestFeed(t)

	_, err := f.translateBookTicker(&futures.WsBookTickerEvent{
		Symbol:       "GBPUSD",
		BestBidPrice: "1.27",
		BestAskPrice: "1.2701",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrUnresolvedSymbol))
}

func TestTranslateBookTicker_BadPrice(t *testing.T) {
	f := newTestFeed(t)

	_, err := f.translateBookTicker(&futures.WsBookTickerEvent{
		Symbol:       "EURUSD",
		BestBidPrice: "not-a-number",
		BestAskPrice: "1.0851",
	})
	assert.Error(t, err)
}

func TestSubscribe_UnknownSymbolRejected(t *testing.T) {
	f := newTestFeed(t)

	_, _, err := f.Subscribe(context.Background(), []string{"GBPUSD"},
		func(raw domain.RawTick) {}, func(err error) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrUnresolvedSymbol))
}
