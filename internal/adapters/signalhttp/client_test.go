package signalhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

func testRequest() ports.SignalRequest {
	open := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	return ports.SignalRequest{
		Symbol: "EURUSD",
		Period: "M15",
		History: []domain.Candle{
			{Symbol: "EURUSD", Open: 1.0840, High: 1.0855, Low: 1.0838, Close: 1.0850, OpenTime: open, CloseTime: open.Add(15 * time.Minute)},
		},
		Partial: domain.PartialCandle{
			Symbol:   "EURUSD",
			Open:     1.0850,
			High:     1.0853,
			Low:      1.0849,
			OpenTime: open.Add(15 * time.Minute),
			Elapsed:  5 * time.Minute,
		},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Logger: &mockLogger{}})
	require.NoError(t, err)
	return c
}

func TestPredict_Success(t *testing.T) {
	var gotPath string
	var gotPayload predictRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		json.NewEncoder(w).Encode(predictResponse{
			Direction:      "up",
			Confidence:     0.73,
			PredictedClose: 1.0862,
		})
	})

	sig, err := c.Predict(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "/predict", gotPath)
	assert.Equal(t, "EURUSD", gotPayload.Symbol)
	assert.Equal(t, "M15", gotPayload.Timeframe)
	require.Len(t, gotPayload.History, 1)
	assert.Equal(t, 1.0850, gotPayload.History[0].Close)
	require.NotNil(t, gotPayload.Partial)
	assert.Equal(t, int64(300), gotPayload.Partial.ElapsedSec)

	assert.Equal(t, domain.DirectionUp, sig.Direction)
	assert.Equal(t, 0.73, sig.Confidence)
	assert.Equal(t, 1.0862, sig.ReferencePrice)
}

func TestPredict_OmitsEmptyPartial(t *testing.T) {
	var gotPayload predictRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		json.NewEncoder(w).Encode(predictResponse{Direction: "down", Confidence: 0.5})
	})

	req := testRequest()
	req.Partial = domain.PartialCandle{}
	_, err := c.Predict(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, gotPayload.Partial)
}

func TestPredict_ServiceError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(predictResponse{Error: "model not loaded"})
	})

	_, err := c.Predict(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestPredict_HTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.Predict(context.Background(), testRequest())
	assert.Error(t, err)
}

func TestPredict_RejectsUnknownDirection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(predictResponse{Direction: "sideways", Confidence: 0.9})
	})

	_, err := c.Predict(context.Background(), testRequest())
	assert.Error(t, err)
}

func TestPredict_RejectsOutOfRangeConfidence(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(predictResponse{Direction: "up", Confidence: 1.4})
	})

	_, err := c.Predict(context.Background(), testRequest())
	assert.Error(t, err)
}

func TestPredict_ContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(predictResponse{Direction: "up", Confidence: 0.6})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Predict(ctx, testRequest())
	assert.Error(t, err)
}
