package signalhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/metrics"
	"fxTradeEngine/internal/ports"
)

// Client implements ports.SignalSource against the HTTP prediction service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     ports.Logger
}

// Config holds configuration for the signal HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration // per-request timeout (default 5s)
	Logger  ports.Logger
}

// New creates a new signal service client.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for signal client")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: signal service base URL is required", ports.ErrConfigurationError)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger,
	}, nil
}

// wire types for the prediction service's JSON contract.

type candlePayload struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
	Time  int64   `json:"time"` // bar open time, unix seconds
}

type partialPayload struct {
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Time       int64   `json:"time"`
	ElapsedSec int64   `json:"elapsed_sec"`
}

type predictRequest struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	History   []candlePayload `json:"history"`
	Partial   *partialPayload `json:"partial_current,omitempty"`
}

type predictResponse struct {
	Direction      string  `json:"direction"`
	Confidence     float64 `json:"confidence"`
	PredictedClose float64 `json:"predicted_close"`
	Error          string  `json:"error,omitempty"`
}

// Predict posts the period snapshot to the prediction service and returns its
// directional call.
func (c *Client) Predict(ctx context.Context, req ports.SignalRequest) (*ports.Signal, error) {
	op := "Predict"

	payload := predictRequest{
		Symbol:    req.Symbol,
		Timeframe: req.Period,
		History:   make([]candlePayload, 0, len(req.History)),
	}
	for _, k := range req.History {
		payload.History = append(payload.History, candlePayload{
			Open:  k.Open,
			High:  k.High,
			Low:   k.Low,
			Close: k.Close,
			Time:  k.OpenTime.Unix(),
		})
	}
	if !req.Partial.OpenTime.IsZero() {
		payload.Partial = &partialPayload{
			Open:       req.Partial.Open,
			High:       req.Partial.High,
			Low:        req.Partial.Low,
			Time:       req.Partial.OpenTime.Unix(),
			ElapsedSec: int64(req.Partial.Elapsed.Seconds()),
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode predict request for %s: %w", req.Symbol, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build predict request for %s: %w", req.Symbol, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.SignalRequests.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("predict request for %s failed: %w", req.Symbol, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.SignalRequests.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("failed to read predict response for %s: %w", req.Symbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.SignalRequests.WithLabelValues("http_error").Inc()
		return nil, fmt.Errorf("predict request for %s returned status %d: %s", req.Symbol, resp.StatusCode, string(raw))
	}

	var out predictResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		metrics.SignalRequests.WithLabelValues("decode_error").Inc()
		return nil, fmt.Errorf("failed to decode predict response for %s: %w", req.Symbol, err)
	}
	if out.Error != "" {
		metrics.SignalRequests.WithLabelValues("service_error").Inc()
		return nil, fmt.Errorf("prediction service error for %s: %s", req.Symbol, out.Error)
	}

	var direction domain.Direction
	switch out.Direction {
	case string(domain.DirectionUp):
		direction = domain.DirectionUp
	case string(domain.DirectionDown):
		direction = domain.DirectionDown
	default:
		metrics.SignalRequests.WithLabelValues("decode_error").Inc()
		return nil, fmt.Errorf("prediction service returned unknown direction %q for %s", out.Direction, req.Symbol)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		metrics.SignalRequests.WithLabelValues("decode_error").Inc()
		return nil, fmt.Errorf("prediction service returned confidence %v outside [0,1] for %s", out.Confidence, req.Symbol)
	}

	metrics.SignalRequests.WithLabelValues("ok").Inc()
	c.logger.Debug(ctx, op+": Signal received", map[string]interface{}{
		"symbol":     req.Symbol,
		"direction":  direction,
		"confidence": out.Confidence,
		"latency":    time.Since(started).String(),
	})

	return &ports.Signal{
		Direction:      direction,
		Confidence:     out.Confidence,
		ReferencePrice: out.PredictedClose,
	}, nil
}
