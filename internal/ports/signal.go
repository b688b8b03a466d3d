package ports

import (
	"context"

	"fxTradeEngine/internal/domain"
)

// SignalRequest is the snapshot handed to the directional prediction service:
// the running bar of the current period plus recent completed candles.
type SignalRequest struct {
	Symbol  string
	Period  string // period label, e.g. "M15"
	History []domain.Candle
	Partial domain.PartialCandle
}

// Signal is the prediction service's directional call.
type Signal struct {
	Direction      domain.Direction
	Confidence     float64 // 0..1
	ReferencePrice float64 // price level the call is anchored to; used as the trigger
}

// SignalSource is the external directional-prediction collaborator. The core
// invokes it once per period and assumes no side effects.
type SignalSource interface {
	Predict(ctx context.Context, req SignalRequest) (*Signal, error)
}
