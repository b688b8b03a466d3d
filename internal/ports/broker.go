package ports

import (
	"context"
	"time"

	"fxTradeEngine/internal/domain"
)

// OrderAck holds the essential details returned after placing an order.
//
// AckPrice 0 together with a nil error is an ambiguous outcome: the broker
// accepted the request but did not confirm a fill price. Callers must treat
// it as "unknown, verify via reconciliation", never as silent success.
type OrderAck struct {
	OrderID       string    // Broker's order id
	Symbol        string    // Symbol for the order
	CorrelationID string    // Client order id echoed back by the broker
	AckPrice      float64   // Confirmed fill price, 0 when not reported
	Lots          float64   // Filled volume in lots
	Status        string    // Broker order status (e.g. NEW, FILLED, REJECTED)
	Timestamp     time.Time // Time the acknowledgment was generated
}

// BrokerPosition is an open position as reported by the broker's
// authoritative query.
type BrokerPosition struct {
	ID            string // Broker-side position id
	Symbol        string
	Side          domain.OrderSide
	Lots          float64
	OpenPrice     float64
	CorrelationID string // Client order id that opened it, when the venue reports one
}

// Broker defines the interface to the brokerage venue. This abstraction
// decouples the execution core from the concrete venue implementation.
type Broker interface {
	// PlaceOrder submits a market order with protective stop-loss/take-profit
	// levels. The order's CorrelationID is forwarded as the broker-visible
	// client order id so a retry after an ambiguous outcome cannot create a
	// duplicate fill.
	PlaceOrder(ctx context.Context, ord domain.NormalizedOrder, stopLoss, takeProfit float64) (*OrderAck, error)

	// OpenPositions returns the broker's authoritative open positions for a
	// symbol. An error means the truth is unknown, not that the list is empty.
	OpenPositions(ctx context.Context, symbol string) ([]BrokerPosition, error)

	// FindOrder looks an order up by its client order id.
	// Returns ErrOrderNotFound when the broker has never seen the id.
	FindOrder(ctx context.Context, symbol, correlationID string) (*OrderAck, error)

	// ClosePosition closes an open position at market.
	ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, lots float64) (*OrderAck, error)

	// AccountEquity returns the current equity in the account currency.
	AccountEquity(ctx context.Context) (float64, error)
}
