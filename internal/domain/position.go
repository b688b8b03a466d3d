package domain

import "time"

// Position represents a trading position held by the engine.
// Immutable once Status is closed.
type Position struct {
	ID           int64     // Unique identifier (from DB)
	InstrumentID int64     // Instrument the position belongs to
	Symbol       string    // Trading symbol (e.g. "EURUSD")
	Side         OrderSide // BUY or SELL
	OpenPrice    float64   // Price at which the position was entered
	ClosePrice   float64   // Price at which the position was exited (0 if open)
	Lots         float64   // Size of the position in lots
	StopLoss     float64   // Stop-loss price level
	TakeProfit   float64   // Take-profit price level
	OpenTime     time.Time
	CloseTime    time.Time // Zero value while open
	Status       PositionStatus
	PNL          float64 // Realized profit/loss in account currency, set on close

	BrokerID      string      `db:"broker_id"`      // Broker-side position/order id
	CorrelationID string      `db:"correlation_id"` // Idempotency key sent with the order
	ParentID      *int64      `db:"parent_id"`      // Linked/hedge parent position, if any
	CloseReason   CloseReason `db:"close_reason"`
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// ProfitPips returns the current profit in pips at the given price.
func (p *Position) ProfitPips(price, pipSize float64) float64 {
	if pipSize <= 0 {
		return 0
	}
	if p.Side == Sell {
		return (p.OpenPrice - price) / pipSize
	}
	return (price - p.OpenPrice) / pipSize
}
