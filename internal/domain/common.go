package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the closing side for a position opened with this side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Direction is the directional call produced by the signal source.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Side maps a signal direction to the order side that expresses it.
func (d Direction) Side() OrderSide {
	if d == DirectionDown {
		return Sell
	}
	return Buy
}

// PositionStatus represents the status of a trading position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss     CloseReason = "SL"
	CloseReasonTakeProfit   CloseReason = "TP"
	CloseReasonProfitTarget CloseReason = "PROFIT_TARGET"
	CloseReasonTimeLimit    CloseReason = "TIME_LIMIT" // time-based forced exit
	CloseReasonManual       CloseReason = "MANUAL"
	CloseReasonShutdown     CloseReason = "SHUTDOWN"
	CloseReasonUnknown      CloseReason = "UNKNOWN"
)
