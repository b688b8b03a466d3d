package domain

import "time"

// OrderIntent captures a trading decision at trigger time. It is created by
// the lifecycle state machine and consumed exactly once by the sizer/guard
// submission path. CorrelationID is broker-visible and prevents resubmission
// of an already-acknowledged order after a reconnect.
type OrderIntent struct {
	InstrumentID     int64
	Symbol           string
	Side             OrderSide
	RiskFraction     float64 // fraction of equity at risk (e.g. 0.02)
	StopDistancePips float64
	TriggerPrice     float64
	Cycle            int64 // decision cycle (period) the intent belongs to
	CorrelationID    string
	CreatedAt        time.Time
}

// NormalizedOrder is a broker-valid order derived deterministically from an
// OrderIntent, the instrument metadata and the account state. Lots is always
// a positive multiple of the instrument's StepVolume within its volume
// bounds.
type NormalizedOrder struct {
	InstrumentID  int64
	Symbol        string
	Side          OrderSide
	Lots          float64
	PipValue      float64 // pip value per lot in account currency, for audit
	CorrelationID string
}
