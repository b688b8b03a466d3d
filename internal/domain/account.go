package domain

import "time"

// Account is the trading account state read by the position sizer and the
// daily risk tracker.
type Account struct {
	Currency string  // Account denomination (e.g. "USD")
	Equity   float64 // Current equity in account currency
}

// RiskDay aggregates the daily risk counters for one trading day.
// Mutated only through the risk tracker; persisted for crash recovery.
type RiskDay struct {
	Day         time.Time // UTC midnight of the trading day
	Trades      int       // Trades opened today
	RealizedPnL float64   // Sum of realized PnL today (negative = loss)
}
