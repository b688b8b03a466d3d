package domain

import "time"

// RawTick is a price event as delivered by the market data feed, keyed by the
// protocol symbol id. The symbol resolver turns it into a routed Tick.
type RawTick struct {
	SymbolID  int64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Tick is a resolved, routable price event.
type Tick struct {
	SymbolID  int64
	Symbol    string
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Mid returns the bid/ask midpoint.
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}
