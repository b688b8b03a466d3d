package domain

import "time"

// Candle represents a completed period OHLC bar.
type Candle struct {
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	OpenTime  time.Time
	CloseTime time.Time
}

// PartialCandle is the running bar of the current period, handed to the
// signal source together with the elapsed time inside the period.
type PartialCandle struct {
	Symbol   string
	Open     float64
	High     float64
	Low      float64
	OpenTime time.Time
	Elapsed  time.Duration
}
