package sizing

import (
	"sync"
	"time"
)

// Rate is a timestamped conversion price.
type Rate struct {
	Price float64
	At    time.Time
}

// RateBook holds the latest live price per symbol with its observation time.
// Updated from the tick stream; read by the sizer, which rejects anything
// older than its freshness bound.
type RateBook struct {
	mu    sync.RWMutex
	rates map[string]Rate
	now   func() time.Time
}

// NewRateBook creates an empty rate book.
func NewRateBook() *RateBook {
	return &RateBook{
		rates: make(map[string]Rate),
		now:   time.Now,
	}
}

// withClock overrides the time source. Test hook.
func (b *RateBook) withClock(now func() time.Time) *RateBook {
	b.now = now
	return b
}

// Update records the latest mid price for a symbol.
func (b *RateBook) Update(symbol string, bid, ask float64, at time.Time) {
	if bid <= 0 || ask <= 0 {
		return
	}
	b.mu.Lock()
	b.rates[symbol] = Rate{Price: (bid + ask) / 2, At: at}
	b.mu.Unlock()
}

// Fresh returns the symbol's price when it is no older than maxAge.
func (b *RateBook) Fresh(symbol string, maxAge time.Duration) (float64, bool) {
	b.mu.RLock()
	r, ok := b.rates[symbol]
	b.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if b.now().Sub(r.At) > maxAge {
		return 0, false
	}
	return r.Price, true
}
