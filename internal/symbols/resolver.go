package symbols

import (
	"context"
	"fmt"
	"sync"

	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/ports"
)

// ConnCache is the protocol/connection layer's own symbol table, consulted
// when the resolver's local reverse cache misses. The market feed adapter
// implements it.
type ConnCache interface {
	SymbolName(id int64) (string, bool)
}

// lookup is a single pure resolution strategy: id -> name.
type lookup struct {
	name string
	fn   func(id int64) (string, bool)
}

// Resolver owns the instrument registry and the id↔name resolution state.
// It is the only holder of per-symbol maps; callers go through its API
// rather than sharing mutable state.
type Resolver struct {
	mu       sync.RWMutex
	byID     map[int64]domain.Instrument
	byName   map[string]int64
	reverse  map[int64]string // local reverse cache, self-healing
	subs     map[int64]string // active-subscription table
	conn     ConnCache
	fallback []lookup
	logger   ports.Logger
}

// NewResolver builds a resolver over the loaded instrument catalog.
// conn may be nil until the feed is attached.
func NewResolver(instruments []domain.Instrument, logger ports.Logger) (*Resolver, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for symbol resolver")
	}
	r := &Resolver{
		byID:    make(map[int64]domain.Instrument, len(instruments)),
		byName:  make(map[string]int64, len(instruments)),
		reverse: make(map[int64]string),
		subs:    make(map[int64]string),
		logger:  logger,
	}
	for _, inst := range instruments {
		if inst.ID == 0 || inst.Symbol == "" {
			return nil, fmt.Errorf("instrument with empty id or symbol: %+v", inst)
		}
		if _, dup := r.byID[inst.ID]; dup {
			return nil, fmt.Errorf("duplicate instrument id %d", inst.ID)
		}
		if _, dup := r.byName[inst.Symbol]; dup {
			return nil, fmt.Errorf("duplicate instrument symbol %s", inst.Symbol)
		}
		r.byID[inst.ID] = inst
		r.byName[inst.Symbol] = inst.ID
	}
	// Ordered fallback chain. Each strategy is pure; hits from any strategy
	// after the first write back into the local reverse cache. Last-writer-wins
	// is safe: the mapping is stable for the lifetime of a connection epoch.
	r.fallback = []lookup{
		{name: "reverse_cache", fn: r.fromReverse},
		{name: "connection_cache", fn: r.fromConn},
		{name: "subscriptions", fn: r.fromSubs},
		{name: "full_scan", fn: r.fromScan},
	}
	return r, nil
}

// AttachFeed wires the connection-layer cache into the fallback chain.
func (r *Resolver) AttachFeed(conn ConnCache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
}

// Subscribe records an active subscription in the resolver's table.
func (r *Resolver) Subscribe(id int64, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[id] = name
}

// Instrument returns the instrument metadata for an id.
func (r *Resolver) Instrument(id int64) (domain.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byID[id]
	return inst, ok
}

// Instruments returns the full loaded catalog.
func (r *Resolver) Instruments() []domain.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Instrument, 0, len(r.byID))
	for _, inst := range r.byID {
		out = append(out, inst)
	}
	return out
}

// ID resolves a symbol name to its id.
func (r *Resolver) ID(name string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: name %q", ports.ErrUnresolvedSymbol, name)
	}
	return id, nil
}

// Name resolves a symbol id to its name through the fallback chain,
// writing successful non-cache hits back into the local reverse cache.
func (r *Resolver) Name(id int64) (string, error) {
	for i, strat := range r.fallback {
		name, ok := strat.fn(id)
		if !ok {
			continue
		}
		if i > 0 {
			r.mu.Lock()
			r.reverse[id] = name
			r.mu.Unlock()
		}
		return name, nil
	}
	return "", fmt.Errorf("%w: id %d", ports.ErrUnresolvedSymbol, id)
}

// Route resolves a raw feed event into a typed tick. An id that resolves
// through none of the strategies is logged and dropped; routing never
// panics the pipeline.
func (r *Resolver) Route(ctx context.Context, raw domain.RawTick) (*domain.Tick, error) {
	name, err := r.Name(raw.SymbolID)
	if err != nil {
		r.logger.Warn(ctx, "Dropping tick for unresolvable symbol id", map[string]interface{}{
			"symbolID": raw.SymbolID,
			"bid":      raw.Bid,
			"ask":      raw.Ask,
		})
		return nil, err
	}
	return &domain.Tick{
		SymbolID:  raw.SymbolID,
		Symbol:    name,
		Bid:       raw.Bid,
		Ask:       raw.Ask,
		Timestamp: raw.Timestamp,
	}, nil
}

// --- fallback strategies ---

func (r *Resolver) fromReverse(id int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.reverse[id]
	return name, ok
}

func (r *Resolver) fromConn(id int64) (string, bool) {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if conn == nil {
		return "", false
	}
	return conn.SymbolName(id)
}

func (r *Resolver) fromSubs(id int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.subs[id]
	return name, ok
}

// fromScan is the last-resort linear pass over the full id↔name map.
func (r *Resolver) fromScan(id int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, nid := range r.byName {
		if nid == id {
			return name, true
		}
	}
	return "", false
}
