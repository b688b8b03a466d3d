package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/metrics"
	"fxTradeEngine/internal/ports"
)

// Snapshot is the broker-reported open-position view for one instrument at
// TakenAt. Ambiguous marks a snapshot whose broker fetch failed: the counts
// are the last known-good values and must not be treated as current truth.
type Snapshot struct {
	InstrumentID int64
	Symbol       string
	OpenCount    int
	Positions    []ports.BrokerPosition
	TakenAt      time.Time
	Ambiguous    bool
	// Unconfirmed marks an outstanding submission whose outcome could not be
	// confirmed. Only a successful broker recount clears it.
	Unconfirmed bool
}

// Config holds the reconciler's dependencies and settings.
type Config struct {
	Broker    ports.Broker
	Positions ports.PositionRepository
	Logger    ports.Logger
	// Interval between periodic ground-truth passes.
	Interval time.Duration
	// MaxConsecutiveFailures before OnSystemic fires for an instrument.
	MaxConsecutiveFailures int
	// OnSystemic is called when an instrument's reconciliation has failed
	// MaxConsecutiveFailures times in a row. Optional.
	OnSystemic func(instrumentID int64, err error)
	Clock      func() time.Time
}

// Reconciler periodically reconfirms local position state against the
// broker's authoritative records, and serves the execution guard's
// pre-admission recount. On failure it assumes the worst case: block counts
// are never lowered below the last known-good value.
type Reconciler struct {
	cfg Config

	mu          sync.Mutex
	snaps       map[int64]*Snapshot
	failures    map[int64]int
	unconfirmed map[int64]bool
}

// New creates a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Broker == nil || cfg.Positions == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for reconciler")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("reconcile interval must be positive")
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Reconciler{
		cfg:         cfg,
		snaps:       make(map[int64]*Snapshot),
		failures:    make(map[int64]int),
		unconfirmed: make(map[int64]bool),
	}, nil
}

// Check fetches the broker's open positions for the instrument, diffs them
// against the local store, and refreshes the snapshot.
//
// On a failed fetch the previous snapshot is returned marked Ambiguous
// together with ErrReconciliationAmbiguous; the caller must take the
// conservative branch.
func (r *Reconciler) Check(ctx context.Context, inst domain.Instrument) (Snapshot, error) {
	brokerPositions, err := r.cfg.Broker.OpenPositions(ctx, inst.Symbol)
	now := r.cfg.Clock()

	if err != nil {
		metrics.ReconcileFailures.Inc()
		r.mu.Lock()
		r.failures[inst.ID]++
		count := r.failures[inst.ID]
		snap := r.ambiguousLocked(inst, now)
		r.mu.Unlock()

		r.cfg.Logger.Warn(ctx, "Reconciliation failed; keeping last known-good state", map[string]interface{}{
			"symbol":              inst.Symbol,
			"consecutiveFailures": count,
			"lastKnownOpenCount":  snap.OpenCount,
			"error":               err.Error(),
		})
		if count >= r.cfg.MaxConsecutiveFailures && r.cfg.OnSystemic != nil {
			r.cfg.OnSystemic(inst.ID, err)
		}
		return snap, fmt.Errorf("%w: %s: %v", ports.ErrReconciliationAmbiguous, inst.Symbol, err)
	}

	r.mu.Lock()
	r.failures[inst.ID] = 0
	delete(r.unconfirmed, inst.ID)
	snap := &Snapshot{
		InstrumentID: inst.ID,
		Symbol:       inst.Symbol,
		OpenCount:    len(brokerPositions),
		Positions:    brokerPositions,
		TakenAt:      now,
	}
	r.snaps[inst.ID] = snap
	r.mu.Unlock()

	r.diffWithLocal(ctx, inst, brokerPositions)
	return *snap, nil
}

// Invalidate marks an instrument as having an outstanding submission whose
// outcome could not be confirmed. The mark survives failed broker fetches
// and is cleared only by a successful recount, so admissions stay on the
// conservative branch until truth is re-established.
func (r *Reconciler) Invalidate(instrumentID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unconfirmed[instrumentID] = true
	if snap, ok := r.snaps[instrumentID]; ok {
		snap.Ambiguous = true
		snap.Unconfirmed = true
	}
}

// Snapshot returns the current snapshot for an instrument, if any.
func (r *Reconciler) Snapshot(instrumentID int64) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snaps[instrumentID]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// Run executes periodic reconciliation passes over all instruments until the
// context is cancelled.
func (r *Reconciler) Run(ctx context.Context, instruments []domain.Instrument) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.cfg.Logger.Info(ctx, "Reconciler stopped")
			return
		case <-ticker.C:
			for _, inst := range instruments {
				// Errors are already logged and folded into the snapshot state.
				_, _ = r.Check(ctx, inst)
			}
		}
	}
}

// ambiguousLocked returns the last known-good snapshot flagged ambiguous,
// or a zero-count ambiguous snapshot when none exists. Caller holds r.mu.
func (r *Reconciler) ambiguousLocked(inst domain.Instrument, now time.Time) Snapshot {
	if prev, ok := r.snaps[inst.ID]; ok {
		prev.Ambiguous = true
		prev.Unconfirmed = r.unconfirmed[inst.ID]
		return *prev
	}
	snap := &Snapshot{
		InstrumentID: inst.ID,
		Symbol:       inst.Symbol,
		TakenAt:      now,
		Ambiguous:    true,
		Unconfirmed:  r.unconfirmed[inst.ID],
	}
	r.snaps[inst.ID] = snap
	return *snap
}

// diffWithLocal logs discrepancies between broker truth and the local store.
func (r *Reconciler) diffWithLocal(ctx context.Context, inst domain.Instrument, brokerPositions []ports.BrokerPosition) {
	local, err := r.cfg.Positions.FindOpenByInstrument(ctx, inst.ID)
	if err != nil {
		r.cfg.Logger.Warn(ctx, "Reconciliation could not read local positions", map[string]interface{}{
			"symbol": inst.Symbol,
			"error":  err.Error(),
		})
		return
	}
	if len(local) == len(brokerPositions) {
		return
	}
	r.cfg.Logger.Warn(ctx, "Position count mismatch between broker and local store", map[string]interface{}{
		"symbol":      inst.Symbol,
		"brokerCount": len(brokerPositions),
		"localCount":  len(local),
	})
}
