// Package guard implements per-instrument execution admission control: at
// most one order submission may be in flight per instrument, and the
// exclusive token is released only after the submission outcome has been
// durably recorded. Releasing before durable recording is the documented
// root cause of duplicate-trade races; Run orders the steps so call sites
// cannot reorder them.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/metrics"
	"fxTradeEngine/internal/ports"
	"fxTradeEngine/internal/reconcile"
)

// DenyReason identifies the gate that refused an admission.
type DenyReason string

const (
	DenyTokenHeld    DenyReason = "token_held"
	DenyCooldown     DenyReason = "cooldown"
	DenyPending      DenyReason = "pending_submission"
	DenySameCycle    DenyReason = "cycle_filter"
	DenyBrokerOpen   DenyReason = "broker_position"
	DenyLocalOpen    DenyReason = "local_position"
	DenyStateUnknown DenyReason = "state_unknown"
)

// Denial reports a refused admission with its gate-specific reason.
type Denial struct {
	Reason DenyReason
	Detail string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("admission denied (%s): %s", d.Reason, d.Detail)
}

// Outcome classifies how a guarded submission ended.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeRejected Outcome = "rejected"
	// OutcomeUnknown means the broker outcome could not be confirmed. The
	// guard forces the next admission through reconciliation.
	OutcomeUnknown Outcome = "unknown"
)

// Token is the instrument-scoped exclusive execution lock. It exists only
// while an order submission for the instrument is in flight.
type Token struct {
	InstrumentID int64
	Owner        string // uuid; release requires ownership
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

// SubmitFunc performs the submission under the token: size, place the order
// and durably record the result before returning. Its returned Outcome
// drives cooldown and pending bookkeeping.
type SubmitFunc func(ctx context.Context, tok *Token) (Outcome, error)

// Config holds the guard's dependencies and timing policy.
type Config struct {
	// TokenTTL bounds how long a token may be held. Expired tokens
	// auto-release so a crash mid-submission cannot deadlock the instrument.
	TokenTTL time.Duration
	// Cooldown is the minimum spacing after an executed trade.
	Cooldown time.Duration
	// PendingTimeout bounds the pending-submission registry independently of
	// the token TTL; it covers broker-ack latency rather than lock duration.
	PendingTimeout time.Duration
	Reconciler     *reconcile.Reconciler
	Positions      ports.PositionRepository
	Logger         ports.Logger
	Clock          func() time.Time
}

// Guard is the admission controller. All mutable per-instrument execution
// state lives here, touched only under its mutex.
type Guard struct {
	cfg Config

	mu        sync.Mutex
	locks     map[int64]*Token
	lastTrade map[int64]time.Time
	pending   map[int64]time.Time
	lastCycle map[int64]int64
}

// New creates a guard.
func New(cfg Config) (*Guard, error) {
	if cfg.Reconciler == nil || cfg.Positions == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for execution guard")
	}
	if cfg.TokenTTL <= 0 || cfg.PendingTimeout <= 0 {
		return nil, fmt.Errorf("TokenTTL and PendingTimeout must be positive")
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("Cooldown cannot be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Guard{
		cfg:       cfg,
		locks:     make(map[int64]*Token),
		lastTrade: make(map[int64]time.Time),
		pending:   make(map[int64]time.Time),
		lastCycle: make(map[int64]int64),
	}, nil
}

// Run is the canonical guarded submission path:
// admit → submit (which records durably) → release, with release guaranteed
// on every exit path. It returns the submission outcome, or the Denial when
// a gate refused admission.
func (g *Guard) Run(ctx context.Context, inst domain.Instrument, cycle int64, submit SubmitFunc) (Outcome, error) {
	tok, denial := g.Admit(ctx, inst, cycle)
	if denial != nil {
		metrics.AdmissionsDenied.WithLabelValues(string(denial.Reason)).Inc()
		return OutcomeRejected, denial
	}

	outcome := OutcomeUnknown
	defer func() {
		if rec := recover(); rec != nil {
			g.Release(ctx, tok, OutcomeUnknown)
			panic(rec)
		}
		g.Release(ctx, tok, outcome)
	}()

	out, err := submit(ctx, tok)
	if out != "" {
		outcome = out
	}
	metrics.Orders.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

// Admit applies the admission gates in strict order and, when all pass,
// issues the instrument's exclusive token and marks the decision cycle and
// pending-submission registry.
func (g *Guard) Admit(ctx context.Context, inst domain.Instrument, cycle int64) (*Token, *Denial) {
	now := g.cfg.Clock()

	g.mu.Lock()

	// Gate 1: instrument-scoped exclusive token with a bounded hold time.
	if tok, held := g.locks[inst.ID]; held {
		if now.Before(tok.ExpiresAt) {
			g.mu.Unlock()
			return nil, &Denial{Reason: DenyTokenHeld,
				Detail: fmt.Sprintf("token %s held since %s", tok.Owner, tok.AcquiredAt.Format(time.RFC3339))}
		}
		// Expired: auto-release so a crash mid-submission cannot deadlock.
		delete(g.locks, inst.ID)
		g.cfg.Logger.Warn(ctx, "Auto-released expired execution token", map[string]interface{}{
			"symbol": inst.Symbol,
			"owner":  tok.Owner,
			"heldFor": now.Sub(tok.AcquiredAt).String(),
		})
	}

	// Gate 2: cooldown since the instrument's last trade.
	if last, ok := g.lastTrade[inst.ID]; ok && now.Sub(last) < g.cfg.Cooldown {
		g.mu.Unlock()
		return nil, &Denial{Reason: DenyCooldown,
			Detail: fmt.Sprintf("last trade %s ago, cooldown %s", now.Sub(last), g.cfg.Cooldown)}
	}

	// Gate 3: pending-submission registry with its own timeout, independent
	// of the token hold time.
	if started, ok := g.pending[inst.ID]; ok {
		if now.Sub(started) < g.cfg.PendingTimeout {
			g.mu.Unlock()
			return nil, &Denial{Reason: DenyPending,
				Detail: fmt.Sprintf("submission pending since %s", started.Format(time.RFC3339))}
		}
		delete(g.pending, inst.ID)
		g.cfg.Logger.Warn(ctx, "Pending submission timed out; forcing reconciliation", map[string]interface{}{
			"symbol":  inst.Symbol,
			"pending": now.Sub(started).String(),
		})
		g.cfg.Reconciler.Invalidate(inst.ID)
	}

	// Gate 4: same-decision-cycle filter.
	if last, ok := g.lastCycle[inst.ID]; ok && last == cycle {
		g.mu.Unlock()
		return nil, &Denial{Reason: DenySameCycle,
			Detail: fmt.Sprintf("already admitted in cycle %d", cycle)}
	}
	g.mu.Unlock()

	// Gate 5: authoritative recount against the broker. A failed query is
	// "unknown", never zero.
	snap, err := g.cfg.Reconciler.Check(ctx, inst)
	switch {
	case err == nil:
		if snap.OpenCount > 0 {
			return nil, &Denial{Reason: DenyBrokerOpen,
				Detail: fmt.Sprintf("broker reports %d open position(s)", snap.OpenCount)}
		}
	default:
		// Gate 6: broker truth unavailable; recount against the local durable
		// store, never trusting an ambiguous snapshot below its last
		// known-good count.
		localCount, lerr := g.cfg.Positions.CountOpenByInstrument(ctx, inst.ID)
		if lerr != nil {
			return nil, &Denial{Reason: DenyStateUnknown,
				Detail: fmt.Sprintf("broker: %v; local store: %v", err, lerr)}
		}
		if localCount > 0 || snap.OpenCount > 0 {
			return nil, &Denial{Reason: DenyLocalOpen,
				Detail: fmt.Sprintf("local store reports %d, last known-good broker count %d",
					localCount, snap.OpenCount)}
		}
		// A prior submission with an unconfirmed outcome may have left an
		// order the local store never saw. Only a successful recount clears
		// the mark.
		if snap.Unconfirmed {
			return nil, &Denial{Reason: DenyStateUnknown,
				Detail: "broker unreachable with an unconfirmed prior submission"}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Re-check the lock: gates 5/6 ran unlocked.
	if _, held := g.locks[inst.ID]; held {
		return nil, &Denial{Reason: DenyTokenHeld, Detail: "token acquired concurrently"}
	}
	now = g.cfg.Clock()
	tok := &Token{
		InstrumentID: inst.ID,
		Owner:        uuid.New().String(),
		AcquiredAt:   now,
		ExpiresAt:    now.Add(g.cfg.TokenTTL),
	}
	g.locks[inst.ID] = tok
	g.lastCycle[inst.ID] = cycle
	g.pending[inst.ID] = now
	return tok, nil
}

// Release returns the instrument's token. It must be called only after the
// submission outcome has been durably recorded; Run enforces that ordering.
// Releasing with a token the guard does not recognize is a concurrency
// violation and fails loudly.
func (g *Guard) Release(ctx context.Context, tok *Token, outcome Outcome) error {
	if tok == nil {
		return fmt.Errorf("%w: nil token", ports.ErrConcurrencyViolation)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	held, ok := g.locks[tok.InstrumentID]
	if !ok || held.Owner != tok.Owner {
		// Should be unreachable; a mismatch means two execution paths touched
		// the same instrument. Fail loudly rather than silently continuing.
		err := fmt.Errorf("%w: instrument %d token %s", ports.ErrConcurrencyViolation, tok.InstrumentID, tok.Owner)
		g.cfg.Logger.Error(ctx, err, "Execution token release mismatch")
		return err
	}
	delete(g.locks, tok.InstrumentID)

	switch outcome {
	case OutcomeExecuted:
		g.lastTrade[tok.InstrumentID] = g.cfg.Clock()
		delete(g.pending, tok.InstrumentID)
	case OutcomeRejected:
		delete(g.pending, tok.InstrumentID)
	default:
		// Unknown outcome: keep the pending entry until its own timeout and
		// force the next admission through reconciliation rather than
		// assuming the order did or did not reach the broker.
		g.cfg.Reconciler.Invalidate(tok.InstrumentID)
	}
	return nil
}
