package domain

import "time"

// SessionState is a lifecycle state of a per-instrument trading session.
type SessionState string

const (
	StateIdle           SessionState = "IDLE"
	StateCollecting     SessionState = "COLLECTING"
	StateAwaitingSignal SessionState = "AWAITING_SIGNAL"
	StateEvaluating     SessionState = "EVALUATING"
	StateArmed          SessionState = "ARMED"
	StateOpen           SessionState = "OPEN"
	StateManaging       SessionState = "MANAGING"
	StateClosing        SessionState = "CLOSING"
	StateClosed         SessionState = "CLOSED"

	// Halt states. Terminal until an explicit reset or, for StateDisconnected,
	// an automatic recovery on reconnect.
	StateLockedRisk   SessionState = "LOCKED_RISK"
	StateLockedError  SessionState = "LOCKED_ERROR"
	StateDisconnected SessionState = "DISCONNECTED"
)

// Halted reports whether the state is one of the halt states.
func (s SessionState) Halted() bool {
	return s == StateLockedRisk || s == StateLockedError || s == StateDisconnected
}

// SessionSnapshot is the persisted view of a lifecycle session, written on
// every state change so a crashed engine can recover where it left off.
type SessionSnapshot struct {
	InstrumentID  int64
	State         SessionState
	Cycle         int64     // Current decision cycle (period index)
	TriggerPrice  float64   // Armed trigger price, 0 unless armed
	Direction     Direction // Armed direction
	ArmedExpiry   time.Time // Trigger validity deadline, zero unless armed
	CorrelationID string    // Idempotency key of the in-flight/last intent
	UpdatedAt     time.Time
}
