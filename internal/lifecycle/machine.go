// Package lifecycle orchestrates one trading session per instrument as a
// single-goroutine actor consuming a channel of ticks. All per-instrument
// mutable state is touched only from that goroutine, so interleaving races
// are ruled out by construction rather than by lock discipline.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/guard"
	"fxTradeEngine/internal/metrics"
	"fxTradeEngine/internal/ports"
	"fxTradeEngine/internal/risk"
	"fxTradeEngine/internal/sizing"
)

// Config holds the per-instrument session policy.
type Config struct {
	Instrument  domain.Instrument
	Period      time.Duration // decision period (bar length)
	PeriodLabel string        // period label for the signal service, e.g. "M15"
	// SignalAfter is the elapsed time inside a period after which the signal
	// source is queried, once per period.
	SignalAfter time.Duration
	// ArmedTTL bounds how long an armed trigger stays valid.
	ArmedTTL      time.Duration
	MinConfidence float64

	RiskFraction     float64
	StopDistancePips float64
	TakeProfitPips   float64
	// ProfitTargetPips closes a managed position once reached.
	ProfitTargetPips float64
	// MaxHold forces a time-based close of a managed position.
	MaxHold time.Duration

	// HistorySize bounds the candle cache handed to the signal source.
	HistorySize int
	// MaxBrokerFailures is the consecutive transient-failure count that
	// escalates to LOCKED_ERROR.
	MaxBrokerFailures int
	// SignalTimeout bounds a single prediction call.
	SignalTimeout time.Duration
	TickBuffer    int
	Clock         func() time.Time
}

// Deps are the machine's collaborators.
type Deps struct {
	Logger    ports.Logger
	Guard     *guard.Guard
	Sizer     *sizing.Sizer
	Rates     *sizing.RateBook
	Signal    ports.SignalSource
	Broker    ports.Broker
	Positions ports.PositionRepository
	Sessions  ports.SessionRepository
	Risk      *risk.Tracker
}

type ctrlKind int

const (
	ctrlDisconnect ctrlKind = iota
	ctrlReconnect
	ctrlReset
)

// Machine is the per-instrument lifecycle state machine.
type Machine struct {
	cfg  Config
	deps Deps

	ticks chan domain.Tick
	ctrl  chan ctrlKind

	// Actor-owned state. Only the Run goroutine touches anything below.
	state         domain.SessionState
	preDisconnect domain.SessionState
	cycle         int64
	signalAsked   bool

	barOpen   float64
	barHigh   float64
	barLow    float64
	barStart  time.Time
	barLive   bool
	lastPrice float64
	history   []domain.Candle

	trigger       float64
	direction     domain.Direction
	armedExpiry   time.Time
	correlationID string

	position       *domain.Position
	pipValue       float64
	brokerFailures int
}

// New creates a machine in the IDLE state.
func New(cfg Config, deps Deps) (*Machine, error) {
	if deps.Logger == nil || deps.Guard == nil || deps.Sizer == nil || deps.Rates == nil ||
		deps.Signal == nil || deps.Broker == nil || deps.Positions == nil ||
		deps.Sessions == nil || deps.Risk == nil {
		return nil, fmt.Errorf("missing required dependencies for lifecycle machine")
	}
	if cfg.Period <= 0 || cfg.SignalAfter <= 0 || cfg.SignalAfter >= cfg.Period {
		return nil, fmt.Errorf("SignalAfter must be positive and inside the period")
	}
	if cfg.ArmedTTL <= 0 || cfg.MaxHold <= 0 {
		return nil, fmt.Errorf("ArmedTTL and MaxHold must be positive")
	}
	if cfg.RiskFraction <= 0 || cfg.RiskFraction > 1 {
		return nil, fmt.Errorf("RiskFraction must be in (0,1]")
	}
	if cfg.StopDistancePips <= 0 || cfg.TakeProfitPips <= 0 || cfg.ProfitTargetPips <= 0 {
		return nil, fmt.Errorf("pip distances must be positive")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("MinConfidence must be in [0,1]")
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.MaxBrokerFailures <= 0 {
		cfg.MaxBrokerFailures = 3
	}
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = 5 * time.Second
	}
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Machine{
		cfg:     cfg,
		deps:    deps,
		ticks:   make(chan domain.Tick, cfg.TickBuffer),
		ctrl:    make(chan ctrlKind, 4),
		state:   domain.StateIdle,
		history: make([]domain.Candle, 0, cfg.HistorySize),
	}, nil
}

// State returns the last published state. Safe for observers because the
// value is only written through setState's snapshot persistence; observers
// needing strict consistency read the session repository instead.
func (m *Machine) State() domain.SessionState { return m.state }

// Offer hands a tick to the actor without blocking the feed. A full buffer
// drops the oldest semantics are not needed; the freshest market state
// arrives with the next tick anyway.
func (m *Machine) Offer(t domain.Tick) bool {
	select {
	case m.ticks <- t:
		return true
	default:
		return false
	}
}

// NotifyDisconnect moves the session to DISCONNECTED until reconnect.
func (m *Machine) NotifyDisconnect() { m.offerCtrl(ctrlDisconnect) }

// NotifyReconnect recovers from DISCONNECTED, deduplicating against the
// broker before anything may be resubmitted.
func (m *Machine) NotifyReconnect() { m.offerCtrl(ctrlReconnect) }

// Reset clears a halt state after operator intervention.
func (m *Machine) Reset() { m.offerCtrl(ctrlReset) }

// offerCtrl must never block: feed callbacks keep firing after Run has
// exited during shutdown. A dropped event is superseded by the next one.
func (m *Machine) offerCtrl(kind ctrlKind) bool {
	select {
	case m.ctrl <- kind:
		return true
	default:
		return false
	}
}

// Run drives the session until the context is cancelled. Submissions already
// sent to the broker complete; queued ticks are dropped on shutdown.
func (m *Machine) Run(ctx context.Context) {
	m.restore(ctx)

	housekeeping := time.NewTicker(time.Second)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			m.deps.Logger.Info(ctx, "Lifecycle session stopped", map[string]interface{}{
				"symbol": m.cfg.Instrument.Symbol,
				"state":  string(m.state),
			})
			return
		case kind := <-m.ctrl:
			m.onCtrl(ctx, kind)
		case tick := <-m.ticks:
			m.onTick(ctx, tick)
		case <-housekeeping.C:
			m.onClock(ctx, m.cfg.Clock())
		}
	}
}

// --- event handlers (actor goroutine only) ---

func (m *Machine) onCtrl(ctx context.Context, kind ctrlKind) {
	switch kind {
	case ctrlDisconnect:
		if m.state == domain.StateDisconnected {
			return
		}
		m.preDisconnect = m.state
		m.setState(ctx, domain.StateDisconnected)
	case ctrlReconnect:
		if m.state != domain.StateDisconnected {
			return
		}
		m.recoverFromDisconnect(ctx)
	case ctrlReset:
		if m.state == domain.StateLockedRisk || m.state == domain.StateLockedError {
			m.brokerFailures = 0
			m.clearArm()
			m.setState(ctx, domain.StateIdle)
		}
	}
}

func (m *Machine) onTick(ctx context.Context, tick domain.Tick) {
	if m.state.Halted() {
		return
	}

	m.rollPeriod(ctx, tick)
	m.accumulate(tick)

	switch m.state {
	case domain.StateIdle:
		// rollPeriod/accumulate moved us into collection already.
	case domain.StateCollecting:
		m.maybeQuerySignal(ctx, tick)
	case domain.StateEvaluating, domain.StateClosed:
		// Waiting for the next period; nothing to do on ticks.
	case domain.StateArmed:
		m.onArmedTick(ctx, tick)
	case domain.StateOpen:
		m.setState(ctx, domain.StateManaging)
		m.onManagingTick(ctx, tick)
	case domain.StateManaging:
		m.onManagingTick(ctx, tick)
	}
}

func (m *Machine) onClock(ctx context.Context, now time.Time) {
	if m.state.Halted() {
		return
	}
	switch m.state {
	case domain.StateArmed:
		if now.After(m.armedExpiry) {
			m.deps.Logger.Info(ctx, "Armed trigger expired without a crossing", map[string]interface{}{
				"symbol":  m.cfg.Instrument.Symbol,
				"trigger": m.trigger,
			})
			m.clearArm()
			m.setState(ctx, domain.StateEvaluating)
		}
	case domain.StateManaging:
		if m.position != nil && now.Sub(m.position.OpenTime) >= m.cfg.MaxHold {
			m.closePosition(ctx, 0, domain.CloseReasonTimeLimit)
		}
	}
}

// rollPeriod finalizes the running bar and resets per-cycle flags when the
// tick belongs to a new decision period.
func (m *Machine) rollPeriod(ctx context.Context, tick domain.Tick) {
	cycle := tick.Timestamp.UTC().Unix() / int64(m.cfg.Period/time.Second)
	if cycle == m.cycle {
		return
	}

	if m.barLive {
		m.pushHistory(domain.Candle{
			Symbol:    m.cfg.Instrument.Symbol,
			Open:      m.barOpen,
			High:      m.barHigh,
			Low:       m.barLow,
			Close:     m.lastPrice,
			OpenTime:  m.barStart,
			CloseTime: m.barStart.Add(m.cfg.Period),
		})
	}
	m.cycle = cycle
	m.signalAsked = false
	m.barLive = false

	switch m.state {
	case domain.StateIdle, domain.StateEvaluating, domain.StateClosed:
		m.setState(ctx, domain.StateCollecting)
	case domain.StateCollecting:
		// Stay collecting into the new bar.
	}
}

// accumulate folds the tick into the running bar.
func (m *Machine) accumulate(tick domain.Tick) {
	mid := tick.Mid()
	if !m.barLive {
		m.barOpen, m.barHigh, m.barLow = mid, mid, mid
		m.barStart = tick.Timestamp.UTC().Truncate(m.cfg.Period)
		m.barLive = true
	} else {
		if mid > m.barHigh {
			m.barHigh = mid
		}
		if mid < m.barLow {
			m.barLow = mid
		}
	}
	m.lastPrice = mid
}

// maybeQuerySignal asks the prediction service once per period after the
// configured in-period elapsed threshold.
func (m *Machine) maybeQuerySignal(ctx context.Context, tick domain.Tick) {
	if m.signalAsked {
		return
	}
	elapsed := tick.Timestamp.Sub(m.barStart)
	if elapsed < m.cfg.SignalAfter {
		return
	}
	m.signalAsked = true
	m.setState(ctx, domain.StateAwaitingSignal)

	sctx, cancel := context.WithTimeout(ctx, m.cfg.SignalTimeout)
	defer cancel()
	sig, err := m.deps.Signal.Predict(sctx, ports.SignalRequest{
		Symbol:  m.cfg.Instrument.Symbol,
		Period:  m.cfg.PeriodLabel,
		History: m.history,
		Partial: domain.PartialCandle{
			Symbol:   m.cfg.Instrument.Symbol,
			Open:     m.barOpen,
			High:     m.barHigh,
			Low:      m.barLow,
			OpenTime: m.barStart,
			Elapsed:  elapsed,
		},
	})
	if err != nil {
		m.deps.Logger.Warn(ctx, "Signal query failed; skipping this cycle", map[string]interface{}{
			"symbol": m.cfg.Instrument.Symbol,
			"error":  err.Error(),
		})
		m.setState(ctx, domain.StateEvaluating)
		return
	}

	m.setState(ctx, domain.StateEvaluating)
	if sig.Confidence < m.cfg.MinConfidence {
		m.deps.Logger.Debug(ctx, "Signal confidence below threshold", map[string]interface{}{
			"symbol":     m.cfg.Instrument.Symbol,
			"confidence": sig.Confidence,
			"threshold":  m.cfg.MinConfidence,
		})
		return
	}

	if ok, reason := m.deps.Risk.Allow(ctx); !ok {
		m.deps.Logger.Warn(ctx, "Daily risk budget exhausted; locking session", map[string]interface{}{
			"symbol": m.cfg.Instrument.Symbol,
			"reason": reason,
		})
		m.setState(ctx, domain.StateLockedRisk)
		return
	}

	m.trigger = sig.ReferencePrice
	m.direction = sig.Direction
	m.armedExpiry = m.cfg.Clock().Add(m.cfg.ArmedTTL)
	m.correlationID = uuid.New().String()
	m.setState(ctx, domain.StateArmed)
	m.deps.Logger.Info(ctx, "Session armed", map[string]interface{}{
		"symbol":     m.cfg.Instrument.Symbol,
		"direction":  string(sig.Direction),
		"trigger":    sig.ReferencePrice,
		"confidence": sig.Confidence,
		"expiry":     m.armedExpiry.Format(time.RFC3339),
	})
}

// onArmedTick submits on the first tick crossing the trigger before expiry.
// The state leaves ARMED before any further tick is processed, so re-entrant
// ticks are no-ops by construction.
func (m *Machine) onArmedTick(ctx context.Context, tick domain.Tick) {
	now := m.cfg.Clock()
	if now.After(m.armedExpiry) {
		m.clearArm()
		m.setState(ctx, domain.StateEvaluating)
		return
	}
	if !crossed(m.direction, m.trigger, tick) {
		return
	}
	m.submit(ctx)
}

func (m *Machine) onManagingTick(ctx context.Context, tick domain.Tick) {
	if m.position == nil {
		return
	}
	price := tick.Bid
	if m.position.Side == domain.Sell {
		price = tick.Ask
	}
	profitPips := m.position.ProfitPips(price, m.cfg.Instrument.PipSize)
	if profitPips >= m.cfg.ProfitTargetPips {
		m.closePosition(ctx, price, domain.CloseReasonProfitTarget)
		return
	}
	if m.cfg.Clock().Sub(m.position.OpenTime) >= m.cfg.MaxHold {
		m.closePosition(ctx, price, domain.CloseReasonTimeLimit)
	}
}

// --- submission ---

// submit runs the guarded admit → size → place → durably record → release
// sequence. The execution token is released by the guard only after the
// submit closure has recorded the outcome.
func (m *Machine) submit(ctx context.Context) {
	intent := domain.OrderIntent{
		InstrumentID:     m.cfg.Instrument.ID,
		Symbol:           m.cfg.Instrument.Symbol,
		Side:             m.direction.Side(),
		RiskFraction:     m.cfg.RiskFraction,
		StopDistancePips: m.cfg.StopDistancePips,
		TriggerPrice:     m.trigger,
		Cycle:            m.cycle,
		CorrelationID:    m.correlationID,
		CreatedAt:        m.cfg.Clock(),
	}

	outcome, err := m.deps.Guard.Run(ctx, m.cfg.Instrument, m.cycle, func(ctx context.Context, _ *guard.Token) (guard.Outcome, error) {
		return m.placeAndRecord(ctx, intent)
	})

	m.clearArm()
	switch outcome {
	case guard.OutcomeExecuted:
		m.brokerFailures = 0
		m.setState(ctx, domain.StateOpen)
	case guard.OutcomeUnknown:
		// The guard keeps the pending entry and forces reconciliation; the
		// session waits out the cycle rather than guessing.
		m.setState(ctx, domain.StateEvaluating)
	default:
		var denial *guard.Denial
		if errors.As(err, &denial) {
			m.deps.Logger.Info(ctx, "Submission denied by execution guard", map[string]interface{}{
				"symbol": m.cfg.Instrument.Symbol,
				"gate":   string(denial.Reason),
				"detail": denial.Detail,
			})
		} else if err != nil {
			m.noteBrokerFailure(ctx, err)
			if m.state == domain.StateLockedError {
				return
			}
		}
		m.setState(ctx, domain.StateEvaluating)
	}
}

// placeAndRecord is the guarded submission body: it must durably record the
// result before returning so the guard's release happens strictly after.
func (m *Machine) placeAndRecord(ctx context.Context, intent domain.OrderIntent) (guard.Outcome, error) {
	equity, err := m.deps.Broker.AccountEquity(ctx)
	if err != nil {
		return guard.OutcomeRejected, fmt.Errorf("%w: equity query: %v", ports.ErrTransientBroker, err)
	}
	metrics.Equity.Set(equity)
	account := domain.Account{Equity: equity}

	ord, err := m.deps.Sizer.Size(ctx, account, m.cfg.Instrument, intent, m.deps.Rates)
	if err != nil {
		// InvalidSizing and StaleRates reject the intent without retry.
		return guard.OutcomeRejected, err
	}
	m.pipValue = ord.PipValue

	pip := m.cfg.Instrument.PipSize
	ref := intent.TriggerPrice
	var stopLoss, takeProfit float64
	if intent.Side == domain.Buy {
		stopLoss = ref - m.cfg.StopDistancePips*pip
		takeProfit = ref + m.cfg.TakeProfitPips*pip
	} else {
		stopLoss = ref + m.cfg.StopDistancePips*pip
		takeProfit = ref - m.cfg.TakeProfitPips*pip
	}

	ack, placeErr := m.placeWithRetry(ctx, ord, stopLoss, takeProfit)
	if ack == nil {
		return guard.OutcomeRejected, placeErr
	}
	if ack.AckPrice == 0 {
		// Accepted but unconfirmed fill: ambiguous, not silent success.
		m.deps.Logger.Warn(ctx, "Broker acknowledged without a fill price; outcome unknown", map[string]interface{}{
			"symbol":        ord.Symbol,
			"correlationID": ord.CorrelationID,
			"orderID":       ack.OrderID,
		})
		return guard.OutcomeUnknown, fmt.Errorf("%w: order %s", ports.ErrAmbiguousOutcome, ack.OrderID)
	}

	pos := &domain.Position{
		InstrumentID:  m.cfg.Instrument.ID,
		Symbol:        ord.Symbol,
		Side:          ord.Side,
		OpenPrice:     ack.AckPrice,
		Lots:          ord.Lots,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		OpenTime:      m.cfg.Clock(),
		Status:        domain.StatusOpen,
		BrokerID:      ack.OrderID,
		CorrelationID: ord.CorrelationID,
	}
	id, err := m.deps.Positions.Create(ctx, pos)
	if err != nil {
		// The order is live but unrecorded: worst case for the dedupe
		// machinery. Surface as unknown so admission stays blocked until
		// reconciliation re-establishes truth.
		m.deps.Logger.Error(ctx, err, "Failed to durably record executed order", map[string]interface{}{
			"symbol":        ord.Symbol,
			"correlationID": ord.CorrelationID,
		})
		return guard.OutcomeUnknown, fmt.Errorf("durable record failed: %w", err)
	}
	pos.ID = id
	m.position = pos
	metrics.OpenPositions.WithLabelValues(ord.Symbol).Inc()

	if placeErr != nil {
		// The entry is live without broker-side protection. The position is
		// recorded and managed locally; the protection failure is surfaced,
		// never retried as a fresh entry.
		m.deps.Logger.Error(ctx, placeErr, "Protective orders failed after entry fill", map[string]interface{}{
			"symbol":        ord.Symbol,
			"orderID":       ack.OrderID,
			"correlationID": ord.CorrelationID,
		})
	}

	if err := m.deps.Risk.RecordTrade(ctx); err != nil {
		m.deps.Logger.Warn(ctx, "Failed to persist daily trade counter", map[string]interface{}{
			"symbol": ord.Symbol,
			"error":  err.Error(),
		})
	}
	m.deps.Logger.Info(ctx, "Order executed", map[string]interface{}{
		"symbol":        ord.Symbol,
		"side":          string(ord.Side),
		"lots":          ord.Lots,
		"ackPrice":      ack.AckPrice,
		"correlationID": ord.CorrelationID,
	})
	return guard.OutcomeExecuted, nil
}

// placeWithRetry retries transient broker errors with exponential backoff.
// The correlation id makes the retry idempotent on the broker side.
func (m *Machine) placeWithRetry(ctx context.Context, ord domain.NormalizedOrder, stopLoss, takeProfit float64) (*ports.OrderAck, error) {
	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 2 * time.Second, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxBrokerFailures; attempt++ {
		ack, err := m.deps.Broker.PlaceOrder(ctx, ord, stopLoss, takeProfit)
		if err == nil {
			return ack, nil
		}
		if ack != nil {
			// An ack alongside an error means the entry already filled and a
			// follow-up step failed. Retrying would submit a second entry.
			return ack, err
		}
		lastErr = err
		if !errors.Is(err, ports.ErrTransientBroker) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return nil, fmt.Errorf("order placement exhausted retries: %w", lastErr)
}

// --- closing ---

// closePosition closes at market with bounded retry, records the realized
// result and feeds the daily risk counters. price 0 means "use last seen".
func (m *Machine) closePosition(ctx context.Context, price float64, reason domain.CloseReason) {
	if m.position == nil {
		return
	}
	m.setState(ctx, domain.StateClosing)
	pos := m.position

	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 2 * time.Second, Jitter: true}
	var ack *ports.OrderAck
	var err error
	for attempt := 0; attempt < m.cfg.MaxBrokerFailures; attempt++ {
		ack, err = m.deps.Broker.ClosePosition(ctx, pos.Symbol, pos.Side.Opposite(), pos.Lots)
		if err == nil {
			break
		}
		if !errors.Is(err, ports.ErrTransientBroker) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
	}
	if err != nil {
		m.noteBrokerFailure(ctx, err)
		if m.state != domain.StateLockedError {
			// Position stays open; try again on the next managing tick.
			m.setState(ctx, domain.StateManaging)
		}
		return
	}

	exitPrice := ack.AckPrice
	if exitPrice == 0 {
		exitPrice = price
		if exitPrice == 0 {
			exitPrice = m.lastPrice
		}
		m.deps.Logger.Warn(ctx, "Close acknowledged without a fill price; using last seen price", map[string]interface{}{
			"symbol":   pos.Symbol,
			"fallback": exitPrice,
		})
	}

	pipValue := m.pipValue
	if pv, perr := m.deps.Sizer.PipValuePerLot(m.cfg.Instrument, m.deps.Rates); perr == nil {
		pipValue = pv
	}
	pnl := pos.ProfitPips(exitPrice, m.cfg.Instrument.PipSize) * pipValue * pos.Lots

	pos.ClosePrice = exitPrice
	pos.CloseTime = m.cfg.Clock()
	pos.Status = domain.StatusClosed
	pos.PNL = pnl
	pos.CloseReason = reason
	if uerr := m.deps.Positions.Update(ctx, pos); uerr != nil {
		m.deps.Logger.Error(ctx, uerr, "Failed to record closed position", map[string]interface{}{
			"positionID": pos.ID,
		})
	}
	metrics.OpenPositions.WithLabelValues(pos.Symbol).Dec()

	if rerr := m.deps.Risk.RecordPnL(ctx, pnl); rerr != nil {
		m.deps.Logger.Warn(ctx, "Failed to persist daily PnL", map[string]interface{}{
			"symbol": pos.Symbol,
			"error":  rerr.Error(),
		})
	}
	m.deps.Logger.Info(ctx, "Position closed", map[string]interface{}{
		"symbol":    pos.Symbol,
		"reason":    string(reason),
		"exitPrice": exitPrice,
		"pnl":       pnl,
	})

	m.position = nil
	m.brokerFailures = 0
	if m.deps.Risk.Breached() {
		m.setState(ctx, domain.StateLockedRisk)
		return
	}
	m.setState(ctx, domain.StateClosed)
}

// --- disconnect recovery ---

// recoverFromDisconnect resumes after a reconnect. An intent whose order the
// broker already acknowledged is adopted, never resubmitted: the broker is
// queried by the intent's correlation id first.
func (m *Machine) recoverFromDisconnect(ctx context.Context) {
	prev := m.preDisconnect
	if m.correlationID != "" && m.position == nil {
		ack, err := m.deps.Broker.FindOrder(ctx, m.cfg.Instrument.Symbol, m.correlationID)
		switch {
		case err == nil && ack.AckPrice > 0:
			m.deps.Logger.Warn(ctx, "Adopting order acknowledged during disconnect", map[string]interface{}{
				"symbol":        m.cfg.Instrument.Symbol,
				"correlationID": m.correlationID,
				"ackPrice":      ack.AckPrice,
			})
			m.adoptAck(ctx, ack)
			return
		case err != nil && !errors.Is(err, ports.ErrOrderNotFound):
			m.deps.Logger.Warn(ctx, "Could not verify in-flight order after reconnect", map[string]interface{}{
				"symbol": m.cfg.Instrument.Symbol,
				"error":  err.Error(),
			})
			// Stay conservative: don't re-arm with the same intent.
			m.clearArm()
			m.setState(ctx, domain.StateEvaluating)
			return
		}
	}

	switch prev {
	case domain.StateOpen, domain.StateManaging, domain.StateClosing:
		m.setState(ctx, prev)
	case domain.StateLockedRisk, domain.StateLockedError:
		m.setState(ctx, prev)
	default:
		m.clearArm()
		m.setState(ctx, domain.StateIdle)
	}
}

// adoptAck records a broker-acknowledged order that the local store missed.
func (m *Machine) adoptAck(ctx context.Context, ack *ports.OrderAck) {
	pip := m.cfg.Instrument.PipSize
	side := m.direction.Side()
	var stopLoss, takeProfit float64
	if side == domain.Buy {
		stopLoss = ack.AckPrice - m.cfg.StopDistancePips*pip
		takeProfit = ack.AckPrice + m.cfg.TakeProfitPips*pip
	} else {
		stopLoss = ack.AckPrice + m.cfg.StopDistancePips*pip
		takeProfit = ack.AckPrice - m.cfg.TakeProfitPips*pip
	}
	pos := &domain.Position{
		InstrumentID:  m.cfg.Instrument.ID,
		Symbol:        m.cfg.Instrument.Symbol,
		Side:          side,
		OpenPrice:     ack.AckPrice,
		Lots:          ack.Lots,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		OpenTime:      m.cfg.Clock(),
		Status:        domain.StatusOpen,
		BrokerID:      ack.OrderID,
		CorrelationID: m.correlationID,
	}
	if id, err := m.deps.Positions.Create(ctx, pos); err == nil {
		pos.ID = id
	} else {
		m.deps.Logger.Error(ctx, err, "Failed to record adopted position", map[string]interface{}{
			"symbol": pos.Symbol,
		})
	}
	m.position = pos
	m.clearArm()
	m.setState(ctx, domain.StateManaging)
}

// --- state & persistence ---

func (m *Machine) setState(ctx context.Context, next domain.SessionState) {
	if m.state == next {
		return
	}
	prev := m.state
	m.state = next
	metrics.SessionState.WithLabelValues(m.cfg.Instrument.Symbol, string(prev)).Set(0)
	metrics.SessionState.WithLabelValues(m.cfg.Instrument.Symbol, string(next)).Set(1)
	m.deps.Logger.Debug(ctx, "Session state changed", map[string]interface{}{
		"symbol": m.cfg.Instrument.Symbol,
		"from":   string(prev),
		"to":     string(next),
	})

	snap := &domain.SessionSnapshot{
		InstrumentID:  m.cfg.Instrument.ID,
		State:         next,
		Cycle:         m.cycle,
		TriggerPrice:  m.trigger,
		Direction:     m.direction,
		ArmedExpiry:   m.armedExpiry,
		CorrelationID: m.correlationID,
		UpdatedAt:     m.cfg.Clock(),
	}
	if err := m.deps.Sessions.SaveSession(ctx, snap); err != nil {
		m.deps.Logger.Warn(ctx, "Failed to persist session snapshot", map[string]interface{}{
			"symbol": m.cfg.Instrument.Symbol,
			"error":  err.Error(),
		})
	}
}

// restore resumes from the persisted snapshot and the local position store.
func (m *Machine) restore(ctx context.Context) {
	open, err := m.deps.Positions.FindOpenByInstrument(ctx, m.cfg.Instrument.ID)
	if err != nil {
		m.deps.Logger.Warn(ctx, "Could not load open positions on startup", map[string]interface{}{
			"symbol": m.cfg.Instrument.Symbol,
			"error":  err.Error(),
		})
	} else if len(open) > 0 {
		m.position = open[0]
		m.pipValue = 0 // recomputed from live rates at close time
	}

	snap, err := m.deps.Sessions.FindSession(ctx, m.cfg.Instrument.ID)
	if err != nil || snap == nil {
		if m.position != nil {
			m.setState(ctx, domain.StateManaging)
		}
		return
	}

	m.cycle = snap.Cycle
	m.correlationID = snap.CorrelationID
	switch snap.State {
	case domain.StateLockedRisk, domain.StateLockedError:
		m.setState(ctx, snap.State)
	case domain.StateArmed:
		if m.cfg.Clock().Before(snap.ArmedExpiry) {
			m.trigger = snap.TriggerPrice
			m.direction = snap.Direction
			m.armedExpiry = snap.ArmedExpiry
			m.setState(ctx, domain.StateArmed)
			return
		}
		m.setState(ctx, domain.StateIdle)
	case domain.StateOpen, domain.StateManaging, domain.StateClosing:
		if m.position != nil {
			m.setState(ctx, domain.StateManaging)
			return
		}
		// Snapshot says open but the store has nothing: reconciliation owns
		// the truth now.
		m.setState(ctx, domain.StateIdle)
	default:
		if m.position != nil {
			m.setState(ctx, domain.StateManaging)
			return
		}
		m.setState(ctx, domain.StateIdle)
	}
}

func (m *Machine) clearArm() {
	m.trigger = 0
	m.armedExpiry = time.Time{}
	m.correlationID = ""
}

func (m *Machine) noteBrokerFailure(ctx context.Context, err error) {
	if !errors.Is(err, ports.ErrTransientBroker) && !errors.Is(err, ports.ErrTimeout) {
		m.deps.Logger.Error(ctx, err, "Broker call failed", map[string]interface{}{
			"symbol": m.cfg.Instrument.Symbol,
		})
		return
	}
	m.brokerFailures++
	m.deps.Logger.Warn(ctx, "Transient broker failure", map[string]interface{}{
		"symbol":      m.cfg.Instrument.Symbol,
		"consecutive": m.brokerFailures,
	})
	if m.brokerFailures >= m.cfg.MaxBrokerFailures {
		m.deps.Logger.Error(ctx, err, "Repeated broker failures; locking session", map[string]interface{}{
			"symbol": m.cfg.Instrument.Symbol,
		})
		m.setState(ctx, domain.StateLockedError)
	}
}

// pushHistory appends a completed bar, trimming to the configured cache size.
func (m *Machine) pushHistory(c domain.Candle) {
	m.history = append(m.history, c)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

// crossed reports whether the tick satisfies the armed trigger condition.
func crossed(dir domain.Direction, trigger float64, tick domain.Tick) bool {
	if dir == domain.DirectionDown {
		return tick.Bid <= trigger
	}
	return tick.Ask >= trigger
}
