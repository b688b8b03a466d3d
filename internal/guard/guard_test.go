package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/ports"
	"fxTradeEngine/internal/reconcile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockBroker serves the reconciler's authoritative recount.
type mockBroker struct {
	mu        sync.Mutex
	positions []ports.BrokerPosition
	err       error
	calls     int
}

func (m *mockBroker) setPositions(p []ports.BrokerPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = p
}

func (m *mockBroker) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockBroker) OpenPositions(ctx context.Context, symbol string) ([]ports.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.positions, nil
}

func (m *mockBroker) PlaceOrder(ctx context.Context, ord domain.NormalizedOrder, stopLoss, takeProfit float64) (*ports.OrderAck, error) {
	return nil, errors.New("not implemented")
}
func (m *mockBroker) FindOrder(ctx context.Context, symbol, correlationID string) (*ports.OrderAck, error) {
	return nil, ports.ErrOrderNotFound
}
func (m *mockBroker) ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, lots float64) (*ports.OrderAck, error) {
	return nil, errors.New("not implemented")
}
func (m *mockBroker) AccountEquity(ctx context.Context) (float64, error) { return 1000, nil }

// mockPositionRepo serves the local recount fallback.
type mockPositionRepo struct {
	mu        sync.Mutex
	openCount int
	countErr  error
}

func (m *mockPositionRepo) setOpenCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCount = n
}

func (m *mockPositionRepo) CountOpenByInstrument(ctx context.Context, instrumentID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCount, m.countErr
}

func (m *mockPositionRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	return 1, nil
}
func (m *mockPositionRepo) Update(ctx context.Context, pos *domain.Position) error { return nil }
func (m *mockPositionRepo) FindOpenByInstrument(ctx context.Context, instrumentID int64) ([]*domain.Position, error) {
	return nil, nil
}
func (m *mockPositionRepo) FindByCorrelationID(ctx context.Context, correlationID string) (*domain.Position, error) {
	return nil, nil
}
func (m *mockPositionRepo) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	return nil, nil
}

var testInstrument = domain.Instrument{
	ID: 1, Symbol: "EURUSD", Class: domain.QuoteIsAccount,
	PipSize: 0.0001, LotUnits: 100000,
	MinVolume: 0.01, MaxVolume: 50, StepVolume: 0.01,
}

type fixture struct {
	guard      *Guard
	broker     *mockBroker
	repo       *mockPositionRepo
	reconciler *reconcile.Reconciler
	now        time.Time
	clockMu    sync.Mutex
}

func (f *fixture) advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) clock() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.now
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		broker: &mockBroker{},
		repo:   &mockPositionRepo{},
		now:    time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	var err error
	f.reconciler, err = reconcile.New(reconcile.Config{
		Broker:    f.broker,
		Positions: f.repo,
		Logger:    &mockLogger{},
		Interval:  time.Minute,
		Clock:     f.clock,
	})
	require.NoError(t, err)

	f.guard, err = New(Config{
		TokenTTL:       30 * time.Second,
		Cooldown:       time.Minute,
		PendingTimeout: 2 * time.Minute,
		Reconciler:     f.reconciler,
		Positions:      f.repo,
		Logger:         &mockLogger{},
		Clock:          f.clock,
	})
	require.NoError(t, err)
	return f
}

func TestAdmit_GrantsTokenWhenAllGatesPass(t *testing.T) {
	f := newFixture(t)

	tok, denial := f.guard.Admit(context.Background(), testInstrument, 100)
	require.Nil(t, denial)
	require.NotNil(t, tok)
	assert.Equal(t, testInstrument.ID, tok.InstrumentID)
	assert.NotEmpty(t, tok.Owner)
}

func TestAdmit_TokenHeldDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok, denial := f.guard.Admit(ctx, testInstrument, 100)
	require.Nil(t, denial)

	_, denial = f.guard.Admit(ctx, testInstrument, 101)
	require.NotNil(t, denial)
	assert.Equal(t, DenyTokenHeld, denial.Reason)

	require.NoError(t, f.guard.Release(ctx, tok, OutcomeRejected))
}

func TestAdmit_ExpiredTokenAutoReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, denial := f.guard.Admit(ctx, testInstrument, 100)
	require.Nil(t, denial)

	// Past the TTL the stuck token no longer blocks, but the pending
	// registry still does until its own timeout.
	f.advance(31 * time.Second)
	_, denial = f.guard.Admit(ctx, testInstrument, 101)
	require.NotNil(t, denial)
	assert.Equal(t, DenyPending, denial.Reason)

	// Past the pending timeout too, the instrument is fully recovered.
	f.advance(2 * time.Minute)
	tok, denial := f.guard.Admit(ctx, testInstrument, 102)
	require.Nil(t, denial)
	require.NotNil(t, tok)
}

func TestAdmit_CooldownDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok, denial := f.guard.Admit(ctx, testInstrument, 100)
	require.Nil(t, denial)
	require.NoError(t, f.guard.Release(ctx, tok, OutcomeExecuted))

	f.advance(30 * time.Second)
	_, denial = f.guard.Admit(ctx, testInstrument, 101)
	require.NotNil(t, denial)
	assert.Equal(t, DenyCooldown, denial.Reason)

	f.advance(31 * time.Second)
	tok, denial = f.guard.Admit(ctx, testInstrument, 102)
	require.Nil(t, denial)
	require.NotNil(t, tok)
}

func TestAdmit_SameCycleDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok, denial := f.guard.Admit(ctx, testInstrument, 100)
	require.Nil(t, denial)
	require.NoError(t, f.guard.Release(ctx, tok, OutcomeRejected))

	_, denial = f.guard.Admit(ctx, testInstrument, 100)
	require.NotNil(t, denial)
	assert.Equal(t, DenySameCycle, denial.Reason)
}

func TestAdmit_BrokerRecountDenied(t *testing.T) {
	f := newFixture(t)
	f.broker.setPositions([]ports.BrokerPosition{{Symbol: "EURUSD", Side: domain.Buy, Lots: 0.1}})

	_, denial := f.guard.Admit(context.Background(), testInstrument, 100)
	require.NotNil(t, denial)
	assert.Equal(t, DenyBrokerOpen, denial.Reason)
}

func TestAdmit_BrokerFailureFallsBackToLocalStore(t *testing.T) {
	f := newFixture(t)
	f.broker.setErr(errors.New("venue down"))

	// Broker unknown, local store clean, no prior known-good count: admit.
	tok, denial := f.guard.Admit(context.Background(), testInstrument, 100)
	require.Nil(t, denial)
	require.NotNil(t, tok)
}

func TestAdmit_BrokerFailureLocalOpenDenied(t *testing.T) {
	f := newFixture(t)
	f.broker.setErr(errors.New("venue down"))
	f.repo.setOpenCount(1)

	_, denial := f.guard.Admit(context.Background(), testInstrument, 100)
	require.NotNil(t, denial)
	assert.Equal(t, DenyLocalOpen, denial.Reason)
}

func TestAdmit_BrokerFailureNeverLowersKnownGoodCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Establish a known-good broker count of 1.
	f.broker.setPositions([]ports.BrokerPosition{{Symbol: "EURUSD", Side: domain.Buy, Lots: 0.1}})
	_, err := f.reconciler.Check(ctx, testInstrument)
	require.NoError(t, err)

	// Broker goes dark and the local store reads zero. The stale count of 1
	// still blocks: a failure is unknown, not zero.
	f.broker.setErr(errors.New("venue down"))
	_, denial := f.guard.Admit(ctx, testInstrument, 100)
	require.NotNil(t, denial)
	assert.Equal(t, DenyLocalOpen, denial.Reason)
}

func TestAdmit_BothSourcesUnknownDenied(t *testing.T) {
	f := newFixture(t)
	f.broker.setErr(errors.New("venue down"))
	f.repo.countErr = errors.New("db locked")

	_, denial := f.guard.Admit(context.Background(), testInstrument, 100)
	require.NotNil(t, denial)
	assert.Equal(t, DenyStateUnknown, denial.Reason)
}

func TestAdmit_ConcurrentCallersGetExactlyOneToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 16
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(cycle int64) {
			defer wg.Done()
			if tok, denial := f.guard.Admit(ctx, testInstrument, cycle); denial == nil && tok != nil {
				admitted.Add(1)
			}
		}(int64(200 + i))
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestRelease_WrongOwnerFailsLoudly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok, denial := f.guard.Admit(ctx, testInstrument, 100)
	require.Nil(t, denial)

	forged := &Token{InstrumentID: testInstrument.ID, Owner: "not-the-owner"}
	err := f.guard.Release(ctx, forged, OutcomeExecuted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrConcurrencyViolation))

	// The rightful owner can still release.
	require.NoError(t, f.guard.Release(ctx, tok, OutcomeRejected))
}

func TestRelease_NilToken(t *testing.T) {
	f := newFixture(t)
	err := f.guard.Release(context.Background(), nil, OutcomeRejected)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrConcurrencyViolation))
}

func TestRun_ReleasesAfterSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.guard.Run(ctx, testInstrument, 100, func(ctx context.Context, tok *Token) (Outcome, error) {
		return OutcomeExecuted, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, outcome)

	// Executed outcome starts the cooldown.
	_, denial := f.guard.Admit(ctx, testInstrument, 101)
	require.NotNil(t, denial)
	assert.Equal(t, DenyCooldown, denial.Reason)
}

func TestRun_RejectedSkipsCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.guard.Run(ctx, testInstrument, 100, func(ctx context.Context, tok *Token) (Outcome, error) {
		return OutcomeRejected, errors.New("broker said no")
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	tok, denial := f.guard.Admit(ctx, testInstrument, 101)
	require.Nil(t, denial)
	require.NotNil(t, tok)
}

func TestRun_UnknownOutcomeKeepsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.guard.Run(ctx, testInstrument, 100, func(ctx context.Context, tok *Token) (Outcome, error) {
		return OutcomeUnknown, ports.ErrAmbiguousOutcome
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeUnknown, outcome)

	// The pending entry blocks until its own timeout even though the token
	// was released.
	_, denial := f.guard.Admit(ctx, testInstrument, 101)
	require.NotNil(t, denial)
	assert.Equal(t, DenyPending, denial.Reason)

	// Past the pending timeout the next admission goes through reconciliation
	// again and succeeds against a clean broker.
	f.advance(3 * time.Minute)
	tok, denial := f.guard.Admit(ctx, testInstrument, 102)
	require.Nil(t, denial)
	require.NotNil(t, tok)
}

func TestAdmit_UnconfirmedSubmissionDeniedWhileBrokerDark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An unknown outcome leaves a possibly-live order the local store never
	// recorded.
	_, err := f.guard.Run(ctx, testInstrument, 100, func(ctx context.Context, tok *Token) (Outcome, error) {
		return OutcomeUnknown, ports.ErrAmbiguousOutcome
	})
	require.Error(t, err)

	// The pending entry times out, the broker goes dark and the local store
	// reads zero. Zero counts are not enough: the unconfirmed submission
	// keeps admission blocked.
	f.advance(3 * time.Minute)
	f.broker.setErr(errors.New("venue down"))
	_, denial := f.guard.Admit(ctx, testInstrument, 101)
	require.NotNil(t, denial)
	assert.Equal(t, DenyStateUnknown, denial.Reason)

	// A clean recount against a recovered broker clears the mark.
	f.broker.setErr(nil)
	tok, denial := f.guard.Admit(ctx, testInstrument, 102)
	require.Nil(t, denial)
	require.NotNil(t, tok)
}

func TestRun_DenialReturnsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.setPositions([]ports.BrokerPosition{{Symbol: "EURUSD", Side: domain.Buy, Lots: 0.1}})

	called := false
	outcome, err := f.guard.Run(ctx, testInstrument, 100, func(ctx context.Context, tok *Token) (Outcome, error) {
		called = true
		return OutcomeExecuted, nil
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.False(t, called, "submit must not run on a denied admission")

	var denial *Denial
	require.True(t, errors.As(err, &denial))
	assert.Equal(t, DenyBrokerOpen, denial.Reason)
}

func TestRun_PanicReleasesToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_, _ = f.guard.Run(ctx, testInstrument, 100, func(ctx context.Context, tok *Token) (Outcome, error) {
			panic("submission blew up")
		})
	})

	// Token was released; the pending entry from the unknown outcome remains.
	_, denial := f.guard.Admit(ctx, testInstrument, 101)
	require.NotNil(t, denial)
	assert.Equal(t, DenyPending, denial.Reason)
}
