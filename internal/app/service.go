package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"fxTradeEngine/config"
	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/guard"
	"fxTradeEngine/internal/lifecycle"
	"fxTradeEngine/internal/metrics"
	"fxTradeEngine/internal/ports"
	"fxTradeEngine/internal/reconcile"
	"fxTradeEngine/internal/risk"
	"fxTradeEngine/internal/sizing"
	"fxTradeEngine/internal/symbols"
	"fxTradeEngine/internal/watchdog"
)

// Deps are the adapters the engine service is wired with.
type Deps struct {
	Logger   ports.Logger
	Feed     ports.MarketFeed
	Broker   ports.Broker
	Signal   ports.SignalSource
	Position ports.PositionRepository
	Session  ports.SessionRepository
	Risk     ports.RiskRepository
	Resolver *symbols.Resolver
}

// EngineService orchestrates the trading engine: it routes feed events into
// the per-instrument lifecycle machines and supervises the shared components.
type EngineService struct {
	cfg  *config.Config
	deps Deps

	rates      *sizing.RateBook
	sizer      *sizing.Sizer
	reconciler *reconcile.Reconciler
	guard      *guard.Guard
	watchdog   *watchdog.Watchdog

	machines map[int64]*lifecycle.Machine

	// disconnected flips on a feed error and back on the first routed tick,
	// driving the machines' DISCONNECTED transitions.
	disconnected atomic.Bool
}

// NewEngineService creates the engine service and its shared core components.
func NewEngineService(cfg *config.Config, deps Deps) (*EngineService, error) {
	if cfg == nil || deps.Logger == nil || deps.Feed == nil || deps.Broker == nil ||
		deps.Signal == nil || deps.Position == nil || deps.Session == nil ||
		deps.Risk == nil || deps.Resolver == nil {
		return nil, fmt.Errorf("missing required dependencies for EngineService")
	}

	s := &EngineService{
		cfg:      cfg,
		deps:     deps,
		rates:    sizing.NewRateBook(),
		machines: make(map[int64]*lifecycle.Machine),
	}

	var err error
	s.sizer, err = sizing.New(sizing.Config{
		MaxRateAge: cfg.MaxRateAge,
		Logger:     deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sizer: %w", err)
	}

	s.reconciler, err = reconcile.New(reconcile.Config{
		Broker:                 deps.Broker,
		Positions:              deps.Position,
		Logger:                 deps.Logger,
		Interval:               cfg.ReconcileInterval,
		MaxConsecutiveFailures: cfg.MaxReconcileFailures,
		OnSystemic: func(instrumentID int64, rerr error) {
			deps.Logger.Error(context.Background(), rerr, "Reconciliation failing persistently; treating broker state as unknown", map[string]interface{}{
				"instrumentID": instrumentID,
			})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	s.guard, err = guard.New(guard.Config{
		TokenTTL:       cfg.TokenTTL,
		Cooldown:       cfg.Cooldown,
		PendingTimeout: cfg.PendingTimeout,
		Reconciler:     s.reconciler,
		Positions:      deps.Position,
		Logger:         deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create execution guard: %w", err)
	}

	s.watchdog, err = watchdog.New(watchdog.Config{
		Window: cfg.WatchdogWindow,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create watchdog: %w", err)
	}

	return s, nil
}

// Start runs the engine until the context is cancelled, a shutdown signal
// arrives, or the market feed stops for good.
func (s *EngineService) Start(ctx context.Context) error {
	s.deps.Logger.Info(ctx, "Starting trading engine...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.deps.Logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// Verify broker reachability and publish the opening equity before any
	// machine starts trading against it.
	equity, err := s.deps.Broker.AccountEquity(ctx)
	if err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to query account equity at startup")
		return fmt.Errorf("failed to query account equity: %w", err)
	}
	metrics.Equity.Set(equity)
	s.deps.Logger.Info(ctx, "Account equity synchronized", map[string]interface{}{"equity": equity})

	tracker, err := risk.NewTracker(ctx, risk.Config{
		MaxDailyTrades: s.cfg.MaxDailyTrades,
		MaxDailyLoss:   s.cfg.MaxDailyLoss,
		Repo:           s.deps.Risk,
		Logger:         s.deps.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create risk tracker: %w", err)
	}

	instruments := s.deps.Resolver.Instruments()
	if len(instruments) == 0 {
		return fmt.Errorf("%w: instrument catalog is empty", ports.ErrConfigurationError)
	}

	var wg sync.WaitGroup
	for _, inst := range instruments {
		machine, merr := lifecycle.New(lifecycle.Config{
			Instrument:        inst,
			Period:            s.cfg.Period,
			PeriodLabel:       s.cfg.PeriodLabel,
			SignalAfter:       s.cfg.SignalAfter,
			ArmedTTL:          s.cfg.ArmedTTL,
			MinConfidence:     s.cfg.MinConfidence,
			RiskFraction:      s.cfg.RiskFraction,
			StopDistancePips:  s.cfg.StopDistancePips,
			TakeProfitPips:    s.cfg.TakeProfitPips,
			ProfitTargetPips:  s.cfg.ProfitTargetPips,
			MaxHold:           s.cfg.MaxHold,
			HistorySize:       s.cfg.HistorySize,
			MaxBrokerFailures: s.cfg.MaxBrokerFailures,
			SignalTimeout:     s.cfg.SignalTimeoutPerCall,
		}, lifecycle.Deps{
			Logger:    s.deps.Logger,
			Guard:     s.guard,
			Sizer:     s.sizer,
			Rates:     s.rates,
			Signal:    s.deps.Signal,
			Broker:    s.deps.Broker,
			Positions: s.deps.Position,
			Sessions:  s.deps.Session,
			Risk:      tracker,
		})
		if merr != nil {
			return fmt.Errorf("failed to create lifecycle machine for %s: %w", inst.Symbol, merr)
		}
		s.machines[inst.ID] = machine
		s.deps.Resolver.Subscribe(inst.ID, inst.Symbol)
	}

	for _, machine := range s.machines {
		wg.Add(1)
		go func(m *lifecycle.Machine) {
			defer wg.Done()
			m.Run(ctx)
		}(machine)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reconciler.Run(ctx, instruments)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watchdog.Run(ctx)
	}()

	// Start the market feed last so every consumer is already running.
	streamSymbols := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		streamSymbols = append(streamSymbols, inst.Symbol)
	}
	feedDoneCh, feedStopCh, err := s.deps.Feed.Subscribe(ctx, streamSymbols, s.onRawTick, s.onFeedError)
	if err != nil {
		cancel()
		wg.Wait()
		s.deps.Logger.Error(ctx, err, "Failed to start market feed")
		return fmt.Errorf("failed to start market feed: %w", err)
	}
	s.deps.Logger.Info(ctx, "Market feed started", map[string]interface{}{"symbols": streamSymbols})

	var runErr error
	select {
	case <-ctx.Done():
		s.deps.Logger.Info(ctx, "Main context cancelled, initiating shutdown...")
		select {
		case feedStopCh <- struct{}{}:
			s.deps.Logger.Info(ctx, "Stop signal sent to market feed")
		default:
			s.deps.Logger.Warn(ctx, "Failed to send stop signal to market feed (already closed?)")
		}
		select {
		case <-feedDoneCh:
			s.deps.Logger.Info(ctx, "Market feed shut down gracefully")
		case <-time.After(5 * time.Second):
			s.deps.Logger.Warn(ctx, "Timeout waiting for market feed to shut down")
		}
	case <-feedDoneCh:
		// Feed closed for good (e.g. max reconnect attempts exhausted).
		runErr = fmt.Errorf("market feed stopped unexpectedly")
		s.deps.Logger.Error(ctx, runErr, "Market feed stopped")
		cancel()
	}

	wg.Wait()
	s.deps.Logger.Info(ctx, "Trading engine stopped.")
	return runErr
}

// onRawTick is the hot path: resolve, refresh rates, feed the watchdog, then
// hand the tick to the instrument's machine.
func (s *EngineService) onRawTick(raw domain.RawTick) {
	ctx := context.Background()

	tick, err := s.deps.Resolver.Route(ctx, raw)
	if err != nil {
		return // already logged and dropped by the resolver
	}

	s.rates.Update(tick.Symbol, tick.Bid, tick.Ask, tick.Timestamp)
	s.watchdog.Beat()

	if s.disconnected.CompareAndSwap(true, false) {
		s.deps.Logger.Info(ctx, "Market feed recovered, notifying sessions", map[string]interface{}{"symbol": tick.Symbol})
		for _, machine := range s.machines {
			machine.NotifyReconnect()
		}
	}

	machine, ok := s.machines[tick.SymbolID]
	if !ok {
		s.deps.Logger.Warn(ctx, "Tick for instrument without a session", map[string]interface{}{"symbol": tick.Symbol})
		return
	}
	if !machine.Offer(*tick) {
		s.deps.Logger.Debug(ctx, "Tick dropped, session buffer full", map[string]interface{}{"symbol": tick.Symbol})
	}
}

// onFeedError moves every session into DISCONNECTED once per outage.
func (s *EngineService) onFeedError(err error) {
	ctx := context.Background()
	if s.disconnected.CompareAndSwap(false, true) {
		s.deps.Logger.Warn(ctx, "Market feed error, notifying sessions", map[string]interface{}{"error": err.Error()})
		for _, machine := range s.machines {
			machine.NotifyDisconnect()
		}
	}
}
