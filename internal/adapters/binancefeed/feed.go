package binancefeed

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/ports"

	"github.com/adshao/go-binance/v2/futures"
)

// Feed implements ports.MarketFeed on top of the Binance book-ticker stream.
// It owns the connection-layer id↔name table the symbol resolver consults.
type Feed struct {
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int

	mu     sync.RWMutex
	byID   map[int64]string
	byName map[string]int64
}

// Config holds configuration specific to the Binance feed adapter.
type Config struct {
	Logger               ports.Logger
	Symbols              map[int64]string // instrument id -> stream symbol
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// New creates a new Binance market feed adapter.
func New(cfg Config) (*Feed, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance feed")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol mapping is required for Binance feed")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	f := &Feed{
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		byID:                 make(map[int64]string, len(cfg.Symbols)),
		byName:               make(map[string]int64, len(cfg.Symbols)),
	}
	for id, name := range cfg.Symbols {
		f.byID[id] = name
		f.byName[name] = id
	}
	return f, nil
}

// SymbolName returns the stream symbol for an instrument id.
func (f *Feed) SymbolName(id int64) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	name, ok := f.byID[id]
	return name, ok
}

// Subscribe starts the combined book-ticker stream for the given symbols and
// keeps it alive across connection drops. The returned doneCh closes when the
// stream ends for good; stopCh requests a stop.
func (f *Feed) Subscribe(ctx context.Context, symbols []string, handler func(domain.RawTick), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "Subscribe"
	for _, s := range symbols {
		f.mu.RLock()
		_, known := f.byName[s]
		f.mu.RUnlock()
		if !known {
			return nil, nil, fmt.Errorf("%w: symbol %q has no id mapping", ports.ErrUnresolvedSymbol, s)
		}
	}

	wsCtx, cancelWs := context.WithCancel(ctx)

	binanceHandler := func(event *futures.WsBookTickerEvent) {
		raw, terr := f.translateBookTicker(event)
		if terr != nil {
			f.logger.Error(wsCtx, terr, op+": Failed to translate book ticker event")
			return
		}
		handler(raw)
	}
	binanceErrHandler := func(werr error) {
		f.logger.Warn(wsCtx, op+": WebSocket error reported", map[string]interface{}{"error": werr.Error()})
		errHandler(werr)
	}

	// Reconnection loop
	go func() {
		defer cancelWs()

		attempt := 0
		for {
			select {
			case <-wsCtx.Done():
				f.logger.Info(wsCtx, op+": Context cancelled, stopping connection attempts.", map[string]interface{}{"symbols": symbols})
				return
			default:
				f.logger.Info(wsCtx, op+": Attempting WebSocket connection...", map[string]interface{}{"symbols": symbols, "attempt": attempt + 1})
				innerDoneCh, innerStopCh, connectErr := futures.WsCombinedBookTickerServe(symbols, binanceHandler, binanceErrHandler)

				if connectErr != nil {
					f.logger.Error(wsCtx, connectErr, op+": WebSocket connection attempt failed", map[string]interface{}{"symbols": symbols, "attempt": attempt + 1})
					attempt++
					if attempt >= f.maxReconnectAttempts {
						f.logger.Error(wsCtx, connectErr, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{"symbols": symbols, "maxAttempts": f.maxReconnectAttempts})
						errHandler(fmt.Errorf("%w: %d connection attempts failed", ports.ErrConnectionFailed, attempt))
						return
					}

					delay := f.reconnectDelay * time.Duration(1<<uint(attempt-1))
					f.logger.Info(wsCtx, op+": Connection failed, retrying...", map[string]interface{}{"symbols": symbols, "attempt": attempt + 1, "delay": delay.String()})

					select {
					case <-time.After(delay):
						continue
					case <-wsCtx.Done():
						f.logger.Info(wsCtx, op+": Context cancelled during backoff.", map[string]interface{}{"symbols": symbols})
						return
					}
				}

				f.logger.Info(wsCtx, op+": WebSocket connection established.", map[string]interface{}{"symbols": symbols})
				attempt = 0

				select {
				case <-innerDoneCh:
					f.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly. Reconnecting...", map[string]interface{}{"symbols": symbols})
					errHandler(ports.ErrConnectionFailed)
				case <-wsCtx.Done():
					f.logger.Info(wsCtx, op+": Context cancelled, stopping WebSocket.", map[string]interface{}{"symbols": symbols})
					select {
					case innerStopCh <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}()

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		select {
		case <-stopCh:
			f.logger.Info(ctx, op+": Received external stop signal, cancelling WebSocket context.", map[string]interface{}{"symbols": symbols})
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	go func() {
		<-wsCtx.Done()
		close(doneCh)
	}()

	return doneCh, stopCh, nil
}

// translateBookTicker converts a websocket book ticker event into a raw tick.
func (f *Feed) translateBookTicker(event *futures.WsBookTickerEvent) (domain.RawTick, error) {
	f.mu.RLock()
	id, ok := f.byName[event.Symbol]
	f.mu.RUnlock()
	if !ok {
		return domain.RawTick{}, fmt.Errorf("%w: stream symbol %q", ports.ErrUnresolvedSymbol, event.Symbol)
	}
	bid, err := strconv.ParseFloat(event.BestBidPrice, 64)
	if err != nil {
		return domain.RawTick{}, fmt.Errorf("failed to parse bid price %q for %s: %w", event.BestBidPrice, event.Symbol, err)
	}
	ask, err := strconv.ParseFloat(event.BestAskPrice, 64)
	if err != nil {
		return domain.RawTick{}, fmt.Errorf("failed to parse ask price %q for %s: %w", event.BestAskPrice, event.Symbol, err)
	}
	ts := time.Now().UTC()
	if event.Time > 0 {
		ts = time.UnixMilli(event.Time).UTC()
	}
	return domain.RawTick{
		SymbolID:  id,
		Bid:       bid,
		Ask:       ask,
		Timestamp: ts,
	}, nil
}
