package ports

import (
	"context"

	"fxTradeEngine/internal/domain"
)

// MarketFeed delivers live price events for a set of subscribed symbols.
//
// Subscribe starts the stream and returns control channels in the same shape
// the exchange websocket adapters use: doneCh closes when the stream ends
// (including after exhausted reconnect attempts), stopCh accepts a stop
// request. The handler is invoked from the stream's goroutine; errHandler
// receives connection-level errors, including the terminal disconnect.
type MarketFeed interface {
	Subscribe(ctx context.Context, symbols []string,
		handler func(domain.RawTick),
		errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)

	// SymbolName exposes the feed's own id↔name table for the symbols it is
	// streaming. The symbol resolver consults it as the connection-layer
	// cache in its fallback chain.
	SymbolName(id int64) (string, bool)
}
