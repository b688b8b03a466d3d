package binancebroker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Broker implements the ports.Broker interface using the go-binance library.
type Broker struct {
	futuresClient *futures.Client
	logger        ports.Logger
	volumeScale   int32 // decimal places used when formatting lot quantities
}

// Config holds configuration specific to the Binance broker adapter.
type Config struct {
	APIKey      string
	SecretKey   string
	UseTestnet  bool
	Logger      ports.Logger
	VolumeScale int32 // decimal places for quantity formatting (default 2)
}

// New creates a new Binance broker adapter.
func New(cfg Config) (*Broker, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance broker")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: API key and secret are required for order placement", ports.ErrConfigurationError)
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance broker configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance broker configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	volumeScale := cfg.VolumeScale
	if volumeScale <= 0 {
		volumeScale = 2
	}

	return &Broker{
		futuresClient: client,
		logger:        cfg.Logger,
		volumeScale:   volumeScale,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
// Rate limits, timing and availability failures map onto ErrTransientBroker so
// the placement retry loop can distinguish them from hard rejections.
func (b *Broker) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1001: // Internal error; unable to process request
			mappedErr = ports.ErrTransientBroker
		case -1003: // Too many requests
			mappedErr = fmt.Errorf("%w: %w", ports.ErrTransientBroker, ports.ErrRateLimited)
		case -1021: // Timestamp outside of recvWindow
			mappedErr = fmt.Errorf("%w: %w", ports.ErrTransientBroker, ports.ErrTimeout)
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key invalid or lacks permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -2019, -3005, -3041: // Margin or balance insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -4003, -4014, -4015: // Qty/price/leverage outside permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		b.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTransientBroker, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTransientBroker, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	b.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// PlaceOrder submits a market order with protective stop-loss and take-profit
// orders. The order's correlation id is forwarded as the client order id so
// resubmission after an ambiguous outcome cannot fill twice.
func (b *Broker) PlaceOrder(ctx context.Context, ord domain.NormalizedOrder, stopLoss, takeProfit float64) (*ports.OrderAck, error) {
	op := "PlaceOrder"
	quantity := b.formatQuantity(ord.Lots)

	order, err := b.futuresClient.NewCreateOrderService().
		Symbol(ord.Symbol).
		Side(futures.SideType(ord.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		NewClientOrderID(ord.CorrelationID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, b.handleError(ctx, err, op)
	}

	ack := translateOrder(order)
	b.logger.Info(ctx, op+": Entry order placed", map[string]interface{}{
		"symbol":        ord.Symbol,
		"side":          ord.Side,
		"quantity":      quantity,
		"orderID":       ack.OrderID,
		"correlationID": ack.CorrelationID,
		"ackPrice":      ack.AckPrice,
		"status":        ack.Status,
	})

	closeSide := futures.SideType(ord.Side.Opposite())
	if stopLoss > 0 {
		_, err = b.futuresClient.NewCreateOrderService().
			Symbol(ord.Symbol).
			Side(closeSide).
			Type(futures.OrderTypeStopMarket).
			StopPrice(b.formatPrice(stopLoss)).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			// The entry is live; report it but surface the failed protection.
			return ack, b.handleError(ctx, err, op+" stop-loss")
		}
	}
	if takeProfit > 0 {
		_, err = b.futuresClient.NewCreateOrderService().
			Symbol(ord.Symbol).
			Side(closeSide).
			Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(b.formatPrice(takeProfit)).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return ack, b.handleError(ctx, err, op+" take-profit")
		}
	}

	return ack, nil
}

// OpenPositions returns the broker's authoritative open positions for a symbol.
func (b *Broker) OpenPositions(ctx context.Context, symbol string) ([]ports.BrokerPosition, error) {
	op := "OpenPositions"
	positions, err := b.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, b.handleError(ctx, err, op)
	}

	out := make([]ports.BrokerPosition, 0, len(positions))
	for _, p := range positions {
		qty, perr := strconv.ParseFloat(p.PositionAmt, 64)
		if perr != nil {
			parseErr := fmt.Errorf("could not parse position amount '%s' for %s: %w", p.PositionAmt, p.Symbol, perr)
			return nil, b.handleError(ctx, parseErr, op)
		}
		if qty == 0 {
			continue
		}
		entry, perr := strconv.ParseFloat(p.EntryPrice, 64)
		if perr != nil {
			parseErr := fmt.Errorf("could not parse entry price '%s' for %s: %w", p.EntryPrice, p.Symbol, perr)
			return nil, b.handleError(ctx, parseErr, op)
		}
		side := domain.Buy
		lots := qty
		if qty < 0 {
			side = domain.Sell
			lots = -qty
		}
		out = append(out, ports.BrokerPosition{
			Symbol:    p.Symbol,
			Side:      side,
			Lots:      lots,
			OpenPrice: entry,
		})
	}
	return out, nil
}

// FindOrder looks an order up by its client order id.
func (b *Broker) FindOrder(ctx context.Context, symbol, correlationID string) (*ports.OrderAck, error) {
	op := "FindOrder"
	order, err := b.futuresClient.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(correlationID).
		Do(ctx)
	if err != nil {
		mapped := b.handleError(ctx, err, op)
		if errors.Is(mapped, ports.ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: client order id %q", ports.ErrOrderNotFound, correlationID)
		}
		return nil, mapped
	}

	ack := &ports.OrderAck{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		Symbol:        order.Symbol,
		CorrelationID: order.ClientOrderID,
		Status:        string(order.Status),
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
	ack.AckPrice, _ = strconv.ParseFloat(order.AvgPrice, 64)
	ack.Lots, _ = strconv.ParseFloat(order.ExecutedQuantity, 64)
	return ack, nil
}

// ClosePosition closes an open position at market. side is the side the
// position was opened with; the closing order uses the opposite side.
func (b *Broker) ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, lots float64) (*ports.OrderAck, error) {
	op := "ClosePosition"
	order, err := b.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side.Opposite())).
		Type(futures.OrderTypeMarket).
		Quantity(b.formatQuantity(lots)).
		ReduceOnly(true).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, b.handleError(ctx, err, op)
	}

	ack := translateOrder(order)
	b.logger.Info(ctx, op+": Close order placed", map[string]interface{}{
		"symbol":   symbol,
		"side":     side.Opposite(),
		"lots":     lots,
		"orderID":  ack.OrderID,
		"ackPrice": ack.AckPrice,
	})
	return ack, nil
}

// AccountEquity returns the current total equity reported by the broker.
func (b *Broker) AccountEquity(ctx context.Context) (float64, error) {
	op := "AccountEquity"
	account, err := b.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, b.handleError(ctx, err, op)
	}

	equity, err := strconv.ParseFloat(account.TotalMarginBalance, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse margin balance '%s': %w", account.TotalMarginBalance, err)
		return 0, b.handleError(ctx, parseErr, op)
	}
	return equity, nil
}

// Ping checks connectivity to the venue API.
func (b *Broker) Ping(ctx context.Context) error {
	op := "Ping"
	if err := b.futuresClient.NewPingService().Do(ctx); err != nil {
		return b.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	b.logger.Debug(ctx, op+" successful")
	return nil
}

func (b *Broker) formatQuantity(lots float64) string {
	return strconv.FormatFloat(lots, 'f', int(b.volumeScale), 64)
}

func (b *Broker) formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}

// translateOrder converts a create-order response into a ports.OrderAck.
// AvgPrice stays zero when the venue acknowledges without confirming a fill;
// callers treat that as an unknown outcome.
func translateOrder(order *futures.CreateOrderResponse) *ports.OrderAck {
	ack := &ports.OrderAck{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		Symbol:        order.Symbol,
		CorrelationID: order.ClientOrderID,
		Status:        string(order.Status),
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
	ack.AckPrice, _ = strconv.ParseFloat(order.AvgPrice, 64)
	ack.Lots, _ = strconv.ParseFloat(order.ExecutedQuantity, 64)
	return ack
}
