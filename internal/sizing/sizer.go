package sizing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/ports"
)

// Config holds the sizer's settings.
type Config struct {
	// MaxRateAge is the freshness bound for live conversion rates. A required
	// rate older than this fails sizing with ErrStaleRates.
	MaxRateAge time.Duration
	Logger     ports.Logger
}

// Sizer converts a risk intent into a broker-valid order volume.
//
// The pip-value branch is selected by the instrument's quote class. Getting
// the branch wrong (direct vs inverse) overstates or understates size by up
// to two orders of magnitude, so every branch stays independently testable.
type Sizer struct {
	maxRateAge time.Duration
	logger     ports.Logger
}

// New creates a sizer.
func New(cfg Config) (*Sizer, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for sizer")
	}
	if cfg.MaxRateAge <= 0 {
		return nil, fmt.Errorf("MaxRateAge must be positive")
	}
	return &Sizer{maxRateAge: cfg.MaxRateAge, logger: cfg.Logger}, nil
}

// Size derives a NormalizedOrder from the intent parameters.
//
// rawLots = (equity × riskFraction) / (stopDistancePips × pipValuePerLot),
// capped at MaxVolume and rounded down to an exact multiple of StepVolume.
// A result below MinVolume fails with ErrInvalidSizing rather than being
// silently clamped upward, which would inflate the risk taken.
func (s *Sizer) Size(ctx context.Context, account domain.Account, inst domain.Instrument,
	intent domain.OrderIntent, rates *RateBook) (domain.NormalizedOrder, error) {

	var zero domain.NormalizedOrder
	if account.Equity <= 0 {
		return zero, fmt.Errorf("%w: equity %.2f", ports.ErrInvalidSizing, account.Equity)
	}
	if intent.RiskFraction <= 0 || intent.RiskFraction > 1 {
		return zero, fmt.Errorf("%w: risk fraction %.4f", ports.ErrInvalidSizing, intent.RiskFraction)
	}
	if intent.StopDistancePips <= 0 {
		return zero, fmt.Errorf("%w: stop distance %.2f pips", ports.ErrInvalidSizing, intent.StopDistancePips)
	}

	pipValue, err := s.pipValuePerLot(inst, rates)
	if err != nil {
		return zero, err
	}

	riskAmount := account.Equity * intent.RiskFraction
	rawLots := riskAmount / (intent.StopDistancePips * pipValue)
	if rawLots > inst.MaxVolume {
		rawLots = inst.MaxVolume
	}

	lots := roundDownToStep(rawLots, inst.StepVolume)
	if lots <= 0 || lots < inst.MinVolume {
		return zero, fmt.Errorf("%w: %.4f lots after step rounding (min %.2f)",
			ports.ErrInvalidSizing, lots, inst.MinVolume)
	}

	s.logger.Debug(ctx, "Sized order", map[string]interface{}{
		"symbol":    inst.Symbol,
		"class":     inst.Class,
		"pipValue":  pipValue,
		"riskAmt":   riskAmount,
		"stopPips":  intent.StopDistancePips,
		"rawLots":   rawLots,
		"finalLots": lots,
	})

	return domain.NormalizedOrder{
		InstrumentID:  inst.ID,
		Symbol:        inst.Symbol,
		Side:          intent.Side,
		Lots:          lots,
		PipValue:      pipValue,
		CorrelationID: intent.CorrelationID,
	}, nil
}

// PipValuePerLot exposes the monetary pip value for one standard lot in the
// account currency. Exported for audit logging and tests.
func (s *Sizer) PipValuePerLot(inst domain.Instrument, rates *RateBook) (float64, error) {
	return s.pipValuePerLot(inst, rates)
}

func (s *Sizer) pipValuePerLot(inst domain.Instrument, rates *RateBook) (float64, error) {
	base := inst.LotUnits * inst.PipSize

	switch inst.Class {
	case domain.QuoteIsAccount:
		// Quote currency is the account currency: pip value is direct
		// (≈ $10/lot for majors quoted in the account currency).
		return base, nil

	case domain.BaseIsAccount:
		// Pip value accrues in the quote currency; convert through the
		// instrument's own live price (inverse conversion).
		price, ok := rates.Fresh(inst.Symbol, s.maxRateAge)
		if !ok {
			return 0, fmt.Errorf("%w: live price for %s", ports.ErrStaleRates, inst.Symbol)
		}
		return base / price, nil

	case domain.CrossViaBase:
		// Conversion pair has the account currency as its base
		// (e.g. EURJPY via USDJPY): divide by the rate.
		rate, ok := rates.Fresh(inst.ConversionSymbol, s.maxRateAge)
		if !ok {
			return 0, fmt.Errorf("%w: conversion rate %s", ports.ErrStaleRates, inst.ConversionSymbol)
		}
		return base / rate, nil

	case domain.CrossViaQuote:
		// Conversion pair has the account currency as its quote
		// (e.g. EURGBP via GBPUSD): multiply by the rate.
		rate, ok := rates.Fresh(inst.ConversionSymbol, s.maxRateAge)
		if !ok {
			return 0, fmt.Errorf("%w: conversion rate %s", ports.ErrStaleRates, inst.ConversionSymbol)
		}
		return base * rate, nil

	case domain.Metal:
		// Metals/indices carry a broker-supplied fixed multiplier.
		return inst.ContractPipValue, nil

	default:
		return 0, fmt.Errorf("%w: unknown quote class %q for %s",
			ports.ErrInvalidSizing, inst.Class, inst.Symbol)
	}
}

// roundDownToStep floors lots to an exact multiple of step using decimal
// arithmetic. Float division here drifts (0.30000000000000004-style) and can
// emit a volume the broker rejects.
func roundDownToStep(lots, step float64) float64 {
	if step <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(lots)
	st := decimal.NewFromFloat(step)
	steps := d.Div(st).Floor()
	out, _ := steps.Mul(st).Float64()
	return out
}
