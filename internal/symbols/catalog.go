package symbols

import (
	"encoding/json"
	"fmt"
	"os"

	"fxTradeEngine/internal/domain"
)

// catalogEntry is the on-disk shape of one instrument definition.
type catalogEntry struct {
	ID               int64   `json:"id"`
	Symbol           string  `json:"symbol"`
	Class            string  `json:"class"`
	PipSize          float64 `json:"pipSize"`
	LotUnits         float64 `json:"lotUnits"`
	MinVolume        float64 `json:"minVolume"`
	MaxVolume        float64 `json:"maxVolume"`
	StepVolume       float64 `json:"stepVolume"`
	ConversionSymbol string  `json:"conversionSymbol,omitempty"`
	ContractPipValue float64 `json:"contractPipValue,omitempty"`
}

// LoadCatalog reads the instrument catalog from a JSON file. Instruments are
// immutable after load; a changed catalog requires an explicit reload.
func LoadCatalog(path string) ([]domain.Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instrument catalog %q: %w", path, err)
	}
	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse instrument catalog %q: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("instrument catalog %q is empty", path)
	}

	instruments := make([]domain.Instrument, 0, len(entries))
	for _, e := range entries {
		inst := domain.Instrument{
			ID:               e.ID,
			Symbol:           e.Symbol,
			Class:            domain.QuoteClass(e.Class),
			PipSize:          e.PipSize,
			LotUnits:         e.LotUnits,
			MinVolume:        e.MinVolume,
			MaxVolume:        e.MaxVolume,
			StepVolume:       e.StepVolume,
			ConversionSymbol: e.ConversionSymbol,
			ContractPipValue: e.ContractPipValue,
		}
		if err := validateInstrument(inst); err != nil {
			return nil, fmt.Errorf("invalid catalog entry for %q: %w", e.Symbol, err)
		}
		instruments = append(instruments, inst)
	}

	// Conversion symbols must resolve within the catalog itself: a cross pair
	// whose conversion rate is never fed sizes against stale rates forever.
	known := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		known[inst.Symbol] = struct{}{}
	}
	for _, inst := range instruments {
		if inst.ConversionSymbol == "" {
			continue
		}
		if _, ok := known[inst.ConversionSymbol]; !ok {
			return nil, fmt.Errorf("invalid catalog entry for %q: conversion symbol %q is not in the catalog",
				inst.Symbol, inst.ConversionSymbol)
		}
	}
	return instruments, nil
}

func validateInstrument(inst domain.Instrument) error {
	if inst.ID == 0 {
		return fmt.Errorf("id must be set")
	}
	if inst.Symbol == "" {
		return fmt.Errorf("symbol must be set")
	}
	switch inst.Class {
	case domain.QuoteIsAccount, domain.BaseIsAccount:
	case domain.CrossViaQuote, domain.CrossViaBase:
		if inst.ConversionSymbol == "" {
			return fmt.Errorf("cross class requires a conversion symbol")
		}
	case domain.Metal:
		if inst.ContractPipValue <= 0 {
			return fmt.Errorf("metal class requires a positive contract pip value")
		}
	default:
		return fmt.Errorf("unknown quote class %q", inst.Class)
	}
	if inst.PipSize <= 0 {
		return fmt.Errorf("pip size must be positive")
	}
	if inst.Class != domain.Metal && inst.LotUnits <= 0 {
		return fmt.Errorf("lot units must be positive")
	}
	if inst.MinVolume <= 0 || inst.MaxVolume < inst.MinVolume {
		return fmt.Errorf("volume bounds must satisfy 0 < min <= max")
	}
	if inst.StepVolume <= 0 {
		return fmt.Errorf("step volume must be positive")
	}
	return nil
}
