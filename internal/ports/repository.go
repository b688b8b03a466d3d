package ports

import (
	"context"
	"time"

	"fxTradeEngine/internal/domain"
)

// PositionRepository defines the interface for storing and retrieving trading positions.
type PositionRepository interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update modifies an existing position.
	Update(ctx context.Context, pos *domain.Position) error
	// FindOpenByInstrument retrieves the currently open positions for an instrument.
	FindOpenByInstrument(ctx context.Context, instrumentID int64) ([]*domain.Position, error)
	// CountOpenByInstrument counts open positions for an instrument.
	// Used by the execution guard's local recount gate.
	CountOpenByInstrument(ctx context.Context, instrumentID int64) (int, error)
	// FindByCorrelationID retrieves a position by its broker-visible
	// correlation id. Returns nil, nil if not found.
	FindByCorrelationID(ctx context.Context, correlationID string) (*domain.Position, error)
	// FindByID retrieves a position by its unique ID.
	// Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
}

// SessionRepository persists lifecycle session snapshots for crash recovery.
type SessionRepository interface {
	// SaveSession upserts the snapshot for the session's instrument.
	SaveSession(ctx context.Context, snap *domain.SessionSnapshot) error
	// FindSession retrieves the last snapshot for an instrument.
	// Returns nil, nil when the instrument has never traded.
	FindSession(ctx context.Context, instrumentID int64) (*domain.SessionSnapshot, error)
}

// RiskRepository persists the daily risk counters.
type RiskRepository interface {
	// RiskDay retrieves the counters for the given UTC day.
	// Returns a zero-valued RiskDay when the day has no activity yet.
	RiskDay(ctx context.Context, day time.Time) (*domain.RiskDay, error)
	// RecordTrade increments the day's trade count.
	RecordTrade(ctx context.Context, day time.Time) error
	// RecordPnL adds realized PnL to the day's total.
	RecordPnL(ctx context.Context, day time.Time, pnl float64) error
}
