package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fxTradeEngine/internal/domain"
	"fxTradeEngine/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionRepository, ports.SessionRepository and
// ports.RiskRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/engine.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from
	// limiting connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instrument_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		open_price REAL NOT NULL,
		close_price REAL DEFAULT NULL,
		lots REAL NOT NULL,
		stop_loss REAL NOT NULL,
		take_profit REAL NOT NULL,
		open_time TIMESTAMP NOT NULL,
		close_time TIMESTAMP DEFAULT NULL,
		status TEXT NOT NULL,
		pnl REAL DEFAULT NULL,
		broker_id TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		parent_id INTEGER DEFAULT NULL,
		close_reason TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		instrument_id INTEGER PRIMARY KEY,
		state TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		trigger_price REAL NOT NULL DEFAULT 0,
		direction TEXT NOT NULL DEFAULT '',
		armed_expiry TIMESTAMP DEFAULT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS risk_days (
		day TEXT PRIMARY KEY,
		trades INTEGER NOT NULL DEFAULT 0,
		realized_pnl REAL NOT NULL DEFAULT 0
	);
	-- Indexes for common lookups
	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_correlation ON positions (correlation_id) WHERE correlation_id != '';
	CREATE INDEX IF NOT EXISTS idx_positions_instrument_status ON positions (instrument_id, status);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository Implementation ---

// Create saves a new position and returns its assigned ID.
// The unique index on correlation_id makes a duplicate submission fail here
// rather than producing a second record.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (instrument_id, symbol, side, open_price, lots, stop_loss, take_profit,
	                       open_time, status, broker_id, correlation_id, parent_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var parentID sql.NullInt64
	if pos.ParentID != nil {
		parentID = sql.NullInt64{Int64: *pos.ParentID, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.InstrumentID, pos.Symbol, pos.Side, pos.OpenPrice, pos.Lots, pos.StopLoss, pos.TakeProfit,
		pos.OpenTime, pos.Status, pos.BrokerID, pos.CorrelationID, parentID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	return id, nil
}

// Update modifies an existing position based on its ID.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET open_price = ?, close_price = ?, lots = ?, stop_loss = ?, take_profit = ?,
	    open_time = ?, close_time = ?, status = ?, pnl = ?, close_reason = ?
	WHERE id = ?`

	var closeTime sql.NullTime
	if !pos.CloseTime.IsZero() {
		closeTime = sql.NullTime{Time: pos.CloseTime, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.OpenPrice, pos.ClosePrice, pos.Lots, pos.StopLoss, pos.TakeProfit,
		pos.OpenTime, closeTime, pos.Status, pos.PNL, pos.CloseReason,
		pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update position ID %d: %w", pos.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update position ID %d: %w", pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "status": pos.Status})
	return nil
}

// FindOpenByInstrument retrieves the currently open positions for an instrument.
func (r *Repository) FindOpenByInstrument(ctx context.Context, instrumentID int64) ([]*domain.Position, error) {
	const query = positionSelect + ` WHERE instrument_id = ? AND status = ? ORDER BY open_time`

	rows, err := r.db.QueryContext(ctx, query, instrumentID, domain.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions for instrument %d: %w", instrumentID, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan open position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// CountOpenByInstrument counts open positions for an instrument.
func (r *Repository) CountOpenByInstrument(ctx context.Context, instrumentID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM positions WHERE instrument_id = ? AND status = ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, instrumentID, domain.StatusOpen).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open positions for instrument %d: %w", instrumentID, err)
	}
	return count, nil
}

// FindByCorrelationID retrieves a position by its broker-visible correlation id.
func (r *Repository) FindByCorrelationID(ctx context.Context, correlationID string) (*domain.Position, error) {
	const query = positionSelect + ` WHERE correlation_id = ?`

	row := r.db.QueryRowContext(ctx, query, correlationID)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query position by correlation id %s: %w", correlationID, err)
	}
	return pos, nil
}

// FindByID retrieves a position by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	const query = positionSelect + ` WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Position not found by ID", map[string]interface{}{"positionID": id})
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w", id, err)
	}
	return pos, nil
}

// --- SessionRepository Implementation ---

// SaveSession upserts the snapshot for the session's instrument.
func (r *Repository) SaveSession(ctx context.Context, snap *domain.SessionSnapshot) error {
	const query = `
	INSERT INTO sessions (instrument_id, state, cycle, trigger_price, direction, armed_expiry, correlation_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(instrument_id) DO UPDATE SET
		state = excluded.state,
		cycle = excluded.cycle,
		trigger_price = excluded.trigger_price,
		direction = excluded.direction,
		armed_expiry = excluded.armed_expiry,
		correlation_id = excluded.correlation_id,
		updated_at = excluded.updated_at`

	var armedExpiry sql.NullTime
	if !snap.ArmedExpiry.IsZero() {
		armedExpiry = sql.NullTime{Time: snap.ArmedExpiry, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		snap.InstrumentID, snap.State, snap.Cycle, snap.TriggerPrice, snap.Direction,
		armedExpiry, snap.CorrelationID, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session snapshot for instrument %d: %w", snap.InstrumentID, err)
	}
	return nil
}

// FindSession retrieves the last snapshot for an instrument.
func (r *Repository) FindSession(ctx context.Context, instrumentID int64) (*domain.SessionSnapshot, error) {
	const query = `
	SELECT instrument_id, state, cycle, trigger_price, direction, armed_expiry, correlation_id, updated_at
	FROM sessions
	WHERE instrument_id = ?`

	snap := &domain.SessionSnapshot{}
	var armedExpiry sql.NullTime
	err := r.db.QueryRowContext(ctx, query, instrumentID).Scan(
		&snap.InstrumentID, &snap.State, &snap.Cycle, &snap.TriggerPrice, &snap.Direction,
		&armedExpiry, &snap.CorrelationID, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query session for instrument %d: %w", instrumentID, err)
	}
	if armedExpiry.Valid {
		snap.ArmedExpiry = armedExpiry.Time
	}
	return snap, nil
}

// --- RiskRepository Implementation ---

// RiskDay retrieves the counters for the given UTC day.
func (r *Repository) RiskDay(ctx context.Context, day time.Time) (*domain.RiskDay, error) {
	const query = `SELECT trades, realized_pnl FROM risk_days WHERE day = ?`

	rd := &domain.RiskDay{Day: day}
	err := r.db.QueryRowContext(ctx, query, dayKey(day)).Scan(&rd.Trades, &rd.RealizedPnL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rd, nil // Zero counters for a fresh day
		}
		return nil, fmt.Errorf("failed to query risk counters for %s: %w", dayKey(day), err)
	}
	return rd, nil
}

// RecordTrade increments the day's trade count.
func (r *Repository) RecordTrade(ctx context.Context, day time.Time) error {
	const query = `
	INSERT INTO risk_days (day, trades) VALUES (?, 1)
	ON CONFLICT(day) DO UPDATE SET trades = trades + 1`
	if _, err := r.db.ExecContext(ctx, query, dayKey(day)); err != nil {
		return fmt.Errorf("failed to record trade for %s: %w", dayKey(day), err)
	}
	return nil
}

// RecordPnL adds realized PnL to the day's total.
func (r *Repository) RecordPnL(ctx context.Context, day time.Time, pnl float64) error {
	const query = `
	INSERT INTO risk_days (day, realized_pnl) VALUES (?, ?)
	ON CONFLICT(day) DO UPDATE SET realized_pnl = realized_pnl + excluded.realized_pnl`
	if _, err := r.db.ExecContext(ctx, query, dayKey(day), pnl); err != nil {
		return fmt.Errorf("failed to record pnl for %s: %w", dayKey(day), err)
	}
	return nil
}

// --- helpers ---

const positionSelect = `
	SELECT id, instrument_id, symbol, side, open_price, COALESCE(close_price, 0), lots,
	       stop_loss, take_profit, open_time, close_time, status, COALESCE(pnl, 0),
	       broker_id, correlation_id, parent_id, COALESCE(close_reason, '')
	FROM positions`

// scanner abstracts sql.Row and sql.Rows for scanPosition.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*domain.Position, error) {
	pos := &domain.Position{}
	var closeTime sql.NullTime
	var parentID sql.NullInt64
	err := s.Scan(
		&pos.ID, &pos.InstrumentID, &pos.Symbol, &pos.Side, &pos.OpenPrice, &pos.ClosePrice, &pos.Lots,
		&pos.StopLoss, &pos.TakeProfit, &pos.OpenTime, &closeTime, &pos.Status, &pos.PNL,
		&pos.BrokerID, &pos.CorrelationID, &parentID, &pos.CloseReason)
	if err != nil {
		return nil, err
	}
	if closeTime.Valid {
		pos.CloseTime = closeTime.Time
	}
	if parentID.Valid {
		pos.ParentID = &parentID.Int64
	}
	return pos, nil
}

func dayKey(day time.Time) string {
	return day.UTC().Format("2006-01-02")
}
