// Package store persists positions, trades and funding events in SQLite.
// Writes go through a transaction and commit before the caller is told
// the operation succeeded, so a restart can always reconstruct state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"funding_arb/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                        TEXT PRIMARY KEY,
	pair                      TEXT NOT NULL,
	long_exchange             TEXT NOT NULL,
	short_exchange            TEXT NOT NULL,
	long_entry_price          TEXT NOT NULL,
	short_entry_price         TEXT NOT NULL,
	long_size                 TEXT NOT NULL,
	short_size                TEXT NOT NULL,
	size_usd                  TEXT NOT NULL,
	leverage_long             INTEGER NOT NULL,
	leverage_short            INTEGER NOT NULL,
	entry_daily_spread        TEXT NOT NULL,
	negative_spread_tolerance TEXT NOT NULL,
	status                    TEXT NOT NULL,
	entry_time                INTEGER NOT NULL,
	close_time                INTEGER,
	realized_pnl              TEXT NOT NULL,
	funding_collected         TEXT NOT NULL,
	total_fees                TEXT NOT NULL,
	notes                     TEXT
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_pair ON positions(pair);

CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	exchange    TEXT NOT NULL,
	pair        TEXT NOT NULL,
	side        TEXT NOT NULL,
	action      TEXT NOT NULL,
	order_type  TEXT NOT NULL,
	price       TEXT NOT NULL,
	size        TEXT NOT NULL,
	fee         TEXT NOT NULL,
	order_id    TEXT,
	status      TEXT NOT NULL,
	executed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id);

CREATE TABLE IF NOT EXISTS funding_events (
	id          TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	exchange    TEXT NOT NULL,
	pair        TEXT NOT NULL,
	side        TEXT NOT NULL,
	rate        TEXT NOT NULL,
	payment_usd TEXT NOT NULL,
	timestamp   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_funding_position ON funding_events(position_id);
`

// SQLiteStore implements core.Repository on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if necessary initializes) the database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SavePosition upserts the position row and commits before returning.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *core.Position) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var closeTime sql.NullInt64
	if !p.CloseTime.IsZero() {
		closeTime = sql.NullInt64{Int64: p.CloseTime.UnixNano(), Valid: true}
	}

	query := `INSERT OR REPLACE INTO positions (
		id, pair, long_exchange, short_exchange,
		long_entry_price, short_entry_price, long_size, short_size,
		size_usd, leverage_long, leverage_short,
		entry_daily_spread, negative_spread_tolerance,
		status, entry_time, close_time,
		realized_pnl, funding_collected, total_fees, notes
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		p.ID, p.Pair, p.LongExchange, p.ShortExchange,
		p.LongEntryPrice.String(), p.ShortEntryPrice.String(), p.LongSize.String(), p.ShortSize.String(),
		p.SizeUSD.String(), p.LeverageLong, p.LeverageShort,
		p.EntryDailySpread.String(), p.NegativeSpreadTolerance.String(),
		string(p.Status), p.EntryTime.UnixNano(), closeTime,
		p.RealizedPnl.String(), p.FundingCollected.String(), p.TotalFees.String(), p.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to write position: %w", err)
	}

	return tx.Commit()
}

// SaveTrade appends one trade record.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t *core.Trade) error {
	query := `INSERT INTO trades (
		id, position_id, exchange, pair, side, action, order_type,
		price, size, fee, order_id, status, executed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.PositionID, t.Exchange, t.Pair, string(t.Side), string(t.Action), string(t.OrderType),
		t.Price.String(), t.Size.String(), t.Fee.String(), t.OrderID, string(t.Status), t.ExecutedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to write trade: %w", err)
	}
	return nil
}

// SaveFundingEvent appends one funding payment record.
func (s *SQLiteStore) SaveFundingEvent(ctx context.Context, e *core.FundingEvent) error {
	query := `INSERT INTO funding_events (
		id, position_id, exchange, pair, side, rate, payment_usd, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.PositionID, e.Exchange, e.Pair, string(e.Side),
		e.Rate.String(), e.PaymentUSD.String(), e.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to write funding event: %w", err)
	}
	return nil
}

// LoadCheckpoint returns every position in a non-terminal state, used at
// startup to rebuild in-memory tracking before reconciliation.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context) ([]*core.Position, error) {
	query := `SELECT
		id, pair, long_exchange, short_exchange,
		long_entry_price, short_entry_price, long_size, short_size,
		size_usd, leverage_long, leverage_short,
		entry_daily_spread, negative_spread_tolerance,
		status, entry_time, close_time,
		realized_pnl, funding_collected, total_fees, notes
	FROM positions WHERE status IN (?, ?, ?)`

	rows, err := s.db.QueryContext(ctx, query,
		string(core.PositionOpening), string(core.PositionOpen), string(core.PositionClosing))
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []*core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanPosition(rows *sql.Rows) (*core.Position, error) {
	var (
		p                     core.Position
		longEntry, shortEntry string
		longSize, shortSize   string
		sizeUSD, spread, tol  string
		pnl, funding, fees    string
		status                string
		entryNanos            int64
		closeNanos            sql.NullInt64
		notes                 sql.NullString
	)

	err := rows.Scan(
		&p.ID, &p.Pair, &p.LongExchange, &p.ShortExchange,
		&longEntry, &shortEntry, &longSize, &shortSize,
		&sizeUSD, &p.LeverageLong, &p.LeverageShort,
		&spread, &tol,
		&status, &entryNanos, &closeNanos,
		&pnl, &funding, &fees, &notes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}

	fields := map[string]*decimal.Decimal{
		"long_entry_price":          &p.LongEntryPrice,
		"short_entry_price":         &p.ShortEntryPrice,
		"long_size":                 &p.LongSize,
		"short_size":                &p.ShortSize,
		"size_usd":                  &p.SizeUSD,
		"entry_daily_spread":        &p.EntryDailySpread,
		"negative_spread_tolerance": &p.NegativeSpreadTolerance,
		"realized_pnl":              &p.RealizedPnl,
		"funding_collected":         &p.FundingCollected,
		"total_fees":                &p.TotalFees,
	}
	raw := map[string]string{
		"long_entry_price":          longEntry,
		"short_entry_price":         shortEntry,
		"long_size":                 longSize,
		"short_size":                shortSize,
		"size_usd":                  sizeUSD,
		"entry_daily_spread":        spread,
		"negative_spread_tolerance": tol,
		"realized_pnl":              pnl,
		"funding_collected":         funding,
		"total_fees":                fees,
	}
	for name, dst := range fields {
		d, err := decimal.NewFromString(raw[name])
		if err != nil {
			return nil, fmt.Errorf("corrupt decimal in column %s: %w", name, err)
		}
		*dst = d
	}

	p.Status = core.PositionStatus(status)
	p.EntryTime = time.Unix(0, entryNanos)
	if closeNanos.Valid {
		p.CloseTime = time.Unix(0, closeNanos.Int64)
	}
	p.Notes = notes.String

	return &p, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
