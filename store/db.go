// Package store persists conditions to SQLite so a restart (or the market
// open timer) can restore the active set.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/tickline/tickline/engine"
)

// DB implements engine.Store on SQLite.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS conditions (
    id               TEXT PRIMARY KEY,
    kind             TEXT NOT NULL CHECK(kind IN ('MOVING_AVERAGE','TREND_LINE')),
    instrument_token INTEGER NOT NULL,
    symbol           TEXT NOT NULL,
    interval         TEXT NOT NULL,
    direction        TEXT NOT NULL CHECK(direction IN ('UP','DOWN','EITHER')),
    note             TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'ACTIVE' CHECK(status IN ('ACTIVE','SUCCEEDED','DELETED')),
    period           INTEGER,
    anchor_at        TEXT,
    slope            TEXT,
    created_at       TEXT NOT NULL,
    touched_at       TEXT,
    touched_price    TEXT,
    reference_price  TEXT
);
CREATE INDEX IF NOT EXISTS idx_conditions_status ON conditions(status);
CREATE INDEX IF NOT EXISTS idx_conditions_token ON conditions(instrument_token);`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db}, nil
}

// Save inserts or replaces a condition row.
func (d *DB) Save(ctx context.Context, c engine.Condition) error {
	m := c.Meta()

	var (
		period sql.NullInt64
		anchor sql.NullString
		slope  sql.NullString
	)
	switch v := c.(type) {
	case engine.MovingAverage:
		period = sql.NullInt64{Int64: int64(v.Period), Valid: true}
	case engine.TrendLine:
		anchor = sql.NullString{String: v.Anchor.Format(time.RFC3339), Valid: true}
		slope = sql.NullString{String: v.Slope.String(), Valid: true}
	}

	_, err := d.db.ExecContext(ctx, `INSERT OR REPLACE INTO conditions
		(id, kind, instrument_token, symbol, interval, direction, note, status,
		 period, anchor_at, slope, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, string(c.Kind()), m.Token, m.Symbol, string(m.Interval),
		string(m.Direction), m.Note, m.Status.String(),
		period, anchor, slope, m.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save condition: %w", err)
	}
	return nil
}

const selectColumns = `id, kind, instrument_token, symbol, interval, direction,
	note, status, period, anchor_at, slope, created_at`

// FindByID returns one condition or engine.ErrNotFound.
func (d *DB) FindByID(ctx context.Context, id string) (engine.Condition, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM conditions WHERE id = ?`, id)
	c, err := scanCondition(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	return c, err
}

// FindAllActive returns every ACTIVE condition, oldest first.
func (d *DB) FindAllActive(ctx context.Context) ([]engine.Condition, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM conditions WHERE status = 'ACTIVE' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query active conditions: %w", err)
	}
	defer rows.Close()

	var out []engine.Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkSucceeded records a touch. The WHERE clause on the previous status is
// the idempotency point: a redelivered outcome matches zero rows and reports
// false with no second write.
func (d *DB) MarkSucceeded(ctx context.Context, id string, price, reference decimal.Decimal, at time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE conditions SET status = 'SUCCEEDED', touched_at = ?, touched_price = ?, reference_price = ?
		 WHERE id = ? AND status = 'ACTIVE'`,
		at.Format(time.RFC3339), price.String(), reference.String(), id)
	if err != nil {
		return false, fmt.Errorf("mark succeeded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark succeeded: %w", err)
	}
	return n > 0, nil
}

// MarkDeleted flips an ACTIVE condition to DELETED. Terminal rows are left
// untouched so a SUCCEEDED record is never overwritten by a late delete.
func (d *DB) MarkDeleted(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE conditions SET status = 'DELETED' WHERE id = ? AND status = 'ACTIVE'`, id)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCondition(row rowScanner) (engine.Condition, error) {
	var (
		base       engine.Base
		kindS      string
		intervalS  string
		directionS string
		statusS    string
		createdS   string
		period     sql.NullInt64
		anchor     sql.NullString
		slope      sql.NullString
	)
	err := row.Scan(&base.ID, &kindS, &base.Token, &base.Symbol, &intervalS,
		&directionS, &base.Note, &statusS, &period, &anchor, &slope, &createdS)
	if err != nil {
		return nil, err
	}

	base.Interval = engine.Interval(intervalS)
	base.Direction = engine.Direction(directionS)
	if st, ok := engine.ParseStatus(statusS); ok {
		base.Status = st
	}
	base.CreatedAt, err = time.Parse(time.RFC3339, createdS)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	switch engine.Kind(kindS) {
	case engine.KindMovingAverage:
		return engine.MovingAverage{Base: base, Period: int(period.Int64)}, nil
	case engine.KindTrendLine:
		c := engine.TrendLine{Base: base}
		if anchor.Valid {
			c.Anchor, err = time.Parse(time.RFC3339, anchor.String)
			if err != nil {
				return nil, fmt.Errorf("parse anchor_at: %w", err)
			}
		}
		if slope.Valid {
			c.Slope, err = decimal.NewFromString(slope.String)
			if err != nil {
				return nil, fmt.Errorf("parse slope: %w", err)
			}
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown condition kind %q", kindS)
	}
}
