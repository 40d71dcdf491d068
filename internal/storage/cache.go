// Package storage persists the position ledger to SQLite so a restart
// can warm the ledger before the first upstream connection completes.
// The cache mirrors ledger state; it never owns it.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/domain"
)

const watermarkPrefix = "watermark:"

// PositionCache is the durable store for current position state.
type PositionCache struct {
	db *sql.DB
}

// OpenPositionCache opens (or creates) the SQLite cache with WAL mode.
func OpenPositionCache(dbPath string) (*PositionCache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	// Current-state mirror of the ledger, one row per market.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			ticker TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			avg_entry_cents INTEGER NOT NULL,
			current_cents INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create positions table: %w", err)
	}

	// KV metadata: sequence watermarks, schema notes.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata table: %w", err)
	}

	return &PositionCache{db: db}, nil
}

// Upsert writes one position row, replacing any previous state.
func (c *PositionCache) Upsert(ctx context.Context, p domain.Position) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO positions (ticker, side, quantity, avg_entry_cents, current_cents, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			side=excluded.side,
			quantity=excluded.quantity,
			avg_entry_cents=excluded.avg_entry_cents,
			current_cents=excluded.current_cents,
			updated_at=excluded.updated_at`,
		p.Ticker, string(p.Side), p.Quantity, p.AvgEntryCents, p.CurrentCents,
		p.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", p.Ticker, err)
	}
	return nil
}

// Delete removes a market's row. Deleting an absent row is a no-op.
func (c *PositionCache) Delete(ctx context.Context, ticker string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM positions WHERE ticker = ?", ticker); err != nil {
		return fmt.Errorf("failed to delete position %s: %w", ticker, err)
	}
	return nil
}

// LoadAll returns every cached position ordered by ticker.
func (c *PositionCache) LoadAll(ctx context.Context) ([]domain.Position, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT ticker, side, quantity, avg_entry_cents, current_cents, updated_at
		FROM positions ORDER BY ticker ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var side string
		var updatedMicros int64
		if err := rows.Scan(&p.Ticker, &side, &p.Quantity, &p.AvgEntryCents, &p.CurrentCents, &updatedMicros); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Side = domain.Side(side)
		p.UpdatedAt = time.UnixMicro(updatedMicros).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// SetMeta saves a key-value pair to the metadata table.
func (c *PositionCache) SetMeta(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UnixMicro(),
	)
	return err
}

// GetMeta retrieves a metadata value; missing keys return "".
func (c *PositionCache) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := c.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SaveWatermark persists a market's last-seen sequence number so a
// restart knows the pre-disconnect watermark.
func (c *PositionCache) SaveWatermark(ctx context.Context, market string, seq uint64) error {
	return c.SetMeta(ctx, watermarkPrefix+market, strconv.FormatUint(seq, 10))
}

// LoadWatermarks returns all persisted sequence watermarks by market.
func (c *PositionCache) LoadWatermarks(ctx context.Context) (map[string]uint64, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT key, value FROM metadata WHERE key LIKE ?", watermarkPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		seq, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			continue // ignore malformed rows
		}
		out[strings.TrimPrefix(key, watermarkPrefix)] = seq
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (c *PositionCache) Close() error {
	return c.db.Close()
}
