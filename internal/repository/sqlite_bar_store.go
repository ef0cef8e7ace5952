package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	applogger "FinBacktest/pkg/logger"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS cache_entries (
		symbol     TEXT PRIMARY KEY,
		interval   TEXT NOT NULL,
		start_ts   INTEGER NOT NULL,
		end_ts     INTEGER NOT NULL,
		fetched_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cache_bars (
		symbol TEXT NOT NULL,
		ts     INTEGER NOT NULL,
		open   REAL NOT NULL,
		high   REAL NOT NULL,
		low    REAL NOT NULL,
		close  REAL NOT NULL,
		volume REAL NOT NULL,
		PRIMARY KEY (symbol, ts)
	) WITHOUT ROWID`,
}

// SQLiteBarStore is an embedded durable bar store. Entries are rewritten whole on Save.
type SQLiteBarStore struct {
	db *sql.DB
	l  *applogger.Logger
}

var _ domrepo.BarStore = (*SQLiteBarStore)(nil)

// NewSQLiteBarStore opens (or creates) the database at path and ensures the schema.
func NewSQLiteBarStore(ctx context.Context, path string) (*SQLiteBarStore, error) {
	// cache profile: losing the file only costs a re-fetch
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(OFF)"
	connStr += "&_pragma=temp_store(MEMORY)"
	connStr += "&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return &SQLiteBarStore{db: db}, nil
}

// SetLogger injects a structured logger.
func (s *SQLiteBarStore) SetLogger(l *applogger.Logger) { s.l = l }

func (s *SQLiteBarStore) Load(ctx context.Context, symbol string) (*models.CacheEntry, error) {
	entry := models.CacheEntry{Symbol: symbol}
	var (
		interval       string
		startTs, endTs int64
		fetchedAt      int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT interval, start_ts, end_ts, fetched_at FROM cache_entries WHERE symbol = ?`, symbol,
	).Scan(&interval, &startTs, &endTs, &fetchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domrepo.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite load entry %s: %w", symbol, err)
	}
	entry.Interval = models.Interval(interval)
	entry.Start = time.Unix(startTs, 0).UTC()
	entry.End = time.Unix(endTs, 0).UTC()
	entry.FetchedAt = time.Unix(fetchedAt, 0).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, open, high, low, close, volume FROM cache_bars WHERE symbol = ? ORDER BY ts ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("sqlite load bars %s: %w", symbol, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b  models.PriceBar
			ts int64
		)
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan bar %s: %w", symbol, err)
		}
		b.Timestamp = time.Unix(ts, 0).UTC()
		entry.Bars = append(entry.Bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite rows %s: %w", symbol, err)
	}
	return &entry, nil
}

func (s *SQLiteBarStore) Save(ctx context.Context, entry *models.CacheEntry) (err error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO cache_entries (symbol, interval, start_ts, end_ts, fetched_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			interval = excluded.interval,
			start_ts = excluded.start_ts,
			end_ts = excluded.end_ts,
			fetched_at = excluded.fetched_at`,
		entry.Symbol, string(entry.Interval), entry.Start.Unix(), entry.End.Unix(), entry.FetchedAt.Unix(),
	); err != nil {
		return fmt.Errorf("sqlite upsert entry %s: %w", entry.Symbol, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM cache_bars WHERE symbol = ?`, entry.Symbol); err != nil {
		return fmt.Errorf("sqlite clear bars %s: %w", entry.Symbol, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cache_bars (symbol, ts, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()
	for _, b := range entry.Bars {
		if _, err = stmt.ExecContext(ctx, entry.Symbol, b.Timestamp.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("sqlite insert bar %s: %w", entry.Symbol, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	if s.l != nil {
		s.l.Debug("sqlite save ok",
			applogger.String("symbol", entry.Symbol),
			applogger.Int("rows", len(entry.Bars)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return nil
}

func (s *SQLiteBarStore) Delete(ctx context.Context, symbol string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_bars WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("sqlite delete bars %s: %w", symbol, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("sqlite delete entry %s: %w", symbol, err)
	}
	return nil
}

func (s *SQLiteBarStore) Close() error {
	return s.db.Close()
}
