package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	pkgch "FinBacktest/pkg/clickhouse"
	applogger "FinBacktest/pkg/logger"
)

// ClickHouseSchema returns the DDL used by CHBarStore for the given database.
func ClickHouseSchema(db string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.cache_entries (
			symbol String,
			interval LowCardinality(String),
			start_date DateTime,
			end_date DateTime,
			fetched_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(fetched_at) ORDER BY symbol`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.daily_bars (
			symbol String,
			ts DateTime,
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume Float64,
			fetched_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(fetched_at) ORDER BY (symbol, ts)`, db),
	}
}

// CHBarStore implements BarStore backed by ClickHouse.
type CHBarStore struct {
	db       *sql.DB
	database string
	l        *applogger.Logger
}

var _ domrepo.BarStore = (*CHBarStore)(nil)

func NewCHBarStore(ch *pkgch.Client) *CHBarStore {
	return &CHBarStore{db: ch.DB(), database: ch.Database()}
}

// SetLogger injects a structured logger.
func (s *CHBarStore) SetLogger(l *applogger.Logger) { s.l = l }

func (s *CHBarStore) Load(ctx context.Context, symbol string) (*models.CacheEntry, error) {
	start := time.Now()
	entry := models.CacheEntry{Symbol: symbol}
	var interval string

	q := fmt.Sprintf(`SELECT interval, start_date, end_date, fetched_at
		FROM %s.cache_entries FINAL WHERE symbol = ? LIMIT 1`, s.database)
	err := s.db.QueryRowContext(ctx, q, symbol).Scan(&interval, &entry.Start, &entry.End, &entry.FetchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domrepo.ErrNotFound
		}
		s.logError("clickhouse load entry error", symbol, err)
		return nil, fmt.Errorf("load entry: %w", err)
	}
	entry.Interval = models.Interval(interval)

	// bars from an older fetch may outlive a narrower rewrite; bound by the entry's fetch time
	q = fmt.Sprintf(`SELECT ts, open, high, low, close, volume
		FROM %s.daily_bars FINAL
		WHERE symbol = ? AND fetched_at = ?
		ORDER BY ts ASC`, s.database)
	rows, err := s.db.QueryContext(ctx, q, symbol, entry.FetchedAt)
	if err != nil {
		s.logError("clickhouse load bars query error", symbol, err)
		return nil, fmt.Errorf("load bars: %w", err)
	}
	defer rows.Close()

	entry.Bars = make([]models.PriceBar, 0, 512)
	for rows.Next() {
		var b models.PriceBar
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			s.logError("clickhouse load bars scan error", symbol, err)
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Timestamp = b.Timestamp.UTC()
		entry.Bars = append(entry.Bars, b)
	}
	if err := rows.Err(); err != nil {
		s.logError("clickhouse load bars rows error", symbol, err)
		return nil, fmt.Errorf("rows: %w", err)
	}
	if s.l != nil {
		s.l.Debug("clickhouse load ok",
			applogger.String("symbol", symbol),
			applogger.Int("rows", len(entry.Bars)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return &entry, nil
}

func (s *CHBarStore) Save(ctx context.Context, entry *models.CacheEntry) error {
	start := time.Now()
	fetched := entry.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now().UTC()
	}

	// batch insert: clickhouse-go flushes the prepared block on commit
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s.daily_bars (symbol, ts, open, high, low, close, volume, fetched_at)", s.database))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare bars: %w", err)
	}
	for _, b := range entry.Bars {
		if _, err := stmt.ExecContext(ctx, entry.Symbol, b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume, fetched); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			s.logError("clickhouse save bar error", entry.Symbol, err)
			return fmt.Errorf("append bar: %w", err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		s.logError("clickhouse save commit error", entry.Symbol, err)
		return fmt.Errorf("commit bars: %w", err)
	}

	// entry row last: a reader never sees an entry whose bars are not yet written
	q := fmt.Sprintf("INSERT INTO %s.cache_entries (symbol, interval, start_date, end_date, fetched_at) VALUES (?, ?, ?, ?, ?)", s.database)
	if _, err := s.db.ExecContext(ctx, q, entry.Symbol, string(entry.Interval), entry.Start, entry.End, fetched); err != nil {
		s.logError("clickhouse save entry error", entry.Symbol, err)
		return fmt.Errorf("insert entry: %w", err)
	}
	entry.FetchedAt = fetched

	if s.l != nil {
		s.l.Info("clickhouse save ok",
			applogger.String("symbol", entry.Symbol),
			applogger.Int("rows", len(entry.Bars)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return nil
}

func (s *CHBarStore) Delete(ctx context.Context, symbol string) error {
	for _, table := range []string{"cache_entries", "daily_bars"} {
		q := fmt.Sprintf("DELETE FROM %s.%s WHERE symbol = ?", s.database, table)
		if _, err := s.db.ExecContext(ctx, q, symbol); err != nil {
			s.logError("clickhouse delete error", symbol, err)
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by pkg/clickhouse.Client.
func (s *CHBarStore) Close() error { return nil }

func (s *CHBarStore) logError(msg, symbol string, err error) {
	if s.l == nil {
		return
	}
	s.l.Error(msg,
		applogger.String("symbol", symbol),
		applogger.String("database", s.database),
		applogger.Error(err),
	)
}
