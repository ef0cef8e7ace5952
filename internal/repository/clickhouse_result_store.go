package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	pkgch "FinBacktest/pkg/clickhouse"
	applogger "FinBacktest/pkg/logger"
)

// tradeChunkSize bounds rows per multi-row INSERT.
const tradeChunkSize = 2000

// ResultSchema returns the DDL for run summaries and their trades.
func ResultSchema(db string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.backtest_runs (
			run_id String,
			kind LowCardinality(String),
			symbols Array(String),
			start_date DateTime,
			end_date DateTime,
			metrics String,
			params String,
			created_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(created_at) ORDER BY run_id`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.backtest_trades (
			run_id String,
			symbol String,
			side LowCardinality(String),
			entry_ts DateTime,
			entry_price Float64,
			exit_ts DateTime,
			exit_price Float64,
			quantity Float64,
			gross_pnl Float64,
			commission Float64,
			slippage Float64,
			holding_days UInt32,
			exit_reason LowCardinality(String)
		) ENGINE = MergeTree ORDER BY (run_id, symbol, exit_ts)`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.optimization_results (
			run_id String,
			symbol String,
			rank UInt32,
			params String,
			train_sharpe Float64,
			test_sharpe Float64,
			test_return_pct Float64,
			overfit_ratio Float64,
			created_at DateTime64(3)
		) ENGINE = MergeTree ORDER BY (run_id, rank)`, db),
	}
}

// CHResultStore records finished runs in ClickHouse for later analysis.
type CHResultStore struct {
	db       *sql.DB
	database string
	l        *applogger.Logger
}

var _ domrepo.ResultPublisher = (*CHResultStore)(nil)

func NewCHResultStore(ch *pkgch.Client) *CHResultStore {
	return &CHResultStore{db: ch.DB(), database: ch.Database()}
}

// SetLogger injects a structured logger.
func (s *CHResultStore) SetLogger(l *applogger.Logger) { s.l = l }

func (s *CHResultStore) PublishBacktest(ctx context.Context, res *models.BacktestResult) error {
	if err := s.insertRun(ctx, res.RunID, "backtest", []string{res.Symbol}, res.Start, res.End, res.Metrics, res.Params); err != nil {
		return err
	}
	return s.StoreTrades(ctx, res.RunID, res.Trades)
}

func (s *CHResultStore) PublishPortfolio(ctx context.Context, res *models.PortfolioResult) error {
	params := map[string]interface{}{
		"allocation_strategy": res.Allocation,
		"rebalance_frequency": res.Rebalance,
	}
	if err := s.insertRun(ctx, res.RunID, "portfolio", res.Symbols, res.Start, res.End, res.Metrics, params); err != nil {
		return err
	}
	return s.StoreTrades(ctx, res.RunID, res.Trades)
}

func (s *CHResultStore) PublishOptimization(ctx context.Context, runID, symbol string, results []models.OptimizationResult) error {
	if len(results) == 0 {
		return nil
	}
	now := time.Now().UTC()
	values := make([]string, 0, len(results))
	args := make([]interface{}, 0, len(results)*9)
	for _, r := range results {
		params, err := json.Marshal(r.Params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, runID, symbol, uint32(r.Rank), string(params),
			r.Train.SharpeRatio, r.Test.SharpeRatio, r.Test.TotalReturnPct, r.OverfitRatio, now)
	}
	q := fmt.Sprintf(`INSERT INTO %s.optimization_results
		(run_id, symbol, rank, params, train_sharpe, test_sharpe, test_return_pct, overfit_ratio, created_at) VALUES %s`,
		s.database, strings.Join(values, ","))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		s.logError("clickhouse insert optimization error", runID, err)
		return fmt.Errorf("insert optimization: %w", err)
	}
	return nil
}

// PublishProgress is not persisted.
func (s *CHResultStore) PublishProgress(context.Context, models.OptimizationProgress) error {
	return nil
}

// StoreTrades inserts trades in chunks of multi-row VALUES to keep round-trips low.
func (s *CHResultStore) StoreTrades(ctx context.Context, runID string, trades []models.ClosedTrade) error {
	start := time.Now()
	for lo := 0; lo < len(trades); lo += tradeChunkSize {
		hi := lo + tradeChunkSize
		if hi > len(trades) {
			hi = len(trades)
		}
		q, args := buildTradeInsert(s.database, runID, trades[lo:hi])
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.logError("clickhouse insert trades error", runID, err)
			return fmt.Errorf("insert trades: %w", err)
		}
	}
	if s.l != nil {
		s.l.Debug("clickhouse trades stored",
			applogger.String("run_id", runID),
			applogger.Int("rows", len(trades)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return nil
}

// Trades returns the stored trades of a run ordered by exit time.
func (s *CHResultStore) Trades(ctx context.Context, runID string) ([]models.ClosedTrade, error) {
	q := fmt.Sprintf(`SELECT symbol, side, entry_ts, entry_price, exit_ts, exit_price, quantity,
		gross_pnl, commission, slippage, holding_days, exit_reason
		FROM %s.backtest_trades WHERE run_id = ? ORDER BY exit_ts, symbol`, s.database)
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []models.ClosedTrade
	for rows.Next() {
		var (
			t            models.ClosedTrade
			side, reason string
			holding      uint32
		)
		if err := rows.Scan(&t.Symbol, &side, &t.EntryTime, &t.EntryPrice, &t.ExitTime, &t.ExitPrice, &t.Quantity,
			&t.GrossPnL, &t.CommissionPaid, &t.SlippageCost, &holding, &reason); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = models.Side(side)
		t.ExitReason = models.ExitReason(reason)
		t.HoldingDays = int(holding)
		t.EntryTime, t.ExitTime = t.EntryTime.UTC(), t.ExitTime.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *CHResultStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the pool is owned by pkg/clickhouse.Client.
func (s *CHResultStore) Close() error { return nil }

func (s *CHResultStore) insertRun(ctx context.Context, runID, kind string, symbols []string, from, to time.Time, m models.Metrics, params interface{}) error {
	mj, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	pj, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s.backtest_runs
		(run_id, kind, symbols, start_date, end_date, metrics, params, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.database)
	if _, err := s.db.ExecContext(ctx, q, runID, kind, symbols, from, to, string(mj), string(pj), time.Now().UTC()); err != nil {
		s.logError("clickhouse insert run error", runID, err)
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func buildTradeInsert(database, runID string, trades []models.ClosedTrade) (string, []interface{}) {
	values := make([]string, 0, len(trades))
	args := make([]interface{}, 0, len(trades)*13)
	for _, t := range trades {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			runID,
			t.Symbol,
			string(t.Side),
			t.EntryTime,
			t.EntryPrice,
			t.ExitTime,
			t.ExitPrice,
			t.Quantity,
			t.GrossPnL,
			t.CommissionPaid,
			t.SlippageCost,
			uint32(t.HoldingDays),
			string(t.ExitReason),
		)
	}
	q := fmt.Sprintf(`INSERT INTO %s.backtest_trades
		(run_id, symbol, side, entry_ts, entry_price, exit_ts, exit_price, quantity, gross_pnl, commission, slippage, holding_days, exit_reason) VALUES %s`,
		database, strings.Join(values, ","))
	return q, args
}

func (s *CHResultStore) logError(msg, runID string, err error) {
	if s.l == nil {
		return
	}
	s.l.Error(msg,
		applogger.String("run_id", runID),
		applogger.String("database", s.database),
		applogger.Error(err),
	)
}
