package repository

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	applogger "FinBacktest/pkg/logger"
)

const (
	moneyPlaces = 2
	pricePlaces = 4
)

var tradeHeader = []string{
	"symbol", "side", "entry_time", "entry_price", "exit_time", "exit_price", "quantity",
	"gross_pnl", "commission", "slippage", "holding_days", "exit_reason",
}

// WriteTradesCSV writes one row per closed trade.
func WriteTradesCSV(w io.Writer, trades []models.ClosedTrade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeHeader); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.Symbol,
			string(t.Side),
			t.EntryTime.UTC().Format(time.RFC3339),
			fixed(t.EntryPrice, pricePlaces),
			t.ExitTime.UTC().Format(time.RFC3339),
			fixed(t.ExitPrice, pricePlaces),
			fixed(t.Quantity, pricePlaces),
			fixed(t.GrossPnL, moneyPlaces),
			fixed(t.CommissionPaid, moneyPlaces),
			fixed(t.SlippageCost, moneyPlaces),
			strconv.Itoa(t.HoldingDays),
			string(t.ExitReason),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEquityCSV writes the equity curve as timestamp,equity,cash.
func WriteEquityCSV(w io.Writer, curve []models.EquityPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "equity", "cash"}); err != nil {
		return err
	}
	for _, p := range curve {
		if err := cw.Write([]string{
			p.Timestamp.UTC().Format(time.RFC3339),
			fixed(p.Equity, moneyPlaces),
			fixed(p.Cash, moneyPlaces),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteOptimizationCSV writes the ranked candidates with their parameter set as JSON.
func WriteOptimizationCSV(w io.Writer, results []models.OptimizationResult) error {
	cw := csv.NewWriter(w)
	header := []string{"rank", "params", "train_sharpe", "test_sharpe", "train_return_pct", "test_return_pct", "overfit_ratio"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range results {
		params, err := json.Marshal(r.Params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		if err := cw.Write([]string{
			strconv.Itoa(r.Rank),
			string(params),
			fixed(r.Train.SharpeRatio, pricePlaces),
			fixed(r.Test.SharpeRatio, pricePlaces),
			fixed(r.Train.TotalReturnPct, moneyPlaces),
			fixed(r.Test.TotalReturnPct, moneyPlaces),
			fixed(r.OverfitRatio, pricePlaces),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteMetricsJSON writes the metrics document.
func WriteMetricsJSON(w io.Writer, m models.Metrics) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

func fixed(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}

// FileExporter writes run artifacts under <dir>/<run_id>/.
type FileExporter struct {
	dir string
	l   *applogger.Logger
}

var _ domrepo.ResultPublisher = (*FileExporter)(nil)

func NewFileExporter(dir string) *FileExporter {
	return &FileExporter{dir: dir}
}

// SetLogger injects a structured logger.
func (e *FileExporter) SetLogger(l *applogger.Logger) { e.l = l }

// Export writes trades.csv, equity.csv and metrics.json and returns the run directory.
func (e *FileExporter) Export(res *models.BacktestResult) (string, error) {
	dir, err := e.runDir(res.RunID)
	if err != nil {
		return "", err
	}
	if err := e.writeRun(dir, res.Trades, res.EquityCurve, res.Metrics); err != nil {
		return "", err
	}
	e.logExport("backtest", res.RunID, dir)
	return dir, nil
}

// ExportPortfolio writes the run files plus portfolio.json with the allocation and
// diversification summary.
func (e *FileExporter) ExportPortfolio(res *models.PortfolioResult) (string, error) {
	dir, err := e.runDir(res.RunID)
	if err != nil {
		return "", err
	}
	if err := e.writeRun(dir, res.Trades, res.EquityCurve, res.Metrics); err != nil {
		return "", err
	}
	summary := *res
	summary.Trades, summary.EquityCurve = nil, nil
	if err := writeFile(filepath.Join(dir, "portfolio.json"), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}); err != nil {
		return "", err
	}
	e.logExport("portfolio", res.RunID, dir)
	return dir, nil
}

// ExportOptimization writes optimization.csv for a ranked search.
func (e *FileExporter) ExportOptimization(runID string, results []models.OptimizationResult) (string, error) {
	dir, err := e.runDir(runID)
	if err != nil {
		return "", err
	}
	if err := writeFile(filepath.Join(dir, "optimization.csv"), func(w io.Writer) error {
		return WriteOptimizationCSV(w, results)
	}); err != nil {
		return "", err
	}
	e.logExport("optimization", runID, dir)
	return dir, nil
}

func (e *FileExporter) PublishBacktest(_ context.Context, res *models.BacktestResult) error {
	_, err := e.Export(res)
	return err
}

func (e *FileExporter) PublishOptimization(_ context.Context, runID, _ string, results []models.OptimizationResult) error {
	_, err := e.ExportOptimization(runID, results)
	return err
}

func (e *FileExporter) PublishPortfolio(_ context.Context, res *models.PortfolioResult) error {
	_, err := e.ExportPortfolio(res)
	return err
}

func (e *FileExporter) PublishProgress(context.Context, models.OptimizationProgress) error {
	return nil
}

func (e *FileExporter) Close() error { return nil }

func (e *FileExporter) runDir(runID string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("export: empty run id")
	}
	dir := filepath.Join(e.dir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export mkdir: %w", err)
	}
	return dir, nil
}

func (e *FileExporter) writeRun(dir string, trades []models.ClosedTrade, curve []models.EquityPoint, m models.Metrics) error {
	if err := writeFile(filepath.Join(dir, "trades.csv"), func(w io.Writer) error {
		return WriteTradesCSV(w, trades)
	}); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, "equity.csv"), func(w io.Writer) error {
		return WriteEquityCSV(w, curve)
	}); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, "metrics.json"), func(w io.Writer) error {
		return WriteMetricsJSON(w, m)
	})
}

func (e *FileExporter) logExport(kind, runID, dir string) {
	if e.l == nil {
		return
	}
	e.l.Info("run exported",
		applogger.String("kind", kind),
		applogger.String("run_id", runID),
		applogger.String("dir", dir),
	)
}

// writeFile writes to a temp file and renames it into place.
func writeFile(path string, fill func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("export create %s: %w", filepath.Base(path), err)
	}
	if err := fill(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("export write %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("export close %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}
