package repository

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"FinBacktest/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrades() []models.ClosedTrade {
	return []models.ClosedTrade{
		{
			Symbol: "AAPL", Side: models.Long,
			EntryTime: day("2023-01-03"), EntryPrice: 125.07,
			ExitTime: day("2023-01-10"), ExitPrice: 130.73,
			Quantity: 15.9, GrossPnL: 86.123456, CommissionPaid: 4.0674, SlippageCost: 1.0168,
			HoldingDays: 5, ExitReason: models.ExitSignal,
		},
		{
			Symbol: "AAPL", Side: models.Short,
			EntryTime: day("2023-02-01"), EntryPrice: 145.43,
			ExitTime: day("2023-02-02"), ExitPrice: 150.82,
			Quantity: -10, GrossPnL: -56.9, CommissionPaid: 2.96, SlippageCost: 0.74,
			HoldingDays: 1, ExitReason: models.ExitStopLoss,
		},
	}
}

func sampleResult() *models.BacktestResult {
	return &models.BacktestResult{
		RunID:  "run-1",
		Symbol: "AAPL",
		Start:  day("2023-01-01"),
		End:    day("2023-12-31"),
		Params: models.DefaultBacktestParams(),
		Trades: sampleTrades(),
		EquityCurve: []models.EquityPoint{
			{Timestamp: day("2023-01-03"), Equity: 10000, Cash: 8000.005},
			{Timestamp: day("2023-01-04"), Equity: 10012.345, Cash: 8000.005},
		},
		Metrics: models.Metrics{TotalReturnPct: 0.29, SharpeRatio: 1.2, TotalTrades: 2, InitialCapital: 10000, FinalEquity: 10029.22},
	}
}

func TestWriteTradesCSVRoundsMoney(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTradesCSV(&buf, sampleTrades()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, tradeHeader, rows[0])
	assert.Equal(t, "2023-01-03T00:00:00Z", rows[1][2])
	assert.Equal(t, "125.0700", rows[1][3])
	assert.Equal(t, "86.12", rows[1][7])
	assert.Equal(t, "4.07", rows[1][8])
	assert.Equal(t, "-10.0000", rows[2][6])
	assert.Equal(t, "-56.90", rows[2][7])
	assert.Equal(t, "stop_loss", rows[2][11])
}

func TestWriteEquityCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEquityCSV(&buf, sampleResult().EquityCurve))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp,equity,cash", lines[0])
	assert.Equal(t, "2023-01-04T00:00:00Z,10012.35,8000.01", lines[2])
}

func TestWriteMetricsJSONKeys(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMetricsJSON(&buf, sampleResult().Metrics))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	for _, k := range []string{"total_return_pct", "sharpe_ratio", "sortino_ratio", "max_drawdown_pct", "win_rate", "profit_factor", "total_trades"} {
		assert.Contains(t, doc, k)
	}
}

func TestFileExporterWritesRunDir(t *testing.T) {
	dir := t.TempDir()
	exp := NewFileExporter(dir)

	runDir, err := exp.Export(sampleResult())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-1"), runDir)
	for _, f := range []string{"trades.csv", "equity.csv", "metrics.json"} {
		_, err := os.Stat(filepath.Join(runDir, f))
		assert.NoError(t, err, f)
	}
	_, err = os.Stat(filepath.Join(runDir, "trades.csv.tmp"))
	assert.True(t, os.IsNotExist(err))

	_, err = exp.Export(&models.BacktestResult{})
	assert.Error(t, err, "empty run id")
}

func TestFileExporterPortfolioAndOptimization(t *testing.T) {
	dir := t.TempDir()
	exp := NewFileExporter(dir)
	ctx := context.Background()

	pr := &models.PortfolioResult{
		RunID:       "p-1",
		Symbols:     []string{"A", "B"},
		Allocation:  models.AllocationEqual,
		Rebalance:   models.RebalanceMonthly,
		Correlation: [][]float64{{1, 0.5}, {0.5, 1}},
		Trades:      sampleTrades(),
	}
	require.NoError(t, exp.PublishPortfolio(ctx, pr))
	data, err := os.ReadFile(filepath.Join(dir, "p-1", "portfolio.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"correlation_matrix"`)
	assert.NotContains(t, string(data), `"exit_reason"`)

	results := []models.OptimizationResult{{Rank: 1, Params: models.ParamSet{"lookback_days": 60}, OverfitRatio: 1.5}}
	require.NoError(t, exp.PublishOptimization(ctx, "o-1", "AAPL", results))
	data, err = os.ReadFile(filepath.Join(dir, "o-1", "optimization.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"{""lookback_days"":60}"`)
}

type recordedEvent struct {
	topic, eventType, key string
	value                 interface{}
}

type fakeEvents struct {
	events []recordedEvent
	err    error
	closed bool
}

func (f *fakeEvents) Publish(_ context.Context, topic, eventType string, key []byte, value interface{}) error {
	f.events = append(f.events, recordedEvent{topic: topic, eventType: eventType, key: string(key), value: value})
	return f.err
}

func (f *fakeEvents) Close() error {
	f.closed = true
	return nil
}

func TestKafkaResultPublisherTopics(t *testing.T) {
	ev := &fakeEvents{}
	p := NewKafkaResultPublisher(ev, "results", "progress")
	ctx := context.Background()

	require.NoError(t, p.PublishBacktest(ctx, sampleResult()))
	require.NoError(t, p.PublishProgress(ctx, models.OptimizationProgress{RunID: "o-1", Completed: 1, Total: 4}))
	require.NoError(t, p.PublishPortfolio(ctx, &models.PortfolioResult{RunID: "p-1", EquityCurve: sampleResult().EquityCurve}))
	require.NoError(t, p.Close())

	require.Len(t, ev.events, 3)
	assert.Equal(t, recordedEvent{topic: "results", eventType: EventBacktestCompleted, key: "AAPL", value: ev.events[0].value}, ev.events[0])
	summary := ev.events[0].value.(BacktestSummary)
	assert.Equal(t, "2023-01-01", summary.Start)
	assert.Len(t, summary.Trades, 2)

	assert.Equal(t, "progress", ev.events[1].topic)
	assert.Equal(t, EventOptimizationProgress, ev.events[1].eventType)

	pr := ev.events[2].value.(models.PortfolioResult)
	assert.Nil(t, pr.EquityCurve)
	assert.True(t, ev.closed)
}

func TestMultiPublisherJoinsErrors(t *testing.T) {
	ok := &fakeEvents{}
	bad := &fakeEvents{err: errors.New("broker down")}
	m := MultiPublisher{
		NewKafkaResultPublisher(ok, "results", ""),
		nil,
		NewKafkaResultPublisher(bad, "results", ""),
	}

	err := m.PublishProgress(context.Background(), models.OptimizationProgress{RunID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, ok.events, 1, "a failing publisher does not stop the others")
	assert.Equal(t, "results", ok.events[0].topic)
}

func TestBuildTradeInsert(t *testing.T) {
	q, args := buildTradeInsert("finbacktest", "run-1", sampleTrades())

	assert.True(t, strings.HasPrefix(q, "INSERT INTO finbacktest.backtest_trades"))
	assert.Equal(t, 2, strings.Count(q, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"))
	require.Len(t, args, 26)
	assert.Equal(t, "run-1", args[0])
	assert.Equal(t, "SHORT", args[15])
	assert.Equal(t, uint32(1), args[24])
}
