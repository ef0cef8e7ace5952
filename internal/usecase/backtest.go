package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	domsvc "FinBacktest/internal/domain/service"
	"FinBacktest/internal/services/prediction"
	"FinBacktest/internal/services/simulator"
	"FinBacktest/internal/services/strategy"
	applogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/util"
)

// BacktestRequest describes one single-symbol run.
type BacktestRequest struct {
	RunID    string                `json:"run_id,omitempty"`
	Symbol   string                `json:"symbol"`
	Start    time.Time             `json:"start"`
	End      time.Time             `json:"end"`
	Interval models.Interval       `json:"interval,omitempty"`
	Params   models.BacktestParams `json:"params"`
}

// StrategyFactory builds a fresh strategy for one run.
type StrategyFactory func(p models.BacktestParams) (domsvc.Strategy, error)

// DefaultStrategyFactory uses the built-in strategies without an external model service.
func DefaultStrategyFactory(opts strategy.Options) StrategyFactory {
	return func(p models.BacktestParams) (domsvc.Strategy, error) {
		o := opts
		if len(p.EnsembleWeights) > 0 {
			o.Weights = p.EnsembleWeights
		}
		return strategy.New(p.ModelType, o)
	}
}

// BacktestRunnerOption configures BacktestRunner.
type BacktestRunnerOption func(*BacktestRunner)

// WithPublisher ships finished runs downstream. Publish failures are logged, not returned.
func WithPublisher(p domrepo.ResultPublisher) BacktestRunnerOption {
	return func(r *BacktestRunner) { r.pub = p }
}

// WithRunnerMetrics records run durations and failures by stage.
func WithRunnerMetrics(m domrepo.Metrics) BacktestRunnerOption {
	return func(r *BacktestRunner) { r.m = m }
}

// WithRetryPolicy overrides the data-load retry policy.
func WithRetryPolicy(p RetryPolicy) BacktestRunnerOption {
	return func(r *BacktestRunner) { r.retry = p }
}

// BacktestRunner wires loader, prediction engine and simulator for single-symbol runs.
type BacktestRunner struct {
	loader   *DataLoader
	strategy StrategyFactory
	pub      domrepo.ResultPublisher
	m        domrepo.Metrics
	retry    RetryPolicy
	l        *applogger.Logger
}

func NewBacktestRunner(loader *DataLoader, factory StrategyFactory, opts ...BacktestRunnerOption) *BacktestRunner {
	if factory == nil {
		factory = DefaultStrategyFactory(strategy.Options{})
	}
	r := &BacktestRunner{loader: loader, strategy: factory, retry: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLogger injects a structured logger.
func (r *BacktestRunner) SetLogger(l *applogger.Logger) { r.l = l }

// Run loads data (with lookback warm-up), walks forward, simulates and scores one symbol.
func (r *BacktestRunner) Run(ctx context.Context, req BacktestRequest) (*models.BacktestResult, error) {
	t0 := time.Now()
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := req.Params.Validate(); err != nil {
		return nil, r.fail(models.StageData, req.Symbol, time.Time{}, err)
	}
	if req.End.Before(req.Start) {
		return nil, r.fail(models.StageData, req.Symbol, time.Time{},
			models.NewConfigError("end", "%s is before start %s", util.FormatDay(req.End), util.FormatDay(req.Start)))
	}

	load, err := r.loader.LoadWithRetry(ctx, req.Symbol, WarmupStart(req.Start, req.Params.LookbackDays), req.End, req.Interval, r.retry)
	if err != nil {
		return nil, r.fail(models.StageData, req.Symbol, time.Time{}, err)
	}

	res, err := r.RunOnBars(ctx, req.Symbol, load.Bars, req.Start, req.End, req.Params)
	if err != nil {
		return nil, r.fail("", req.Symbol, time.Time{}, err)
	}
	res.RunID = req.RunID
	if res.RunID == "" {
		res.RunID = uuid.NewString()
	}
	res.Report = &load.Report

	if r.m != nil {
		r.m.RecordBacktest("single", time.Since(t0).Seconds())
	}
	if r.l != nil {
		r.l.Info("backtest done",
			applogger.String("run_id", res.RunID),
			applogger.String("symbol", res.Symbol),
			applogger.Int("signals", res.Signals),
			applogger.Int("trades", res.Metrics.TotalTrades),
			applogger.Float64("total_return_pct", res.Metrics.TotalReturnPct),
			applogger.Float64("sharpe", res.Metrics.SharpeRatio),
			applogger.Duration("duration_ms", time.Since(t0)),
		)
	}
	if r.pub != nil {
		if err := r.pub.PublishBacktest(ctx, res); err != nil && r.l != nil {
			r.l.Warn("publish backtest failed", applogger.String("run_id", res.RunID), applogger.Error(err))
		}
	}
	return res, nil
}

// RunOnBars is the pure core: no I/O, fresh engine and simulator per call. bars may include
// warm-up history before start; trading happens only on bars within [start, end].
func (r *BacktestRunner) RunOnBars(ctx context.Context, symbol string, bars []models.PriceBar, start, end time.Time, p models.BacktestParams) (*models.BacktestResult, error) {
	strat, err := r.strategy(p)
	if err != nil {
		return nil, models.WrapStage(models.StagePrediction, symbol, time.Time{}, err)
	}
	engine := prediction.NewEngine(strat, prediction.ConfigFromParams(p))
	preds, err := engine.WalkForward(ctx, symbol, bars, start, end)
	if err != nil {
		return nil, models.WrapStage(models.StagePrediction, symbol, time.Time{}, err)
	}

	sim := simulator.New(simulator.ConfigFromParams(p))
	signals, err := Simulate(sim, symbol, bars, start, end, preds)
	if err != nil {
		return nil, err
	}

	return &models.BacktestResult{
		Symbol:      symbol,
		Start:       start,
		End:         end,
		Params:      p,
		Signals:     signals,
		Trades:      sim.ClosedTrades(),
		EquityCurve: sim.EquityCurve(),
		Metrics:     sim.Metrics(),
	}, nil
}

// Simulate replays bars in [start, end] through sim: risk overlays first, then the bar's
// prediction filled at the open, then a mark at the close. Open positions are closed on the
// last bar. It returns the number of non-HOLD signals.
func Simulate(sim *simulator.Simulator, symbol string, bars []models.PriceBar, start, end time.Time, preds []models.Prediction) (int, error) {
	i, j := models.RangeIndex(bars, start, end)
	if i >= j {
		return 0, &models.StageError{Stage: models.StageSimulation, Symbol: symbol,
			Err: &models.InvariantViolation{Reason: "no bars in simulation range"}}
	}

	signals, next := 0, 0
	for k := i; k < j; k++ {
		bar := bars[k]
		ts := bar.Timestamp
		if _, err := sim.ApplyRiskOverlays(ts, symbol, bar); err != nil {
			return 0, models.WrapStage(models.StageSimulation, symbol, ts, err)
		}
		for next < len(preds) && preds[next].Timestamp.Before(ts) {
			next++
		}
		if next < len(preds) && preds[next].Timestamp.Equal(ts) {
			pr := preds[next]
			if pr.Direction != models.Hold {
				signals++
				if err := sim.ExecuteSignal(ts, symbol, pr.Direction, bar.Open, pr.Confidence); err != nil {
					return 0, models.WrapStage(models.StageSimulation, symbol, ts, err)
				}
			}
		}
		if err := sim.MarkToMarket(ts, map[string]float64{symbol: bar.Close}); err != nil {
			return 0, models.WrapStage(models.StageSimulation, symbol, ts, err)
		}
	}

	last := bars[j-1]
	closing := map[string]float64{symbol: last.Close}
	if err := sim.CloseAll(last.Timestamp, closing, models.ExitEndOfPeriod); err != nil {
		return 0, models.WrapStage(models.StageSimulation, symbol, last.Timestamp, err)
	}
	if err := sim.MarkToMarket(last.Timestamp, closing); err != nil {
		return 0, models.WrapStage(models.StageSimulation, symbol, last.Timestamp, err)
	}
	return signals, nil
}

// WarmupStart returns a calendar date far enough before start to cover lookback trading days.
func WarmupStart(start time.Time, lookback int) time.Time {
	if lookback <= 0 {
		return start
	}
	// 7/5 weekday ratio plus slack for holidays
	return util.Day(start).AddDate(0, 0, -(lookback*7/5 + 10))
}

func (r *BacktestRunner) fail(stage models.Stage, symbol string, date time.Time, err error) error {
	if stage != "" {
		err = models.WrapStage(stage, symbol, date, err)
	}
	var se *models.StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	if stage == "" {
		stage = models.StageSimulation
	}
	if r.m != nil {
		r.m.RecordError(string(stage))
	}
	if r.l != nil {
		r.l.Error("backtest failed", applogger.String("symbol", symbol), applogger.Error(err))
	}
	return fmt.Errorf("backtest %s: %w", symbol, err)
}
