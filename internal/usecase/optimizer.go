package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	applogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/queue"
	"FinBacktest/pkg/util"
)

// Search methods.
const (
	MethodGrid   = "grid"
	MethodRandom = "random"
)

// Optimizer defaults.
const (
	DefaultTrainRatio      = 0.75
	DefaultMaxCombinations = 200
	DefaultSamples         = 20
)

// ParamRange is a closed sampling interval for random search.
type ParamRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// OptimizeRequest describes one parameter search over a single symbol.
type OptimizeRequest struct {
	RunID           string                `json:"run_id,omitempty"`
	Symbol          string                `json:"symbol"`
	Start           time.Time             `json:"start"`
	End             time.Time             `json:"end"`
	Interval        models.Interval       `json:"interval,omitempty"`
	Base            models.BacktestParams `json:"base"`
	Method          string                `json:"method"`
	Grid            map[string][]float64  `json:"grid,omitempty"`
	Ranges          map[string]ParamRange `json:"ranges,omitempty"`
	Samples         int                   `json:"samples,omitempty"`
	Seed            int64                 `json:"seed,omitempty"`
	Workers         int                   `json:"workers,omitempty"`
	MaxCombinations int                   `json:"max_combinations,omitempty"`
	TrainRatio      float64               `json:"train_ratio,omitempty"`
}

// DefaultGrid keeps the search in the tens of combinations. Confidence threshold, stop-loss and
// take-profit stay at their defaults unless the caller widens the grid.
func DefaultGrid() map[string][]float64 {
	return map[string][]float64{
		"lookback_days":     {30, 60, 90},
		"position_size_max": {0.10, 0.20},
		"embargo_days":      {0, 2},
	}
}

// ProgressFunc observes completed combinations. Calls are serialized.
type ProgressFunc func(models.OptimizationProgress)

// OptimizerOption configures Optimizer.
type OptimizerOption func(*Optimizer)

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) OptimizerOption {
	return func(o *Optimizer) { o.progress = fn }
}

// WithOptimizerPublisher ships progress events and the ranked list downstream.
func WithOptimizerPublisher(p domrepo.ResultPublisher) OptimizerOption {
	return func(o *Optimizer) { o.pub = p }
}

// WithOptimizerMetrics exports progress as a gauge.
func WithOptimizerMetrics(m domrepo.Metrics) OptimizerOption {
	return func(o *Optimizer) { o.m = m }
}

// WithDefaultWorkers sets the pool size used when a request does not name one.
func WithDefaultWorkers(n int) OptimizerOption {
	return func(o *Optimizer) { o.workers = n }
}

// Optimizer searches parameter sets on a train window and ranks them by test-window Sharpe.
type Optimizer struct {
	runner   *BacktestRunner
	progress ProgressFunc
	pub      domrepo.ResultPublisher
	m        domrepo.Metrics
	workers  int
	l        *applogger.Logger
}

func NewOptimizer(runner *BacktestRunner, opts ...OptimizerOption) *Optimizer {
	o := &Optimizer{runner: runner, workers: 4}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetLogger injects a structured logger.
func (o *Optimizer) SetLogger(l *applogger.Logger) { o.l = l }

// Optimize validates the search, loads data once, evaluates every candidate concurrently and
// returns them ranked by test Sharpe (stable on ties). Identical inputs give identical output.
func (o *Optimizer) Optimize(ctx context.Context, req OptimizeRequest) ([]models.OptimizationResult, error) {
	t0 := time.Now()
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	candidates, params, err := o.plan(&req)
	if err != nil {
		return nil, o.fail(req.Symbol, err)
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	maxLookback := 0
	for _, p := range params {
		if p.LookbackDays > maxLookback {
			maxLookback = p.LookbackDays
		}
	}
	load, err := o.runner.loader.LoadWithRetry(ctx, req.Symbol, WarmupStart(req.Start, maxLookback), req.End, req.Interval, o.runner.retry)
	if err != nil {
		return nil, o.fail(req.Symbol, models.WrapStage(models.StageData, req.Symbol, time.Time{}, err))
	}
	trainStart, trainEnd, testStart, testEnd, err := SplitWindow(req.Symbol, load.Bars, req.Start, req.End, req.TrainRatio)
	if err != nil {
		return nil, o.fail(req.Symbol, models.WrapStage(models.StageOptimization, req.Symbol, time.Time{}, err))
	}
	if o.l != nil {
		o.l.Info("optimization started",
			applogger.String("run_id", req.RunID),
			applogger.String("symbol", req.Symbol),
			applogger.String("method", req.Method),
			applogger.Int("combinations", len(candidates)),
			applogger.Date("train_start", trainStart),
			applogger.Date("test_start", testStart),
		)
	}

	results := make([]models.OptimizationResult, len(candidates))
	var (
		mu        sync.Mutex
		completed int
	)
	pool := queue.NewPool(&queue.QueueConfig{Workers: req.Workers}, o.l)
	err = pool.Run(ctx, len(candidates), func(ctx context.Context, i int) error {
		train, err := o.runner.RunOnBars(ctx, req.Symbol, load.Bars, trainStart, trainEnd, params[i])
		if err != nil {
			return err
		}
		test, err := o.runner.RunOnBars(ctx, req.Symbol, load.Bars, testStart, testEnd, params[i])
		if err != nil {
			return err
		}
		results[i] = models.OptimizationResult{
			Params:       candidates[i],
			Train:        train.Metrics,
			Test:         test.Metrics,
			OverfitRatio: OverfitRatio(train.Metrics.SharpeRatio, test.Metrics.SharpeRatio),
		}

		mu.Lock()
		completed++
		o.report(ctx, models.OptimizationProgress{RunID: req.RunID, Symbol: req.Symbol, Completed: completed, Total: len(candidates)})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, o.fail(req.Symbol, models.WrapStage(models.StageOptimization, req.Symbol, time.Time{}, err))
	}

	Rank(results)
	if o.m != nil {
		o.m.RecordBacktest("optimize", time.Since(t0).Seconds())
	}
	if o.l != nil {
		o.l.Info("optimization done",
			applogger.String("run_id", req.RunID),
			applogger.String("best", results[0].Params.String()),
			applogger.Float64("best_test_sharpe", results[0].Test.SharpeRatio),
			applogger.Duration("duration_ms", time.Since(t0)),
		)
	}
	if o.pub != nil {
		if err := o.pub.PublishOptimization(ctx, req.RunID, req.Symbol, results); err != nil && o.l != nil {
			o.l.Warn("publish optimization failed", applogger.String("run_id", req.RunID), applogger.Error(err))
		}
	}
	return results, nil
}

// plan validates the request and expands candidates. Every failure is a ConfigError and happens
// before any data is loaded.
func (o *Optimizer) plan(req *OptimizeRequest) ([]models.ParamSet, []models.BacktestParams, error) {
	if req.Symbol == "" {
		return nil, nil, models.NewConfigError("symbol", "required")
	}
	if !req.End.After(req.Start) {
		return nil, nil, models.NewConfigError("end", "must be after start")
	}
	if req.Method == "" {
		req.Method = MethodGrid
	}
	if req.TrainRatio == 0 {
		req.TrainRatio = DefaultTrainRatio
	}
	if req.TrainRatio <= 0 || req.TrainRatio >= 1 {
		return nil, nil, models.NewConfigError("train_ratio", "must be in (0,1), got %g", req.TrainRatio)
	}
	if req.MaxCombinations <= 0 {
		req.MaxCombinations = DefaultMaxCombinations
	}
	if req.Workers <= 0 {
		req.Workers = o.workers
	}
	if req.Base.ModelType == "" {
		req.Base = models.DefaultBacktestParams()
	}

	var (
		candidates []models.ParamSet
		err        error
	)
	switch req.Method {
	case MethodGrid:
		if req.Grid == nil {
			req.Grid = DefaultGrid()
		}
		candidates, err = ExpandGrid(req.Grid, req.MaxCombinations)
	case MethodRandom:
		if req.Samples <= 0 {
			req.Samples = DefaultSamples
		}
		candidates, err = SampleRanges(req.Ranges, req.Samples, req.Seed, req.MaxCombinations)
	default:
		return nil, nil, models.NewConfigError("method", "must be grid or random, got %q", req.Method)
	}
	if err != nil {
		return nil, nil, err
	}

	params := make([]models.BacktestParams, len(candidates))
	for i, c := range candidates {
		p, err := req.Base.Apply(c)
		if err != nil {
			return nil, nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, nil, fmt.Errorf("candidate %s: %w", c, err)
		}
		params[i] = p
	}
	return candidates, params, nil
}

// ExpandGrid returns the cartesian product of grid in sorted key order, last key varying fastest.
func ExpandGrid(grid map[string][]float64, maxCombinations int) ([]models.ParamSet, error) {
	if len(grid) == 0 {
		return nil, models.NewConfigError("grid", "must name at least one parameter")
	}
	keys := make([]string, 0, len(grid))
	total := 1
	for k, vals := range grid {
		if !models.IsTunable(k) {
			return nil, models.NewConfigError("grid."+k, "unknown parameter")
		}
		if len(vals) == 0 {
			return nil, models.NewConfigError("grid."+k, "must list at least one value")
		}
		for _, v := range vals {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, models.NewConfigError("grid."+k, "values must be finite")
			}
		}
		keys = append(keys, k)
		total *= len(vals)
		if total > maxCombinations {
			return nil, models.NewConfigError("grid", "more than %d combinations", maxCombinations)
		}
	}
	sort.Strings(keys)

	out := make([]models.ParamSet, 0, total)
	idx := make([]int, len(keys))
	for {
		ps := make(models.ParamSet, len(keys))
		for i, k := range keys {
			ps[k] = grid[k][idx[i]]
		}
		out = append(out, ps)

		i := len(keys) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(grid[keys[i]]) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return out, nil
		}
	}
}

// integerParams are rounded after sampling.
var integerParams = map[string]bool{"lookback_days": true, "embargo_days": true}

// SampleRanges draws n points uniformly from ranges with a seeded generator.
func SampleRanges(ranges map[string]ParamRange, n int, seed int64, maxCombinations int) ([]models.ParamSet, error) {
	if len(ranges) == 0 {
		return nil, models.NewConfigError("ranges", "must name at least one parameter")
	}
	if n > maxCombinations {
		return nil, models.NewConfigError("samples", "more than %d combinations", maxCombinations)
	}
	keys := make([]string, 0, len(ranges))
	for k, r := range ranges {
		if !models.IsTunable(k) {
			return nil, models.NewConfigError("ranges."+k, "unknown parameter")
		}
		if math.IsNaN(r.Min) || math.IsNaN(r.Max) || r.Min > r.Max {
			return nil, models.NewConfigError("ranges."+k, "min %g must not exceed max %g", r.Min, r.Max)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rng := rand.New(rand.NewSource(seed))
	out := make([]models.ParamSet, n)
	for i := range out {
		ps := make(models.ParamSet, len(keys))
		for _, k := range keys {
			r := ranges[k]
			v := r.Min + rng.Float64()*(r.Max-r.Min)
			if integerParams[k] {
				v = math.Round(v)
			}
			ps[k] = v
		}
		out[i] = ps
	}
	return out, nil
}

// SplitWindow cuts the bars inside [start, end] by count into train and test windows.
func SplitWindow(symbol string, bars []models.PriceBar, start, end time.Time, ratio float64) (trainStart, trainEnd, testStart, testEnd time.Time, err error) {
	i, j := models.RangeIndex(bars, start, end)
	n := j - i
	cut := i + int(float64(n)*ratio)
	if n < 2 || cut <= i || cut >= j {
		err = &models.InsufficientDataError{Symbol: symbol, Report: models.ValidationReport{ExpectedDays: util.TradingDays(start, end), MissingDayCount: util.TradingDays(start, end) - n}}
		return
	}
	return bars[i].Timestamp, bars[cut-1].Timestamp, bars[cut].Timestamp, bars[j-1].Timestamp, nil
}

// OverfitRatio is train over test Sharpe, 0 when the test Sharpe is 0.
func OverfitRatio(train, test float64) float64 {
	if test == 0 {
		return 0
	}
	return train / test
}

// Rank sorts by test Sharpe descending, keeping input order on ties, and assigns 1-based ranks.
func Rank(results []models.OptimizationResult) {
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Test.SharpeRatio > results[b].Test.SharpeRatio
	})
	for i := range results {
		results[i].Rank = i + 1
	}
}

func (o *Optimizer) report(ctx context.Context, p models.OptimizationProgress) {
	if o.progress != nil {
		o.progress(p)
	}
	if o.m != nil {
		o.m.RecordOptimizerProgress(p.Symbol, p.Completed, p.Total)
	}
	if o.pub != nil {
		if err := o.pub.PublishProgress(ctx, p); err != nil && o.l != nil {
			o.l.Warn("publish progress failed", applogger.String("run_id", p.RunID), applogger.Error(err))
		}
	}
}

func (o *Optimizer) fail(symbol string, err error) error {
	stage := models.StageOptimization
	var se *models.StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	if o.m != nil {
		o.m.RecordError(string(stage))
	}
	if o.l != nil {
		o.l.Error("optimization failed", applogger.String("symbol", symbol), applogger.Error(err))
	}
	return fmt.Errorf("optimize %s: %w", symbol, models.WrapStage(stage, symbol, time.Time{}, err))
}
