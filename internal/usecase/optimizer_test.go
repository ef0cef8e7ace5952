package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FinBacktest/internal/domain/models"
	"FinBacktest/internal/services/strategy"
)

func newTestOptimizer(p *fakeProvider, opts ...OptimizerOption) *Optimizer {
	loader, _ := newTestLoader(p)
	runner := NewBacktestRunner(loader, DefaultStrategyFactory(strategy.Options{}), WithRetryPolicy(noRetry()))
	return NewOptimizer(runner, opts...)
}

func smallRequest() OptimizeRequest {
	return OptimizeRequest{
		Symbol: "AAPL",
		Start:  date("2022-01-01"),
		End:    date("2023-12-31"),
		Base:   models.DefaultBacktestParams(),
		Method: MethodGrid,
		Grid: map[string][]float64{
			"lookback_days": {40, 60},
			"embargo_days":  {0, 3},
		},
		Workers: 3,
	}
}

func TestOptimizeIsIdempotent(t *testing.T) {
	opt := newTestOptimizer(newFakeProvider())

	first, err := opt.Optimize(context.Background(), smallRequest())
	require.NoError(t, err)
	second, err := opt.Optimize(context.Background(), smallRequest())
	require.NoError(t, err)

	require.Len(t, first, 4)
	assert.Equal(t, first, second)
}

func TestOptimizeRanksByTestSharpe(t *testing.T) {
	var (
		mu     sync.Mutex
		events []models.OptimizationProgress
	)
	pub := &fakePublisher{}
	opt := newTestOptimizer(newFakeProvider(),
		WithOptimizerPublisher(pub),
		WithProgress(func(p models.OptimizationProgress) {
			mu.Lock()
			events = append(events, p)
			mu.Unlock()
		}),
	)

	res, err := opt.Optimize(context.Background(), smallRequest())
	require.NoError(t, err)

	for i, r := range res {
		assert.Equal(t, i+1, r.Rank)
		if i > 0 {
			assert.GreaterOrEqual(t, res[i-1].Test.SharpeRatio, r.Test.SharpeRatio)
		}
		assert.Equal(t, OverfitRatio(r.Train.SharpeRatio, r.Test.SharpeRatio), r.OverfitRatio)
	}

	require.Len(t, events, 4)
	last := events[len(events)-1]
	assert.Equal(t, 4, last.Completed)
	assert.Equal(t, 4, last.Total)
	assert.Len(t, pub.progress, 4)
	assert.Equal(t, 1, pub.optimized)
}

func TestOptimizeConfigErrorsBeforeLoad(t *testing.T) {
	cases := map[string]func(r *OptimizeRequest){
		"unknown param": func(r *OptimizeRequest) { r.Grid = map[string][]float64{"leverage": {1, 2}} },
		"empty values":  func(r *OptimizeRequest) { r.Grid = map[string][]float64{"lookback_days": {}} },
		"empty grid":    func(r *OptimizeRequest) { r.Grid = map[string][]float64{} },
		"too many":      func(r *OptimizeRequest) { r.MaxCombinations = 3 },
		"bad method":    func(r *OptimizeRequest) { r.Method = "anneal" },
		"bad ratio":     func(r *OptimizeRequest) { r.TrainRatio = 1.5 },
		"bad range": func(r *OptimizeRequest) {
			r.Method = MethodRandom
			r.Ranges = map[string]ParamRange{"stop_loss_pct": {Min: 0.1, Max: 0.01}}
		},
		"invalid candidate": func(r *OptimizeRequest) {
			r.Grid = map[string][]float64{"position_size_min": {0.5}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := newFakeProvider()
			opt := newTestOptimizer(p)
			req := smallRequest()
			mutate(&req)

			_, err := opt.Optimize(context.Background(), req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrConfig), "got %v", err)
			assert.Empty(t, p.Calls())
		})
	}
}

func TestExpandGridOrder(t *testing.T) {
	got, err := ExpandGrid(map[string][]float64{
		"lookback_days": {30, 60},
		"embargo_days":  {0, 1, 2},
	}, 100)
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, models.ParamSet{"embargo_days": 0, "lookback_days": 30}, got[0])
	assert.Equal(t, models.ParamSet{"embargo_days": 0, "lookback_days": 60}, got[1])
	assert.Equal(t, models.ParamSet{"embargo_days": 2, "lookback_days": 60}, got[5])
}

func TestSampleRangesDeterministic(t *testing.T) {
	ranges := map[string]ParamRange{
		"lookback_days": {Min: 20, Max: 120},
		"stop_loss_pct": {Min: 0.01, Max: 0.05},
	}
	a, err := SampleRanges(ranges, 10, 7, 100)
	require.NoError(t, err)
	b, err := SampleRanges(ranges, 10, 7, 100)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	for _, ps := range a {
		assert.Equal(t, float64(int(ps["lookback_days"])), ps["lookback_days"])
		assert.GreaterOrEqual(t, ps["stop_loss_pct"], 0.01)
		assert.LessOrEqual(t, ps["stop_loss_pct"], 0.05)
	}

	_, err = SampleRanges(ranges, 101, 7, 100)
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestSplitWindow(t *testing.T) {
	bars := walk("X", 0, 0.01)
	trainStart, trainEnd, testStart, testEnd, err := SplitWindow("X", bars, date("2023-01-01"), date("2023-12-31"), 0.75)
	require.NoError(t, err)

	i, j := models.RangeIndex(bars, date("2023-01-01"), date("2023-12-31"))
	n := j - i
	ti, tj := models.RangeIndex(bars, trainStart, trainEnd)
	si, sj := models.RangeIndex(bars, testStart, testEnd)
	assert.Equal(t, int(float64(n)*0.75), tj-ti)
	assert.Equal(t, n-(tj-ti), sj-si)
	assert.True(t, trainEnd.Before(testStart))

	_, _, _, _, err = SplitWindow("X", bars[:1], date("2023-01-01"), date("2023-12-31"), 0.75)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
	var ide *models.InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, "X", ide.Symbol)
}

func TestOverfitRatio(t *testing.T) {
	assert.Equal(t, 0.0, OverfitRatio(1.5, 0))
	assert.Equal(t, 2.0, OverfitRatio(2, 1))
}
