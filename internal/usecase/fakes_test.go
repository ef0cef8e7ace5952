package usecase

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"FinBacktest/internal/domain/models"
	domsvc "FinBacktest/internal/domain/service"
	"FinBacktest/internal/repository"
	"FinBacktest/pkg/cache"
	"FinBacktest/pkg/util"
)

type fetchCall struct {
	Symbol     string
	Start, End time.Time
}

// fakeProvider serves a deterministic random walk per symbol. Every weekday has a bar
// unless it is listed in skip.
type fakeProvider struct {
	mu        sync.Mutex
	calls     []fetchCall
	failFirst int
	err       error
	skip      map[string]bool
	drift     float64
	vol       float64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{drift: 0.0004, vol: 0.015}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Fetch(_ context.Context, symbol string, start, end time.Time, _ models.Interval) ([]models.PriceBar, error) {
	p.mu.Lock()
	p.calls = append(p.calls, fetchCall{Symbol: symbol, Start: start, End: end})
	n := len(p.calls)
	p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	if n <= p.failFirst {
		return nil, &models.ProviderError{Symbol: symbol, Err: errors.New("connection reset")}
	}
	var out []models.PriceBar
	for _, b := range walk(symbol, p.drift, p.vol) {
		d := util.Day(b.Timestamp)
		if d.Before(util.Day(start)) || d.After(util.Day(end)) || p.skip[util.FormatDay(d)] {
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, &models.ProviderError{Symbol: symbol, Err: errors.New("no data")}
	}
	return out, nil
}

func (p *fakeProvider) Calls() []fetchCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]fetchCall(nil), p.calls...)
}

// walk generates weekday bars from 2021-01-04 through 2024-12-31, seeded by symbol.
func walk(symbol string, drift, vol float64) []models.PriceBar {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	price := 100.0
	var out []models.PriceBar
	for d := time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC); !d.After(time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)); d = d.AddDate(0, 0, 1) {
		if !util.IsTradingDay(d) {
			continue
		}
		// regime switches every ~60 bars give the strategies something to trade
		regime := math.Sin(float64(len(out)) / 20)
		r := drift + 0.004*regime + vol*rng.NormFloat64()
		open := price
		price *= 1 + r
		hi := math.Max(open, price) * (1 + 0.005*rng.Float64())
		lo := math.Min(open, price) * (1 - 0.005*rng.Float64())
		out = append(out, models.PriceBar{Timestamp: d, Open: open, High: hi, Low: lo, Close: price, Volume: 1e6 * (1 + rng.Float64())})
	}
	return out
}

func newTestLoader(p *fakeProvider, opts ...DataLoaderOption) (*DataLoader, *repository.BarCache) {
	bc := repository.NewBarCache(repository.NewKVBarStore(cache.NewMemoryCache(), 0))
	return NewDataLoader(bc, p, nil, opts...), bc
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// scripted flips between BUY and SELL every five calendar days of the evaluation date.
type scripted struct{}

func (scripted) Name() string { return "scripted" }

func (scripted) Score(_ context.Context, w domsvc.Window) (domsvc.Score, error) {
	if (w.At.YearDay()/5)%2 == 0 {
		return domsvc.Score{Raw: 0.9, Confidence: 0.9}, nil
	}
	return domsvc.Score{Raw: -0.9, Confidence: 0.9}, nil
}

func scriptedFactory(models.BacktestParams) (domsvc.Strategy, error) { return scripted{}, nil }

type fakePublisher struct {
	mu        sync.Mutex
	backtests []*models.BacktestResult
	optimized int
	portfolio []*models.PortfolioResult
	progress  []models.OptimizationProgress
}

func (f *fakePublisher) PublishBacktest(_ context.Context, res *models.BacktestResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backtests = append(f.backtests, res)
	return nil
}

func (f *fakePublisher) PublishOptimization(context.Context, string, string, []models.OptimizationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.optimized++
	return nil
}

func (f *fakePublisher) PublishPortfolio(_ context.Context, res *models.PortfolioResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portfolio = append(f.portfolio, res)
	return nil
}

func (f *fakePublisher) PublishProgress(_ context.Context, p models.OptimizationProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, p)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func noRetry() RetryPolicy { return RetryPolicy{Attempts: 1} }
