package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	"FinBacktest/internal/repository"
	"FinBacktest/internal/services/indicators"
	"FinBacktest/internal/services/validation"
	applogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/util"
)

// LoadResult is the loader output: bars within the requested range, indicators aligned to
// them (computed over the full cached series), and the validation report for the range.
type LoadResult struct {
	Symbol     string
	Bars       []models.PriceBar
	Indicators models.Indicators
	Report     models.ValidationReport
	FromCache  bool
}

// DataLoaderOption configures DataLoader.
type DataLoaderOption func(*DataLoader)

// WithAllowUnacceptable disables the missing-data gate.
func WithAllowUnacceptable(v bool) DataLoaderOption {
	return func(d *DataLoader) { d.allowUnacceptable = v }
}

// WithLoaderMetrics records provider latency and errors.
func WithLoaderMetrics(m domrepo.Metrics) DataLoaderOption {
	return func(d *DataLoader) { d.m = m }
}

// DataLoader orchestrates cache lookup, provider fetch, validation, cache write and indicators.
// Fetches are single attempts; see LoadWithRetry.
type DataLoader struct {
	cache             domrepo.BarCache
	provider          domrepo.MarketDataProvider
	validator         *validation.Validator
	allowUnacceptable bool
	m                 domrepo.Metrics
	l                 *applogger.Logger
}

func NewDataLoader(cache domrepo.BarCache, provider domrepo.MarketDataProvider, validator *validation.Validator, opts ...DataLoaderOption) *DataLoader {
	if validator == nil {
		validator = validation.New(validation.DefaultConfig())
	}
	d := &DataLoader{cache: cache, provider: provider, validator: validator}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetLogger injects a structured logger.
func (d *DataLoader) SetLogger(l *applogger.Logger) { d.l = l }

// Load returns validated bars for [start, end].
func (d *DataLoader) Load(ctx context.Context, symbol string, start, end time.Time, interval models.Interval) (*LoadResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, models.NewConfigError("symbol", "required")
	}
	if interval == "" {
		interval = models.Interval1d
	}
	if !interval.IsValid() {
		return nil, models.NewConfigError("interval", "unsupported %q", interval)
	}
	start, end = util.Day(start), util.Day(end)
	if end.Before(start) {
		return nil, models.NewConfigError("end", "%s is before start %s", util.FormatDay(end), util.FormatDay(start))
	}

	if hit, ok := d.cache.Get(ctx, symbol, start, end); ok && hit.Interval == interval {
		full, ok := d.cache.Entry(ctx, symbol)
		if !ok {
			full = hit
		}
		res, err := d.finish(symbol, full.Bars, start, end)
		if err != nil {
			return nil, err
		}
		if !res.Report.IsAcceptable && !d.allowUnacceptable {
			return nil, &models.InsufficientDataError{Symbol: symbol, Report: res.Report}
		}
		res.FromCache = true
		return res, nil
	}

	merged, span, err := d.fetchMissing(ctx, symbol, start, end, interval)
	if err != nil {
		return nil, err
	}

	i, j := models.RangeIndex(merged, start, end)
	report := d.validator.ValidateRange(merged[i:j], start, end)
	if !report.IsAcceptable && !d.allowUnacceptable {
		if d.l != nil {
			d.l.Warn("data rejected by validator",
				applogger.String("symbol", symbol),
				applogger.Int("missing_days", report.MissingDayCount),
				applogger.Int("expected_days", report.ExpectedDays),
			)
		}
		return nil, &models.InsufficientDataError{Symbol: symbol, Report: report}
	}

	corrected := validation.CorrectSplits(merged, d.validator.Validate(merged))
	entry := &models.CacheEntry{
		Symbol:    symbol,
		Interval:  interval,
		Start:     span[0],
		End:       span[1],
		Bars:      corrected,
		FetchedAt: time.Now().UTC(),
	}
	if err := d.cache.Put(ctx, entry); err != nil && d.l != nil {
		d.l.Warn("bar cache write failed", applogger.String("symbol", symbol), applogger.Error(err))
	}

	res, err := d.finish(symbol, corrected, start, end)
	if err != nil {
		return nil, err
	}
	res.Report = report
	return res, nil
}

// fetchMissing fetches only the head and/or tail missing from the cached entry and merges.
// Gap fetches overlap the cached series by one bar so a holiday-only gap is never empty.
func (d *DataLoader) fetchMissing(ctx context.Context, symbol string, start, end time.Time, interval models.Interval) ([]models.PriceBar, [2]time.Time, error) {
	span := [2]time.Time{start, end}
	existing, ok := d.cache.Entry(ctx, symbol)
	if !ok || existing.Interval != interval || existing.Start.After(end) || existing.End.Before(start) {
		bars, err := d.fetch(ctx, symbol, start, end, interval)
		return bars, span, err
	}

	merged := existing.Bars
	first, last := existing.Bars[0].Timestamp, existing.Bars[len(existing.Bars)-1].Timestamp
	if start.Before(util.Day(existing.Start)) {
		head, err := d.fetch(ctx, symbol, start, first, interval)
		if err != nil {
			return nil, span, err
		}
		merged = repository.MergeBars(merged, head)
	}
	if end.After(util.Day(existing.End)) {
		tail, err := d.fetch(ctx, symbol, last, end, interval)
		if err != nil {
			return nil, span, err
		}
		merged = repository.MergeBars(merged, tail)
	}
	if existing.Start.Before(span[0]) {
		span[0] = existing.Start
	}
	if existing.End.After(span[1]) {
		span[1] = existing.End
	}
	return merged, span, nil
}

func (d *DataLoader) fetch(ctx context.Context, symbol string, start, end time.Time, interval models.Interval) ([]models.PriceBar, error) {
	t0 := time.Now()
	bars, err := d.provider.Fetch(ctx, symbol, start, end, interval)
	if d.m != nil {
		d.m.RecordFetch(d.provider.Name(), time.Since(t0).Seconds(), err)
	}
	if err == nil && len(bars) == 0 {
		err = &models.ProviderError{Symbol: symbol, Err: errors.New("empty response")}
	}
	if err != nil {
		var pe *models.ProviderError
		if !errors.As(err, &pe) {
			err = &models.ProviderError{Symbol: symbol, Err: err}
		}
		return nil, err
	}
	if err := models.ValidateSeries(bars); err != nil {
		return nil, &models.ProviderError{Symbol: symbol, Err: err}
	}
	if d.l != nil {
		d.l.Info("bars fetched",
			applogger.String("provider", d.provider.Name()),
			applogger.String("symbol", symbol),
			applogger.Date("start", start),
			applogger.Date("end", end),
			applogger.Int("rows", len(bars)),
			applogger.Duration("duration_ms", time.Since(t0)),
		)
	}
	return bars, nil
}

// finish computes indicators over full and returns the [start, end] slice with its report.
func (d *DataLoader) finish(symbol string, full []models.PriceBar, start, end time.Time) (*LoadResult, error) {
	i, j := models.RangeIndex(full, start, end)
	if i >= j {
		return nil, &models.InsufficientDataError{Symbol: symbol, Report: models.ValidationReport{
			ExpectedDays:    util.TradingDays(start, end),
			MissingDayCount: util.TradingDays(start, end),
		}}
	}
	bars := make([]models.PriceBar, j-i)
	copy(bars, full[i:j])
	return &LoadResult{
		Symbol:     symbol,
		Bars:       bars,
		Indicators: indicators.Compute(full).Slice(i, j),
		Report:     d.validator.ValidateRange(bars, start, end),
	}, nil
}

// RetryPolicy bounds LoadWithRetry.
type RetryPolicy struct {
	Attempts   int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultRetryPolicy is three attempts with 200ms..2s jittered backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BackoffMin: 200 * time.Millisecond, BackoffMax: 2 * time.Second}
}

// LoadWithRetry retries Load on ProviderError only. Other errors return immediately.
func (d *DataLoader) LoadWithRetry(ctx context.Context, symbol string, start, end time.Time, interval models.Interval, p RetryPolicy) (*LoadResult, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		res, err := d.Load(ctx, symbol, start, end, interval)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, models.ErrProvider) {
			return nil, err
		}
		lastErr = err
		if attempt == p.Attempts {
			break
		}
		sleep := backoffWithJitter(p.BackoffMin, p.BackoffMax, attempt)
		if d.l != nil {
			d.l.Warn("provider fetch failed, retrying",
				applogger.String("symbol", symbol),
				applogger.Int("attempt", attempt),
				applogger.Duration("backoff_ms", sleep),
				applogger.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("load %s: %w", symbol, ctx.Err())
		case <-time.After(sleep):
		}
	}
	return nil, lastErr
}

// backoffWithJitter doubles min per attempt up to max and adds up to 50% jitter.
func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		return 0
	}
	d := min << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
