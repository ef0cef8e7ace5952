package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	applogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/util"
)

// DefaultMinCoverage is the share of requested trading days that must be cached to serve a hit.
const DefaultMinCoverage = 0.90

// BarCacheOption configures BarCache.
type BarCacheOption func(*BarCache)

// WithMinCoverage overrides the hit threshold. Values outside (0,1] are ignored.
func WithMinCoverage(v float64) BarCacheOption {
	return func(c *BarCache) {
		if v > 0 && v <= 1 {
			c.minCoverage = v
		}
	}
}

// WithCacheMetrics records hit/miss counters.
func WithCacheMetrics(m domrepo.Metrics) BarCacheOption {
	return func(c *BarCache) { c.m = m }
}

// BarCache is the storage-only bar cache in front of a BarStore.
// Reads are lock-free; writes for the same symbol are serialized.
type BarCache struct {
	store       domrepo.BarStore
	minCoverage float64
	locks       sync.Map // symbol -> *sync.Mutex
	l           *applogger.Logger
	m           domrepo.Metrics
}

var _ domrepo.BarCache = (*BarCache)(nil)

func NewBarCache(store domrepo.BarStore, opts ...BarCacheOption) *BarCache {
	c := &BarCache{store: store, minCoverage: DefaultMinCoverage}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLogger injects a structured logger.
func (c *BarCache) SetLogger(l *applogger.Logger) { c.l = l }

// MinCoverage returns the configured hit threshold.
func (c *BarCache) MinCoverage() float64 { return c.minCoverage }

// Entry returns the whole stored entry. Store and decode failures are reported as a miss.
func (c *BarCache) Entry(ctx context.Context, symbol string) (*models.CacheEntry, bool) {
	entry, err := c.store.Load(ctx, symbol)
	if err != nil {
		if !errors.Is(err, domrepo.ErrNotFound) && c.l != nil {
			c.l.Warn("bar cache read failed, treating as miss",
				applogger.String("symbol", symbol),
				applogger.Error(err),
			)
		}
		return nil, false
	}
	if entry == nil || len(entry.Bars) == 0 {
		return nil, false
	}
	if err := models.ValidateSeries(entry.Bars); err != nil {
		if c.l != nil {
			c.l.Warn("bar cache entry corrupt, treating as miss",
				applogger.String("symbol", symbol),
				applogger.Error(err),
			)
		}
		return nil, false
	}
	return entry, true
}

// Get serves bars in [start, end] when coverage meets the threshold.
func (c *BarCache) Get(ctx context.Context, symbol string, start, end time.Time) (*models.CacheEntry, bool) {
	entry, ok := c.Entry(ctx, symbol)
	if !ok || coverage(entry, start, end) < c.minCoverage {
		c.record(false)
		return nil, false
	}
	bars := sliceRange(entry.Bars, start, end)
	if len(bars) == 0 {
		c.record(false)
		return nil, false
	}
	c.record(true)
	return &models.CacheEntry{
		Symbol:    entry.Symbol,
		Interval:  entry.Interval,
		Start:     start,
		End:       end,
		Bars:      bars,
		FetchedAt: entry.FetchedAt,
	}, true
}

// CoverageRatio is 0 for an unknown symbol and 1.0 for an exact-range hit.
func (c *BarCache) CoverageRatio(ctx context.Context, symbol string, start, end time.Time) float64 {
	entry, ok := c.Entry(ctx, symbol)
	if !ok {
		return 0
	}
	return coverage(entry, start, end)
}

// Put merges entry into the stored one (new bars win on equal dates) and widens the span.
// An entry whose span neither overlaps nor abuts the stored one replaces it, so the
// stored span never covers weekdays it holds no fetch for.
func (c *BarCache) Put(ctx context.Context, entry *models.CacheEntry) error {
	if entry == nil || entry.Symbol == "" {
		return &models.InvariantViolation{Reason: "put: empty cache entry"}
	}
	if err := models.ValidateSeries(entry.Bars); err != nil {
		return err
	}
	mu := c.lockFor(entry.Symbol)
	mu.Lock()
	defer mu.Unlock()

	merged := *entry
	if merged.FetchedAt.IsZero() {
		merged.FetchedAt = time.Now().UTC()
	}
	prev, ok := c.Entry(ctx, entry.Symbol)
	if ok && (prev.Interval != entry.Interval || !spansTouch(prev, &merged)) {
		if c.l != nil {
			c.l.Info("bar cache entry replaced",
				applogger.String("symbol", entry.Symbol),
				applogger.Date("old_start", prev.Start),
				applogger.Date("old_end", prev.End),
				applogger.Date("start", merged.Start),
				applogger.Date("end", merged.End),
			)
		}
		ok = false
	}
	if ok {
		merged.Bars = MergeBars(prev.Bars, entry.Bars)
		if prev.Start.Before(merged.Start) {
			merged.Start = prev.Start
		}
		if prev.End.After(merged.End) {
			merged.End = prev.End
		}
	}
	if err := c.store.Save(ctx, &merged); err != nil {
		return fmt.Errorf("bar cache put %s: %w", entry.Symbol, err)
	}
	if c.l != nil {
		c.l.Debug("bar cache put",
			applogger.String("symbol", merged.Symbol),
			applogger.Date("start", merged.Start),
			applogger.Date("end", merged.End),
			applogger.Int("bars", len(merged.Bars)),
		)
	}
	return nil
}

// Invalidate drops everything stored for symbol.
func (c *BarCache) Invalidate(ctx context.Context, symbol string) error {
	mu := c.lockFor(symbol)
	mu.Lock()
	defer mu.Unlock()
	if err := c.store.Delete(ctx, symbol); err != nil && !errors.Is(err, domrepo.ErrNotFound) {
		return fmt.Errorf("bar cache invalidate %s: %w", symbol, err)
	}
	return nil
}

func (c *BarCache) lockFor(symbol string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(symbol, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (c *BarCache) record(hit bool) {
	if c.m != nil {
		c.m.RecordCacheLookup(hit)
	}
}

// coverage counts requested trading days that fall inside the cached span.
func coverage(entry *models.CacheEntry, start, end time.Time) float64 {
	requested := util.TradingDays(start, end)
	lo, hi := start, end
	if entry.Start.After(lo) {
		lo = entry.Start
	}
	if entry.End.Before(hi) {
		hi = entry.End
	}
	if requested == 0 {
		if !util.Day(start).Before(util.Day(entry.Start)) && !util.Day(end).After(util.Day(entry.End)) {
			return 1
		}
		return 0
	}
	return float64(util.TradingDays(lo, hi)) / float64(requested)
}

// sliceRange returns a copy of bars with day in [start, end].
func sliceRange(bars []models.PriceBar, start, end time.Time) []models.PriceBar {
	i, j := models.RangeIndex(bars, start, end)
	if i >= j {
		return nil
	}
	out := make([]models.PriceBar, j-i)
	copy(out, bars[i:j])
	return out
}

// MergeBars unions two sorted series by calendar day. On conflicts the bar from next wins.
func MergeBars(prev, next []models.PriceBar) []models.PriceBar {
	out := make([]models.PriceBar, 0, len(prev)+len(next))
	i, j := 0, 0
	for i < len(prev) && j < len(next) {
		a, b := util.Day(prev[i].Timestamp), util.Day(next[j].Timestamp)
		switch {
		case a.Before(b):
			out = append(out, prev[i])
			i++
		case b.Before(a):
			out = append(out, next[j])
			j++
		default:
			out = append(out, next[j])
			i++
			j++
		}
	}
	out = append(out, prev[i:]...)
	return append(out, next[j:]...)
}

// spansTouch reports whether the spans overlap or leave no weekday between them.
func spansTouch(a, b *models.CacheEntry) bool {
	return !weekdayGap(a.End, b.Start) && !weekdayGap(b.End, a.Start)
}

// weekdayGap reports whether at least one weekday lies strictly between end and next.
func weekdayGap(end, next time.Time) bool {
	return util.TradingDays(util.Day(end).AddDate(0, 0, 1), util.Day(next).AddDate(0, 0, -1)) > 0
}
