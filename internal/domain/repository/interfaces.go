package repository

import (
	"context"
	"errors"
	"time"

	"FinBacktest/internal/domain/models"
)

// ErrNotFound is returned by a BarStore when no entry exists for a symbol.
var ErrNotFound = errors.New("bar store: entry not found")

// BarStore is the durable key-value collaborator behind the bar cache.
type BarStore interface {
	Load(ctx context.Context, symbol string) (*models.CacheEntry, error)
	Save(ctx context.Context, entry *models.CacheEntry) error
	Delete(ctx context.Context, symbol string) error
	Close() error
}

// MarketDataProvider fetches raw bars from an external source. Single attempt, no retry.
type MarketDataProvider interface {
	Name() string
	Fetch(ctx context.Context, symbol string, start, end time.Time, interval models.Interval) ([]models.PriceBar, error)
}

// BarCache is the storage-only cache consulted by the data loader.
type BarCache interface {
	Get(ctx context.Context, symbol string, start, end time.Time) (*models.CacheEntry, bool)
	Put(ctx context.Context, entry *models.CacheEntry) error
	CoverageRatio(ctx context.Context, symbol string, start, end time.Time) float64
	Invalidate(ctx context.Context, symbol string) error
	Entry(ctx context.Context, symbol string) (*models.CacheEntry, bool)
}

// ResultPublisher ships finished runs and progress events to downstream consumers.
type ResultPublisher interface {
	PublishBacktest(ctx context.Context, res *models.BacktestResult) error
	PublishOptimization(ctx context.Context, runID, symbol string, results []models.OptimizationResult) error
	PublishPortfolio(ctx context.Context, res *models.PortfolioResult) error
	PublishProgress(ctx context.Context, p models.OptimizationProgress) error
	Close() error
}

// Metrics records operational counters. Implementations must be safe for concurrent use.
type Metrics interface {
	RecordCacheLookup(hit bool)
	RecordFetch(provider string, seconds float64, err error)
	RecordBacktest(kind string, seconds float64)
	RecordOptimizerProgress(symbol string, completed, total int)
	RecordError(stage string)
}
