package di

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	"FinBacktest/internal/handler/api"
	"FinBacktest/internal/repository"
	"FinBacktest/internal/service/csvfeed"
	"FinBacktest/internal/service/finnhub"
	"FinBacktest/internal/service/ratelimit"
	"FinBacktest/internal/service/yahoo"
	"FinBacktest/internal/services/strategy"
	"FinBacktest/internal/services/validation"
	"FinBacktest/internal/usecase"
	pkgcache "FinBacktest/pkg/cache"
	pkgch "FinBacktest/pkg/clickhouse"
	"FinBacktest/pkg/config"
	pkgkafka "FinBacktest/pkg/kafka"
	applogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/metrics"
	"FinBacktest/pkg/server"
)

// Toolkit bundles the use cases for the one-shot CLI modes.
type Toolkit struct {
	Logger    *applogger.Logger
	Runner    *usecase.BacktestRunner
	Optimizer *usecase.Optimizer
	Portfolio *usecase.PortfolioBacktester
	Cache     *repository.BarCache
	Exporter  *repository.FileExporter
}

// ProvideLogger builds the application logger from the log section.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder on the default registry.
func ProvideMetrics() domrepo.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient opens ClickHouse when enabled and ensures every schema the process
// may touch. Returns nil when disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, func(), error) {
	if !cfg.ClickHouse.Enabled {
		return nil, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := pkgch.NewClient(ctx,
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}

	var schema []string
	if cfg.Cache.Backend == "clickhouse" {
		schema = append(schema, repository.ClickHouseSchema(cfg.ClickHouse.Database)...)
	}
	if cfg.ClickHouse.StoreResults {
		schema = append(schema, repository.ResultSchema(cfg.ClickHouse.Database)...)
	}
	if err := client.InitSchema(ctx, schema); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideBarStore selects the durable cache backend.
func ProvideBarStore(cfg *config.Config, ch *pkgch.Client, l *applogger.Logger) (domrepo.BarStore, func(), error) {
	c := cfg.Cache
	switch c.Backend {
	case "memory":
		store := repository.NewKVBarStore(pkgcache.NewMemoryCache(pkgcache.WithMemoryMaxSize(c.MemoryMaxSize)), c.TTL)
		return store, func() { _ = store.Close() }, nil

	case "redis", "layered":
		redis, err := pkgcache.NewRedisCache(
			pkgcache.WithRedisHost(c.Redis.Host),
			pkgcache.WithRedisPort(c.Redis.Port),
			pkgcache.WithRedisPassword(c.Redis.Password),
			pkgcache.WithRedisDB(c.Redis.DB),
			pkgcache.WithRedisPool(c.Redis.PoolSize, 2, 30*time.Second),
			pkgcache.WithRedisPrefix(c.Redis.Prefix),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("bar store: %w", err)
		}
		var svc pkgcache.Service = redis
		if c.Backend == "layered" {
			svc = pkgcache.NewLayeredCache(redis,
				pkgcache.WithLayeredMemorySize(c.MemoryMaxSize),
				pkgcache.WithLayeredMemoryTTL(c.MemoryTTL),
			)
		}
		store := repository.NewKVBarStore(svc, c.TTL)
		return store, func() { _ = store.Close() }, nil

	case "sqlite":
		if dir := filepath.Dir(c.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("bar store dir: %w", err)
			}
		}
		store, err := repository.NewSQLiteBarStore(context.Background(), c.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("bar store: %w", err)
		}
		store.SetLogger(l)
		return store, func() { _ = store.Close() }, nil

	case "clickhouse":
		if ch == nil {
			return nil, nil, fmt.Errorf("bar store: clickhouse backend requires clickhouse.enabled")
		}
		store := repository.NewCHBarStore(ch)
		store.SetLogger(l)
		return store, func() {}, nil
	}
	return nil, nil, fmt.Errorf("bar store: unknown backend %q", c.Backend)
}

// ProvideBarCache wraps the store with coverage checks and per-symbol locking.
func ProvideBarCache(cfg *config.Config, store domrepo.BarStore, m domrepo.Metrics, l *applogger.Logger) *repository.BarCache {
	bc := repository.NewBarCache(store,
		repository.WithMinCoverage(cfg.Cache.MinCoverage),
		repository.WithCacheMetrics(m),
	)
	bc.SetLogger(l)
	return bc
}

// ProvideMarketDataProvider selects the upstream bar source.
func ProvideMarketDataProvider(cfg *config.Config, l *applogger.Logger) (domrepo.MarketDataProvider, error) {
	d := cfg.Data
	switch d.Provider {
	case "yahoo":
		c := yahoo.NewChartClient(d.Yahoo.BaseURL, d.Yahoo.Timeout)
		c.SetLogger(l)
		return c, nil
	case "yahoo_native":
		c := yahoo.NewNativeClient(d.Yahoo.AutoAdjust)
		c.SetLogger(l)
		return c, nil
	case "finnhub":
		c := finnhub.New(d.Finnhub.APIKey, d.Finnhub.BaseURL, d.Finnhub.Timeout, ratelimit.New())
		c.SetLogger(l)
		return c, nil
	case "csv":
		return csvfeed.New(d.CSVDir), nil
	}
	return nil, fmt.Errorf("data provider: unknown %q", d.Provider)
}

// ProvideDataLoader builds the loader with validation thresholds from config.
func ProvideDataLoader(
	cfg *config.Config,
	bc *repository.BarCache,
	provider domrepo.MarketDataProvider,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.DataLoader {
	v := cfg.Validation
	validator := validation.New(validation.Config{
		ZScore:          v.ZScore,
		Window:          v.Window,
		MinSamples:      v.MinSamples,
		SplitLower:      v.SplitLower,
		SplitUpper:      v.SplitUpper,
		MaxMissingRatio: v.MaxMissingRatio,
	})
	d := usecase.NewDataLoader(bc, provider, validator,
		usecase.WithAllowUnacceptable(cfg.Data.AllowUnacceptable),
		usecase.WithLoaderMetrics(m),
	)
	d.SetLogger(l)
	return d
}

// ProvideFileExporter writes run artifacts under export.dir.
func ProvideFileExporter(cfg *config.Config, l *applogger.Logger) *repository.FileExporter {
	e := repository.NewFileExporter(cfg.Export.Dir)
	e.SetLogger(l)
	return e
}

// ProvideKafkaProducer creates a Kafka producer when Kafka is enabled. Returns nil otherwise.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}
	p := cfg.Kafka.Producer
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(p.BatchSize, p.Linger),
		pkgkafka.WithTimeouts(p.WriteTimeout, p.ReadTimeout),
		pkgkafka.WithMaxAttempts(p.MaxAttempts),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideResultPublisher fans finished runs out to every enabled sink.
func ProvideResultPublisher(
	cfg *config.Config,
	exporter *repository.FileExporter,
	producer *pkgkafka.Producer,
	ch *pkgch.Client,
	l *applogger.Logger,
) domrepo.ResultPublisher {
	var pubs repository.MultiPublisher
	if cfg.Export.Dir != "" {
		pubs = append(pubs, exporter)
	}
	if producer != nil {
		pubs = append(pubs, repository.NewKafkaResultPublisher(producer, cfg.Kafka.Topics.Results, cfg.Kafka.Topics.Progress))
	}
	if ch != nil && cfg.ClickHouse.StoreResults {
		store := repository.NewCHResultStore(ch)
		store.SetLogger(l)
		pubs = append(pubs, store)
	}
	l.Info("result sinks ready", applogger.Int("count", len(pubs)))
	return pubs
}

// BacktestParams maps the backtest section onto run parameters.
func BacktestParams(cfg *config.Config) models.BacktestParams {
	b := cfg.Backtest
	return models.BacktestParams{
		ModelType:           models.ModelType(b.ModelType),
		InitialCapital:      b.InitialCapital,
		ConfidenceThreshold: b.ConfidenceThreshold,
		LookbackDays:        b.LookbackDays,
		Frequency:           models.Frequency(b.Frequency),
		CommissionPct:       b.CommissionPct,
		SlippagePct:         b.SlippagePct,
		PositionSizeMin:     b.PositionSizeMin,
		PositionSizeMax:     b.PositionSizeMax,
		StopLossPct:         b.StopLossPct,
		TakeProfitPct:       b.TakeProfitPct,
		EmbargoDays:         b.EmbargoDays,
		AllowShort:          b.AllowShort,
		EnsembleWeights:     b.EnsembleWeights,
	}
}

// ProvideBacktestRunner wires loader, strategies and publishers for single-symbol runs.
func ProvideBacktestRunner(
	cfg *config.Config,
	loader *usecase.DataLoader,
	pub domrepo.ResultPublisher,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.BacktestRunner {
	factory := usecase.DefaultStrategyFactory(strategy.Options{
		ModelURL:     cfg.Model.URL,
		ModelTimeout: cfg.Model.Timeout,
		Weights:      cfg.Backtest.EnsembleWeights,
		Logger:       l,
	})
	r := usecase.NewBacktestRunner(loader, factory,
		usecase.WithPublisher(pub),
		usecase.WithRunnerMetrics(m),
		usecase.WithRetryPolicy(usecase.RetryPolicy{
			Attempts:   cfg.Data.Retry.Attempts,
			BackoffMin: cfg.Data.Retry.BackoffMin,
			BackoffMax: cfg.Data.Retry.BackoffMax,
		}),
	)
	r.SetLogger(l)
	return r
}

// ProvideOptimizer creates the parameter search use case.
func ProvideOptimizer(
	cfg *config.Config,
	runner *usecase.BacktestRunner,
	pub domrepo.ResultPublisher,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.Optimizer {
	o := usecase.NewOptimizer(runner,
		usecase.WithOptimizerPublisher(pub),
		usecase.WithOptimizerMetrics(m),
		usecase.WithDefaultWorkers(cfg.Optimizer.Workers),
	)
	o.SetLogger(l)
	return o
}

// ProvidePortfolioBacktester creates the multi-asset use case.
func ProvidePortfolioBacktester(
	cfg *config.Config,
	runner *usecase.BacktestRunner,
	pub domrepo.ResultPublisher,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.PortfolioBacktester {
	b := usecase.NewPortfolioBacktester(runner,
		usecase.WithPortfolioPublisher(pub),
		usecase.WithPortfolioMetrics(m),
		usecase.WithLoadWorkers(cfg.Portfolio.LoadWorkers),
	)
	b.SetLogger(l)
	return b
}

// ProvideKafkaConsumer creates the jobs consumer when Kafka is enabled. Returns nil otherwise.
func ProvideKafkaConsumer(cfg *config.Config, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	c := cfg.Kafka.Consumer
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(c.GroupID),
		pkgkafka.WithConsumerWorkers(c.Workers),
		pkgkafka.WithConsumerBufferSize(c.BufferSize),
		pkgkafka.WithConsumerRetry(c.RetryMax, c.BackoffMin, c.BackoffMax),
		pkgkafka.WithConsumerDLQ(c.DLQTopic),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.NewHookChain(pkgkafka.TraceHook(), pkgkafka.LoggingHook(l)))
	return consumer, nil
}

// ProvideJobsHandler dispatches jobs-topic messages to the use cases.
func ProvideJobsHandler(
	cfg *config.Config,
	runner *usecase.BacktestRunner,
	optimizer *usecase.Optimizer,
	portfolio *usecase.PortfolioBacktester,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.KafkaJobsHandler {
	h := usecase.NewKafkaJobsHandler(cfg.Kafka.Topics.Jobs, runner, optimizer, portfolio, m)
	h.SetLogger(l)
	return h
}

// ProvideHTTPHandler exposes the use cases over the REST API.
func ProvideHTTPHandler(
	l *applogger.Logger,
	runner *usecase.BacktestRunner,
	optimizer *usecase.Optimizer,
	portfolio *usecase.PortfolioBacktester,
	bc *repository.BarCache,
) *api.BacktestEchoHandler {
	return api.NewBacktestEchoHandler(l, runner, optimizer, portfolio, bc)
}

// ProvideApp creates the serve-mode application.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	h *api.BacktestEchoHandler,
	consumer *pkgkafka.Consumer,
	jobs *usecase.KafkaJobsHandler,
) *server.App {
	if consumer == nil {
		return server.New(cfg, l, h, nil, nil)
	}
	return server.New(cfg, l, h, consumer, jobs)
}

// ProvideToolkit bundles the CLI use cases.
func ProvideToolkit(
	l *applogger.Logger,
	runner *usecase.BacktestRunner,
	optimizer *usecase.Optimizer,
	portfolio *usecase.PortfolioBacktester,
	bc *repository.BarCache,
	exporter *repository.FileExporter,
) *Toolkit {
	return &Toolkit{Logger: l, Runner: runner, Optimizer: optimizer, Portfolio: portfolio, Cache: bc, Exporter: exporter}
}
