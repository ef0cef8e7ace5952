//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"FinBacktest/pkg/config"
	"FinBacktest/pkg/server"
)

var coreSet = wire.NewSet(
	// Ambient
	ProvideLogger,
	ProvideMetrics,

	// Infrastructure clients
	ProvideClickHouseClient,
	ProvideKafkaProducer,

	// Repositories
	ProvideBarStore,
	ProvideBarCache,
	ProvideMarketDataProvider,
	ProvideFileExporter,
	ProvideResultPublisher,

	// Use cases
	ProvideDataLoader,
	ProvideBacktestRunner,
	ProvideOptimizer,
	ProvidePortfolioBacktester,
)

// InitializeApp wires up the serve-mode application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		coreSet,
		ProvideKafkaConsumer,
		ProvideJobsHandler,
		ProvideHTTPHandler,
		ProvideApp,
	)
	return nil, nil, nil
}

// InitializeToolkit wires the use cases for the one-shot CLI modes.
func InitializeToolkit(cfg *config.Config) (*Toolkit, func(), error) {
	wire.Build(
		coreSet,
		ProvideToolkit,
	)
	return nil, nil, nil
}
