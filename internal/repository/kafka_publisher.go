package repository

import (
	"context"
	"errors"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	pkgkafka "FinBacktest/pkg/kafka"
)

// Event types carried in the event_type header.
const (
	EventBacktestCompleted     = "backtest.completed"
	EventOptimizationCompleted = "optimization.completed"
	EventOptimizationProgress  = "optimization.progress"
	EventPortfolioCompleted    = "portfolio.completed"
)

// EventPublisher is satisfied by *pkgkafka.Producer.
type EventPublisher interface {
	Publish(ctx context.Context, topic, eventType string, key []byte, value interface{}) error
	Close() error
}

var _ EventPublisher = (*pkgkafka.Producer)(nil)

// KafkaResultPublisher ships run summaries to the results topic and optimizer progress to
// the progress topic. Summaries omit the equity curve.
type KafkaResultPublisher struct {
	producer      EventPublisher
	resultTopic   string
	progressTopic string
}

var _ domrepo.ResultPublisher = (*KafkaResultPublisher)(nil)

// NewKafkaResultPublisher creates the publisher. An empty progressTopic reuses resultTopic.
func NewKafkaResultPublisher(producer EventPublisher, resultTopic, progressTopic string) *KafkaResultPublisher {
	if progressTopic == "" {
		progressTopic = resultTopic
	}
	return &KafkaResultPublisher{producer: producer, resultTopic: resultTopic, progressTopic: progressTopic}
}

// BacktestSummary is the wire form of a finished single-symbol run.
type BacktestSummary struct {
	RunID   string                `json:"run_id"`
	Symbol  string                `json:"symbol"`
	Start   string                `json:"start"`
	End     string                `json:"end"`
	Params  models.BacktestParams `json:"params"`
	Signals int                   `json:"signals"`
	Trades  []models.ClosedTrade  `json:"trades"`
	Metrics models.Metrics        `json:"metrics"`
}

func (p *KafkaResultPublisher) PublishBacktest(ctx context.Context, res *models.BacktestResult) error {
	return p.producer.Publish(ctx, p.resultTopic, EventBacktestCompleted, []byte(res.Symbol), BacktestSummary{
		RunID:   res.RunID,
		Symbol:  res.Symbol,
		Start:   res.Start.Format("2006-01-02"),
		End:     res.End.Format("2006-01-02"),
		Params:  res.Params,
		Signals: res.Signals,
		Trades:  res.Trades,
		Metrics: res.Metrics,
	})
}

func (p *KafkaResultPublisher) PublishOptimization(ctx context.Context, runID, symbol string, results []models.OptimizationResult) error {
	return p.producer.Publish(ctx, p.resultTopic, EventOptimizationCompleted, []byte(symbol), map[string]interface{}{
		"run_id":  runID,
		"symbol":  symbol,
		"results": results,
	})
}

func (p *KafkaResultPublisher) PublishPortfolio(ctx context.Context, res *models.PortfolioResult) error {
	summary := *res
	summary.EquityCurve = nil
	return p.producer.Publish(ctx, p.resultTopic, EventPortfolioCompleted, []byte(res.RunID), summary)
}

func (p *KafkaResultPublisher) PublishProgress(ctx context.Context, pr models.OptimizationProgress) error {
	return p.producer.Publish(ctx, p.progressTopic, EventOptimizationProgress, []byte(pr.RunID), pr)
}

func (p *KafkaResultPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// MultiPublisher fans every call out to all publishers and joins their errors.
type MultiPublisher []domrepo.ResultPublisher

var _ domrepo.ResultPublisher = MultiPublisher(nil)

func (m MultiPublisher) PublishBacktest(ctx context.Context, res *models.BacktestResult) error {
	return m.each(func(p domrepo.ResultPublisher) error { return p.PublishBacktest(ctx, res) })
}

func (m MultiPublisher) PublishOptimization(ctx context.Context, runID, symbol string, results []models.OptimizationResult) error {
	return m.each(func(p domrepo.ResultPublisher) error { return p.PublishOptimization(ctx, runID, symbol, results) })
}

func (m MultiPublisher) PublishPortfolio(ctx context.Context, res *models.PortfolioResult) error {
	return m.each(func(p domrepo.ResultPublisher) error { return p.PublishPortfolio(ctx, res) })
}

func (m MultiPublisher) PublishProgress(ctx context.Context, pr models.OptimizationProgress) error {
	return m.each(func(p domrepo.ResultPublisher) error { return p.PublishProgress(ctx, pr) })
}

func (m MultiPublisher) Close() error {
	return m.each(func(p domrepo.ResultPublisher) error { return p.Close() })
}

func (m MultiPublisher) each(fn func(domrepo.ResultPublisher) error) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := fn(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
