package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	pkgkafka "FinBacktest/pkg/kafka"
	applogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/queue"
)

// KafkaJobsHandler consumes run requests from the jobs topic. Results are shipped by the use
// cases' own publishers.
type KafkaJobsHandler struct {
	topic     string
	runner    *BacktestRunner
	optimizer *Optimizer
	portfolio *PortfolioBacktester
	metrics   domrepo.Metrics
	l         *applogger.Logger
}

func NewKafkaJobsHandler(topic string, runner *BacktestRunner, optimizer *Optimizer, portfolio *PortfolioBacktester, metrics domrepo.Metrics) *KafkaJobsHandler {
	return &KafkaJobsHandler{topic: topic, runner: runner, optimizer: optimizer, portfolio: portfolio, metrics: metrics}
}

// SetLogger injects a structured logger.
func (h *KafkaJobsHandler) SetLogger(l *applogger.Logger) { h.l = l }

func (h *KafkaJobsHandler) Topic() string { return h.topic }

// Handle runs one job. Malformed jobs and deterministic failures (config, invariant,
// insufficient data) are permanent; provider failures are retried by the consumer.
func (h *KafkaJobsHandler) Handle(ctx context.Context, b []byte) error {
	start := time.Now()
	env, err := queue.ParsePayload[JobEnvelope](b)
	if err != nil {
		h.recordError("job_decode")
		return pkgkafka.Permanent(err)
	}
	if err := jobValidate.Struct(env); err != nil {
		h.recordError("job_decode")
		return pkgkafka.Permanent(fmt.Errorf("job envelope: %w", err))
	}

	runID, err := h.dispatch(ctx, env)
	if err != nil {
		if isPermanent(err) {
			return pkgkafka.Permanent(err)
		}
		return err
	}
	if h.l != nil {
		h.l.Info("job done",
			applogger.String("type", env.Type),
			applogger.String("run_id", runID),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return nil
}

func (h *KafkaJobsHandler) dispatch(ctx context.Context, env *JobEnvelope) (string, error) {
	switch env.Type {
	case JobBacktest:
		job, err := decodeJob[BacktestJob](env)
		if err != nil {
			return "", err
		}
		req, err := job.Request()
		if err != nil {
			return "", err
		}
		res, err := h.runner.Run(ctx, req)
		if err != nil {
			return "", err
		}
		return res.RunID, nil

	case JobOptimize:
		job, err := decodeJob[OptimizeJob](env)
		if err != nil {
			return "", err
		}
		req, err := job.Request()
		if err != nil {
			return "", err
		}
		if req.RunID == "" {
			req.RunID = uuid.NewString()
		}
		if _, err := h.optimizer.Optimize(ctx, req); err != nil {
			return "", err
		}
		return req.RunID, nil

	case JobPortfolio:
		job, err := decodeJob[PortfolioJob](env)
		if err != nil {
			return "", err
		}
		req, err := job.Request()
		if err != nil {
			return "", err
		}
		res, err := h.portfolio.Run(ctx, req)
		if err != nil {
			return "", err
		}
		return res.RunID, nil
	}
	return "", models.NewConfigError("type", "unknown job type %q", env.Type)
}

func decodeJob[T any](env *JobEnvelope) (*T, error) {
	job, err := queue.ParsePayload[T](env.Request)
	if err != nil {
		return nil, models.NewConfigError("request", "%v", err)
	}
	if err := PrepareJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, models.ErrConfig) ||
		errors.Is(err, models.ErrInvariant) ||
		errors.Is(err, models.ErrInsufficientData)
}

func (h *KafkaJobsHandler) recordError(kind string) {
	if h.metrics != nil {
		h.metrics.RecordError(kind)
	}
}

var _ pkgkafka.MessageHandler = (*KafkaJobsHandler)(nil)
