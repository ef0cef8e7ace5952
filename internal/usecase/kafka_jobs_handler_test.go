package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FinBacktest/internal/domain/models"
	pkgkafka "FinBacktest/pkg/kafka"
)

type fakeMetrics struct {
	mu     sync.Mutex
	errors []string
}

func (m *fakeMetrics) RecordCacheLookup(bool) {}
func (m *fakeMetrics) RecordFetch(string, float64, error) {}
func (m *fakeMetrics) RecordBacktest(string, float64) {}
func (m *fakeMetrics) RecordOptimizerProgress(string, int, int) {}

func (m *fakeMetrics) RecordError(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, stage)
}

func newTestJobsHandler(p *fakeProvider, pub *fakePublisher, m *fakeMetrics) *KafkaJobsHandler {
	loader, _ := newTestLoader(p)
	runner := NewBacktestRunner(loader, scriptedFactory, WithRetryPolicy(noRetry()), WithPublisher(pub))
	opt := NewOptimizer(runner, WithOptimizerPublisher(pub), WithDefaultWorkers(2))
	pf := NewPortfolioBacktester(runner, WithPortfolioPublisher(pub))
	return NewKafkaJobsHandler("backtest.jobs", runner, opt, pf, m)
}

func TestJobsHandlerBacktest(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestJobsHandler(newFakeProvider(), pub, &fakeMetrics{})
	assert.Equal(t, "backtest.jobs", h.Topic())

	msg := `{"type":"backtest","request":{"run_id":"job-1","symbol":"aapl","start":"2023-01-01","end":"2023-06-30",
		"params":{"position_size_max":0.1,"allow_short":true}}}`
	require.NoError(t, h.Handle(context.Background(), []byte(msg)))

	require.Len(t, pub.backtests, 1)
	res := pub.backtests[0]
	assert.Equal(t, "job-1", res.RunID)
	assert.Equal(t, "AAPL", res.Symbol)
	assert.Equal(t, 0.1, res.Params.PositionSizeMax)
	assert.True(t, res.Params.AllowShort)
	assert.Equal(t, models.DefaultBacktestParams().StopLossPct, res.Params.StopLossPct)
}

func TestJobsHandlerOptimize(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestJobsHandler(newFakeProvider(), pub, &fakeMetrics{})

	msg := `{"type":"optimize","request":{"symbol":"MSFT","start":"2023-01-01","end":"2023-12-31",
		"grid":{"lookback_days":[30,60]}}}`
	require.NoError(t, h.Handle(context.Background(), []byte(msg)))

	assert.Equal(t, 1, pub.optimized)
	require.NotEmpty(t, pub.progress)
	last := pub.progress[len(pub.progress)-1]
	assert.Equal(t, 2, last.Completed)
	assert.NotEmpty(t, last.RunID)
}

func TestJobsHandlerMalformedIsPermanent(t *testing.T) {
	m := &fakeMetrics{}
	h := newTestJobsHandler(newFakeProvider(), &fakePublisher{}, m)

	for name, msg := range map[string]string{
		"json":         `{"type":`,
		"unknown type": `{"type":"replay","request":{}}`,
		"no request":   `{"type":"backtest"}`,
	} {
		err := h.Handle(context.Background(), []byte(msg))
		require.Error(t, err, name)
		assert.True(t, pkgkafka.IsPermanent(err), name)
	}
	assert.Equal(t, []string{"job_decode", "job_decode", "job_decode"}, m.errors)
}

func TestJobsHandlerConfigErrorIsPermanent(t *testing.T) {
	p := newFakeProvider()
	h := newTestJobsHandler(p, &fakePublisher{}, &fakeMetrics{})

	msg := `{"type":"portfolio","request":{"symbols":["A","B"],"start":"2023-01-01","end":"2023-12-31",
		"allocation_strategy":"custom","custom_weights":{"A":0.6,"B":0.5}}}`
	err := h.Handle(context.Background(), []byte(msg))
	require.Error(t, err)
	assert.True(t, pkgkafka.IsPermanent(err))
	assert.ErrorIs(t, err, models.ErrConfig)
	assert.Empty(t, p.Calls())

	bad := `{"type":"backtest","request":{"symbol":"AAPL","start":"2023-01-01","end":"2023-06-30","params":{"lookback":5}}}`
	err = h.Handle(context.Background(), []byte(bad))
	assert.True(t, pkgkafka.IsPermanent(err), "unknown params field")
}

func TestJobsHandlerProviderErrorIsRetryable(t *testing.T) {
	p := newFakeProvider()
	p.err = &models.ProviderError{Symbol: "AAPL", Err: errors.New("timeout")}
	h := newTestJobsHandler(p, &fakePublisher{}, &fakeMetrics{})

	msg := `{"type":"backtest","request":{"symbol":"AAPL","start":"2023-01-01","end":"2023-06-30"}}`
	err := h.Handle(context.Background(), []byte(msg))
	require.Error(t, err)
	assert.False(t, pkgkafka.IsPermanent(err))
	assert.ErrorIs(t, err, models.ErrProvider)
}

func TestBacktestJobRequest(t *testing.T) {
	job := &BacktestJob{Symbol: " spy ", Start: "2023-01-03T15:04:05Z", End: "1700000000"}
	require.NoError(t, PrepareJob(job))
	assert.Equal(t, "1d", job.Interval)

	req, err := job.Request()
	require.NoError(t, err)
	assert.Equal(t, "SPY", req.Symbol)
	assert.Equal(t, date("2023-01-03"), req.Start)
	assert.Equal(t, date("2023-11-14"), req.End)
	assert.Equal(t, models.DefaultBacktestParams(), req.Params)

	_, err = BacktestJob{Symbol: "SPY", Start: "yesterday", End: "2023-01-01"}.Request()
	assert.ErrorIs(t, err, models.ErrConfig)

	assert.ErrorIs(t, PrepareJob(&PortfolioJob{Start: "2023-01-01", End: "2023-02-01"}), models.ErrConfig, "symbols required")
}
