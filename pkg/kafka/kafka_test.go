package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type countingHandler struct {
	calls int
	errs  []error
}

func (h *countingHandler) Topic() string { return "jobs" }

func (h *countingHandler) Handle(context.Context, []byte) error {
	h.calls++
	if h.calls <= len(h.errs) {
		return h.errs[h.calls-1]
	}
	return nil
}

func testConsumer(t *testing.T, h MessageHandler, dlq Writer) (*Consumer, *fakeReader) {
	t.Helper()
	cfg := &ConsumerConfig{
		WorkerCount: 1,
		BufferSize:  1,
		RetryMax:    2,
		BackoffMin:  time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		DLQTopic:    "jobs.dlq",
		Registerer:  prometheus.NewRegistry(),
	}
	c := newConsumer(cfg, dlq)
	c.RegisterHandler(h)
	r := &fakeReader{}
	c.readers[h.Topic()] = r
	return c, r
}

func TestProducerPublishSetsHeaders(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, "gzip", prometheus.NewRegistry())

	ctx := WithTraceID(context.Background(), "trace-1")
	require.NoError(t, p.Publish(ctx, "results", "backtest.completed", []byte("AAPL"), map[string]int{"trades": 3}))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "results", msg.Topic)
	assert.Equal(t, "AAPL", string(msg.Key))
	assert.JSONEq(t, `{"trades":3}`, string(msg.Value))
	assert.Equal(t, "trace-1", ExtractTraceID(msg))
	assert.Equal(t, HeaderEventType, msg.Headers[0].Key)
	assert.Equal(t, "backtest.completed", string(msg.Headers[0].Value))
}

func TestProducerPublishWrapsWriterError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewProducerWithWriter(w, "gzip", prometheus.NewRegistry())

	err := p.Publish(context.Background(), "results", "x", nil, []byte("raw"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestConsumerRetriesTransientErrors(t *testing.T) {
	h := &countingHandler{errs: []error{errors.New("flaky"), errors.New("flaky")}}
	dlq := &fakeWriter{}
	c, r := testConsumer(t, h, dlq)

	c.process(&message{topic: "jobs", km: kafka.Message{Offset: 7, Value: []byte("{}")}})

	assert.Equal(t, 3, h.calls)
	assert.Empty(t, dlq.msgs)
	assert.Equal(t, []int64{7}, r.committed)
}

func TestConsumerPermanentErrorGoesToDLQ(t *testing.T) {
	h := &countingHandler{errs: []error{Permanent(errors.New("bad payload"))}}
	dlq := &fakeWriter{}
	c, r := testConsumer(t, h, dlq)

	c.process(&message{topic: "jobs", km: kafka.Message{Offset: 3, Key: []byte("k"), Value: []byte("nope")}})

	assert.Equal(t, 1, h.calls, "permanent errors are not retried")
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, "jobs.dlq", dlq.msgs[0].Topic)
	assert.Equal(t, "nope", string(dlq.msgs[0].Value))
	assert.Equal(t, []int64{3}, r.committed)
}

func TestConsumerKeepsOffsetWhenDLQFails(t *testing.T) {
	h := &countingHandler{errs: []error{Permanent(errors.New("bad"))}}
	c, r := testConsumer(t, h, &fakeWriter{err: errors.New("dlq down")})

	c.process(&message{topic: "jobs", km: kafka.Message{Offset: 9}})

	assert.Empty(t, r.committed)
}

func TestConsumerStopIsIdempotent(t *testing.T) {
	c, _ := testConsumer(t, &countingHandler{}, &fakeWriter{})
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
}

func TestPermanent(t *testing.T) {
	base := errors.New("boom")
	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.ErrorIs(t, Permanent(base), base)
	assert.False(t, IsPermanent(base))
}

func TestHookChainBeforeErrorStopsChain(t *testing.T) {
	var errSeen error
	second := false
	chain := NewHookChain(
		HookFuncs{
			Before: func(ctx context.Context, _ string, km kafka.Message, d []byte) (context.Context, kafka.Message, []byte, error) {
				return ctx, km, d, &HookError{Code: "ERR_REJECT"}
			},
			Err: func(_ context.Context, _ string, _ kafka.Message, _ []byte, err error) { errSeen = err },
		},
		HookFuncs{
			Before: func(ctx context.Context, _ string, km kafka.Message, d []byte) (context.Context, kafka.Message, []byte, error) {
				second = true
				return ctx, km, d, nil
			},
		},
	)

	_, _, _, err := chain.BeforeHandle(context.Background(), "jobs", kafka.Message{}, nil)
	require.Error(t, err)
	assert.Equal(t, "ERR_REJECT", err.Error())
	assert.Equal(t, err, errSeen)
	assert.False(t, second)
}

func TestTraceHookCopiesHeader(t *testing.T) {
	km := kafka.Message{Headers: []kafka.Header{{Key: HeaderTraceID, Value: []byte("abc")}}}
	ctx, _, _, err := TraceHook().BeforeHandle(context.Background(), "jobs", km, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", ctx.Value(CtxTraceID))
	_, ok := ctx.Value(CtxStartTime).(time.Time)
	assert.True(t, ok)
}
