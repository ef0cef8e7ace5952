package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsEveryUnit(t *testing.T) {
	p := NewPool(&QueueConfig{Workers: 4}, nil)
	out := make([]int, 50)
	var active, peak int32

	err := p.Run(context.Background(), len(out), func(_ context.Context, i int) error {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		out[i] = i * i
		atomic.AddInt32(&active, -1)
		return nil
	})
	require.NoError(t, err)
	for i, v := range out {
		assert.Equal(t, i*i, v)
	}
	assert.LessOrEqual(t, int(peak), 4)
}

func TestPoolReturnsLowestIndexError(t *testing.T) {
	p := NewPool(&QueueConfig{Workers: 1}, nil)
	boom := errors.New("boom")
	var ran int32

	err := p.Run(context.Background(), 10, func(_ context.Context, i int) error {
		atomic.AddInt32(&ran, 1)
		if i == 3 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Less(t, int(atomic.LoadInt32(&ran)), 10)
}

func TestPoolHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewPool(nil, nil).Run(ctx, 5, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParsePayload(t *testing.T) {
	type req struct {
		Symbol string `json:"symbol"`
	}
	got, err := ParsePayload[req]([]byte(`{"symbol":"AAPL"}`))
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got.Symbol)

	got, err = ParsePayload[req](map[string]interface{}{"symbol": "MSFT"})
	require.NoError(t, err)
	assert.Equal(t, "MSFT", got.Symbol)

	_, err = ParsePayload[req](42)
	assert.Error(t, err)
}
