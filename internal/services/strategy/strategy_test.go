package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"FinBacktest/internal/domain/models"
	domsvc "FinBacktest/internal/domain/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixed struct {
	name string
	s    domsvc.Score
	err  error
}

func (f fixed) Name() string { return f.name }
func (f fixed) Score(context.Context, domsvc.Window) (domsvc.Score, error) {
	return f.s, f.err
}

func window(closes []float64) domsvc.Window {
	bars := make([]models.PriceBar, len(closes))
	t0 := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		bars[i] = models.PriceBar{Timestamp: t0.AddDate(0, 0, i), Open: c, High: c * 1.01, Low: c * 0.99, Close: c, Volume: 1000}
	}
	return domsvc.Window{Symbol: "TEST", At: t0.AddDate(0, 0, len(closes)), Bars: bars}
}

func trend(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		// small zig-zag so volatility is non-zero
		wiggle := 0.002 * start
		if i%2 == 1 {
			wiggle = -wiggle
		}
		out[i] = start + step*float64(i) + wiggle
	}
	return out
}

func TestEnsembleSharedNormalizer(t *testing.T) {
	e, err := NewEnsemble(
		Weighted{Strategy: fixed{name: "a", s: domsvc.Score{Raw: 0.8, Confidence: 0.9}}, Weight: 0.6},
		Weighted{Strategy: fixed{name: "b", s: domsvc.Score{Raw: -0.2, Confidence: 0.4}}, Weight: 0.4},
	)
	require.NoError(t, err)
	s, err := e.Score(context.Background(), window(trend(60, 100, 1)))
	require.NoError(t, err)

	assert.InDelta(t, 1.0, e.Normalizer(), 1e-12)
	assert.InDelta(t, 0.6*0.8+0.4*-0.2, s.Raw, 1e-12)
	assert.InDelta(t, 0.6*0.9+0.4*0.4, s.Confidence, 1e-12)
}

func TestEnsembleUnnormalizedWeights(t *testing.T) {
	// weights 3 and 1: both aggregates divide by 4
	e, err := NewEnsemble(
		Weighted{Strategy: fixed{name: "a", s: domsvc.Score{Raw: 1, Confidence: 1}}, Weight: 3},
		Weighted{Strategy: fixed{name: "b", s: domsvc.Score{Raw: -1, Confidence: 0.2}}, Weight: 1},
	)
	require.NoError(t, err)
	s, _ := e.Score(context.Background(), domsvc.Window{})
	assert.InDelta(t, 0.5, s.Raw, 1e-12)
	assert.InDelta(t, 0.8, s.Confidence, 1e-12)
}

func TestEnsembleFailedComponentIsNeutral(t *testing.T) {
	e, err := NewEnsemble(
		Weighted{Strategy: fixed{name: "ok", s: domsvc.Score{Raw: 0.5, Confidence: 0.8}}, Weight: 0.6},
		Weighted{Strategy: fixed{name: "broken", err: errors.New("model down")}, Weight: 0.4},
	)
	require.NoError(t, err)
	s, err := e.Score(context.Background(), domsvc.Window{})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, s.Raw, 1e-12)
	assert.InDelta(t, 0.48, s.Confidence, 1e-12)
	assert.Equal(t, 0.0, s.Components["broken"])
}

func TestNewEnsembleRejectsBadWeights(t *testing.T) {
	_, err := NewEnsemble(Weighted{Strategy: Momentum{}, Weight: -1})
	assert.ErrorIs(t, err, models.ErrConfig)
	_, err = NewEnsemble(Weighted{Strategy: Momentum{}, Weight: 0})
	assert.ErrorIs(t, err, models.ErrConfig)
	_, err = NewEnsemble()
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestMomentumDirection(t *testing.T) {
	up, err := Momentum{}.Score(context.Background(), window(trend(40, 100, 1)))
	require.NoError(t, err)
	assert.Greater(t, up.Raw, 0.3)
	assert.Greater(t, up.Confidence, 0.3)

	down, err := Momentum{}.Score(context.Background(), window(trend(40, 140, -1)))
	require.NoError(t, err)
	assert.Less(t, down.Raw, -0.3)

	_, err = Momentum{}.Score(context.Background(), window(trend(10, 100, 1)))
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

// zigzag rises by step per bar with alternating ±amp so RSI stays out of the extremes.
func zigzag(n int, start, step, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		w := amp
		if i%2 == 1 {
			w = -amp
		}
		out[i] = start + step*float64(i) + w
	}
	return out
}

func TestPatternUptrend(t *testing.T) {
	s, err := Pattern{}.Score(context.Background(), window(zigzag(60, 100, 0.3, 0.5)))
	require.NoError(t, err)
	assert.Greater(t, s.Raw, 0.3)
	assert.GreaterOrEqual(t, s.Confidence, 0.0)
	assert.LessOrEqual(t, s.Confidence, 1.0)

	_, err = Pattern{}.Score(context.Background(), window(zigzag(30, 100, 0.3, 0.5)))
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestModelScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict/finbert", r.URL.Path)
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Closes, 30)
		_, _ = w.Write([]byte(`{"score":1.7,"confidence":0.7}`))
	}))
	defer srv.Close()

	s, err := NewModelScorer("finbert", srv.URL, time.Second).Score(context.Background(), window(trend(30, 100, 1)))
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Raw, "scores are clamped")
	assert.Equal(t, 0.7, s.Confidence)
}

func TestFactory(t *testing.T) {
	s, err := New(models.ModelFinBERT, Options{})
	require.NoError(t, err)
	assert.Equal(t, "momentum", s.Name())

	s, err = New(models.ModelLSTM, Options{ModelURL: "http://model:8000"})
	require.NoError(t, err)
	assert.Equal(t, "lstm", s.Name())

	s, err = New(models.ModelEnsemble, Options{})
	require.NoError(t, err)
	e, ok := s.(*Ensemble)
	require.True(t, ok)
	assert.InDelta(t, 1.0, e.Normalizer(), 1e-12)

	_, err = New(models.ModelEnsemble, Options{Weights: map[string]float64{"bogus": 1}})
	assert.ErrorIs(t, err, models.ErrConfig)
	_, err = New("xgboost", Options{})
	assert.ErrorIs(t, err, models.ErrConfig)
}
