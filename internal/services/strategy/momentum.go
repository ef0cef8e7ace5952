// Package strategy holds the scoring strategies consumed by the prediction engine.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"

	domsvc "FinBacktest/internal/domain/service"
	"FinBacktest/internal/services/features"
)

// ErrInsufficientHistory is returned when a window is shorter than a strategy needs.
var ErrInsufficientHistory = errors.New("strategy: insufficient history")

const (
	momentumShort = 5
	momentumLong  = 20
	volWindow     = 20
)

// Momentum blends short and long horizon returns, each scaled by realized volatility.
// It stands in for a sentiment signal when no external model is configured.
type Momentum struct{}

var _ domsvc.Strategy = Momentum{}

func (Momentum) Name() string { return "momentum" }

func (m Momentum) Score(_ context.Context, w domsvc.Window) (domsvc.Score, error) {
	if len(w.Bars) < momentumLong+1 {
		return domsvc.Score{}, fmt.Errorf("%s: need %d bars, have %d: %w", m.Name(), momentumLong+1, len(w.Bars), ErrInsufficientHistory)
	}
	r5 := features.PeriodReturn(w.Bars, momentumShort)
	r20 := features.PeriodReturn(w.Bars, momentumLong)

	lr := features.ComputeLogReturns(w.Bars)
	win := volWindow
	if len(lr) < win {
		win = len(lr)
	}
	sigma := features.RealizedVolatility(lr, win, 0)
	if sigma <= 0 {
		// flat window: no information
		return domsvc.Score{Components: map[string]float64{"r5": r5, "r20": r20}}, nil
	}

	z5 := r5 / (sigma * math.Sqrt(momentumShort))
	z20 := r20 / (sigma * math.Sqrt(momentumLong))
	raw := math.Tanh((z5 + z20) / 2)

	conf := math.Abs(raw)
	if z5*z20 < 0 {
		conf *= 0.5
	}
	return domsvc.Score{
		Raw:        clamp(raw, -1, 1),
		Confidence: clamp(conf, 0, 1),
		Components: map[string]float64{"z5": z5, "z20": z20},
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}
