package strategy

import (
	"context"
	"fmt"
	"math"

	"FinBacktest/internal/domain/models"
	domsvc "FinBacktest/internal/domain/service"
	"FinBacktest/internal/services/features"
	"FinBacktest/internal/services/indicators"
)

const (
	patternMinBars  = indicators.SMASlow
	patternSlopeLen = 10

	weightCross = 0.5
	weightRSI   = 0.3
	weightSlope = 0.2
)

// Pattern scores the SMA-20/50 crossover distance, RSI-14 extremes and the recent slope.
type Pattern struct{}

var _ domsvc.Strategy = Pattern{}

func (Pattern) Name() string { return "pattern" }

func (p Pattern) Score(_ context.Context, w domsvc.Window) (domsvc.Score, error) {
	if len(w.Bars) < patternMinBars {
		return domsvc.Score{}, fmt.Errorf("%s: need %d bars, have %d: %w", p.Name(), patternMinBars, len(w.Bars), ErrInsufficientHistory)
	}
	closes := models.Closes(w.Bars)

	fast := indicators.Last(indicators.SMA(closes, indicators.SMAFast))
	slow := indicators.Last(indicators.SMA(closes, indicators.SMASlow))
	cross := 0.0
	if slow > 0 {
		cross = math.Tanh((fast - slow) / slow / 0.02)
	}

	rsi := indicators.Last(indicators.RSI(closes, indicators.RSIPeriod))
	rsiScore := 0.0
	switch {
	case math.IsNaN(rsi):
	case rsi < 30:
		rsiScore = (30 - rsi) / 30
	case rsi > 70:
		rsiScore = -(rsi - 70) / 30
	}

	slope := math.Tanh(features.NormalizedSlope(closes, patternSlopeLen) / 0.005)

	raw := weightCross*cross + weightRSI*rsiScore + weightSlope*slope

	// agreement is 1 when every non-zero component points the same way
	mass := weightCross*math.Abs(cross) + weightRSI*math.Abs(rsiScore) + weightSlope*math.Abs(slope)
	agreement := 0.0
	if mass > 0 {
		agreement = math.Abs(raw) / mass
	}
	conf := 0.5*agreement + 0.5*math.Min(1, 2*math.Abs(raw))
	if raw == 0 {
		conf = 0
	}

	return domsvc.Score{
		Raw:        clamp(raw, -1, 1),
		Confidence: clamp(conf, 0, 1),
		Components: map[string]float64{"ma_cross": cross, "rsi": rsiScore, "slope": slope},
	}, nil
}
