package features

import (
	"math"

	"FinBacktest/internal/domain/models"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ComputeLogReturns computes log returns r_t = ln(C_t / C_{t-1}).
// It returns a slice of length len(bars)-1, or nil if insufficient data.
func ComputeLogReturns(bars []models.PriceBar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		cur := bars[i].Close
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// SimpleReturns computes c_t/c_{t-1} - 1 over a close series.
func SimpleReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		out[i-1] = closes[i]/closes[i-1] - 1
	}
	return out
}

// PeriodReturn is the simple return over the last n bars, or 0 if there is not enough history.
func PeriodReturn(bars []models.PriceBar, n int) float64 {
	if n <= 0 || len(bars) <= n {
		return 0
	}
	base := bars[len(bars)-1-n].Close
	if base <= 0 {
		return 0
	}
	return bars[len(bars)-1].Close/base - 1
}

// RealizedVolatility is the sample standard deviation of the last window log returns,
// annualized with barsPerYear. barsPerYear <= 0 returns the per-bar sigma.
func RealizedVolatility(logReturns []float64, window int, barsPerYear float64) float64 {
	if window <= 1 || len(logReturns) < window {
		return 0
	}
	sigma := stat.StdDev(logReturns[len(logReturns)-window:], nil)
	if math.IsNaN(sigma) {
		return 0
	}
	if barsPerYear <= 0 {
		return sigma
	}
	return sigma * math.Sqrt(barsPerYear)
}

// BarsPerYear returns the annualization factor for an interval.
func BarsPerYear(iv models.Interval) float64 {
	switch iv {
	case models.Interval1wk:
		return 52
	case models.Interval1mo:
		return 12
	default:
		return 252
	}
}

// NormalizedSlope fits a least-squares line to the last n closes and returns the slope per bar
// divided by the mean close, so series at different price levels compare.
func NormalizedSlope(closes []float64, n int) float64 {
	if n < 2 || len(closes) < n {
		return 0
	}
	ys := closes[len(closes)-n:]
	xs := make([]float64, n)
	floats.Span(xs, 0, float64(n-1))
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	mean := stat.Mean(ys, nil)
	if mean == 0 || math.IsNaN(beta) {
		return 0
	}
	return beta / mean
}
