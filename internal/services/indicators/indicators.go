// Package indicators derives technical series from bars using go-talib.
package indicators

import (
	"math"

	"FinBacktest/internal/domain/models"

	"github.com/markcheno/go-talib"
)

// Periods used by Compute.
const (
	SMAFast    = 20
	SMASlow    = 50
	EMAFast    = 12
	EMASlow    = 26
	MACDSignal = 9
	RSIPeriod  = 14
	BBPeriod   = 20
	BBStdDev   = 2.0
)

// Compute returns indicators aligned index-for-index with bars. Warm-up positions are NaN.
func Compute(bars []models.PriceBar) models.Indicators {
	closes := models.Closes(bars)
	n := len(closes)

	ind := models.Indicators{
		SMA20:      nanSeries(n),
		SMA50:      nanSeries(n),
		EMA12:      nanSeries(n),
		EMA26:      nanSeries(n),
		MACD:       nanSeries(n),
		MACDSignal: nanSeries(n),
		MACDHist:   nanSeries(n),
		RSI14:      nanSeries(n),
		BBUpper:    nanSeries(n),
		BBMiddle:   nanSeries(n),
		BBLower:    nanSeries(n),
	}

	// talib zero-fills the lookback; copy only past it
	if n >= SMAFast {
		copyFrom(ind.SMA20, talib.Sma(closes, SMAFast), SMAFast-1)
	}
	if n >= SMASlow {
		copyFrom(ind.SMA50, talib.Sma(closes, SMASlow), SMASlow-1)
	}
	if n >= EMAFast {
		copyFrom(ind.EMA12, talib.Ema(closes, EMAFast), EMAFast-1)
	}
	if n >= EMASlow {
		copyFrom(ind.EMA26, talib.Ema(closes, EMASlow), EMASlow-1)
	}
	if n >= EMASlow+MACDSignal-1 {
		macd, signal, hist := talib.Macd(closes, EMAFast, EMASlow, MACDSignal)
		warm := EMASlow + MACDSignal - 2
		copyFrom(ind.MACD, macd, warm)
		copyFrom(ind.MACDSignal, signal, warm)
		copyFrom(ind.MACDHist, hist, warm)
	}
	if n > RSIPeriod {
		copyFrom(ind.RSI14, talib.Rsi(closes, RSIPeriod), RSIPeriod)
	}
	if n >= BBPeriod {
		upper, middle, lower := talib.BBands(closes, BBPeriod, BBStdDev, BBStdDev, talib.SMA)
		copyFrom(ind.BBUpper, upper, BBPeriod-1)
		copyFrom(ind.BBMiddle, middle, BBPeriod-1)
		copyFrom(ind.BBLower, lower, BBPeriod-1)
	}
	return ind
}

// SMA is a NaN-padded simple moving average for ad hoc use by strategies.
func SMA(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period > 0 && len(closes) >= period {
		copyFrom(out, talib.Sma(closes, period), period-1)
	}
	return out
}

// RSI is a NaN-padded Wilder RSI.
func RSI(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period > 1 && len(closes) > period {
		copyFrom(out, talib.Rsi(closes, period), period)
	}
	return out
}

// Last returns the final value of s, NaN if empty.
func Last(s []float64) float64 {
	if len(s) == 0 {
		return math.NaN()
	}
	return s[len(s)-1]
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func copyFrom(dst, src []float64, from int) {
	for i := from; i < len(dst) && i < len(src); i++ {
		dst[i] = src[i]
	}
}
