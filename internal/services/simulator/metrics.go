package simulator

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"FinBacktest/internal/domain/models"
)

// TradingDaysPerYear annualizes daily ratios.
const TradingDaysPerYear = 252

// ComputeMetrics derives the performance summary. Ratios with a zero denominator are 0.
// TotalReturnPct and MaxDrawdownPct are percentages; WinRate is a fraction.
func ComputeMetrics(initial float64, trades []models.ClosedTrade, curve []models.EquityPoint) models.Metrics {
	m := models.Metrics{
		InitialCapital: initial,
		FinalEquity:    initial,
		TotalTrades:    len(trades),
	}
	if n := len(curve); n > 0 {
		m.FinalEquity = curve[n-1].Equity
	}
	if initial > 0 {
		m.TotalReturnPct = (m.FinalEquity/initial - 1) * 100
	}

	rets := EquityReturns(curve)
	m.SharpeRatio = Sharpe(rets)
	m.SortinoRatio = Sortino(rets)
	m.MaxDrawdownPct = MaxDrawdown(curve) * 100

	var wins, grossWin, grossLoss float64
	holding := 0
	for _, t := range trades {
		holding += t.HoldingDays
		switch {
		case t.GrossPnL > 0:
			wins++
			grossWin += t.GrossPnL
		case t.GrossPnL < 0:
			grossLoss -= t.GrossPnL
		}
	}
	if len(trades) > 0 {
		m.WinRate = wins / float64(len(trades))
		m.AvgHoldingDays = float64(holding) / float64(len(trades))
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	}
	return m
}

// EquityReturns are period-over-period simple returns of the curve.
func EquityReturns(curve []models.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, curve[i].Equity/prev-1)
	}
	return out
}

// Sharpe is mean over sample standard deviation, annualized by sqrt(252). Risk-free rate is 0.
func Sharpe(rets []float64) float64 {
	if len(rets) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(rets, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(TradingDaysPerYear)
}

// Sortino uses the downside deviation over all periods, with non-negative returns counted as zero.
func Sortino(rets []float64) float64 {
	if len(rets) < 2 {
		return 0
	}
	var sq float64
	for _, r := range rets {
		if r < 0 {
			sq += r * r
		}
	}
	dd := math.Sqrt(sq / float64(len(rets)))
	if dd == 0 {
		return 0
	}
	return stat.Mean(rets, nil) / dd * math.Sqrt(TradingDaysPerYear)
}

// MaxDrawdown is the largest peak-to-trough decline as a fraction of the peak.
func MaxDrawdown(curve []models.EquityPoint) float64 {
	var peak, mdd float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > mdd {
				mdd = dd
			}
		}
	}
	return mdd
}
