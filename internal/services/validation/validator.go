// Package validation checks loaded bar series for gaps, outliers and split artifacts.
package validation

import (
	"math"
	"time"

	"FinBacktest/internal/domain/models"
	"FinBacktest/pkg/util"

	"gonum.org/v1/gonum/stat"
)

// Config holds validator thresholds. Zero values are replaced by defaults.
type Config struct {
	ZScore          float64 `yaml:"z_score" default:"3"`
	Window          int     `yaml:"window" default:"60"`
	MinSamples      int     `yaml:"min_samples" default:"20"`
	SplitLower      float64 `yaml:"split_lower" default:"0.5"`
	SplitUpper      float64 `yaml:"split_upper" default:"2.0"`
	MaxMissingRatio float64 `yaml:"max_missing_ratio" default:"0.10"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		ZScore:          3,
		Window:          60,
		MinSamples:      20,
		SplitLower:      0.5,
		SplitUpper:      2.0,
		MaxMissingRatio: 0.10,
	}
}

// Validator is stateless and safe for concurrent use.
type Validator struct {
	cfg Config
}

func New(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.ZScore <= 0 {
		cfg.ZScore = def.ZScore
	}
	if cfg.Window <= 1 {
		cfg.Window = def.Window
	}
	if cfg.MinSamples <= 1 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MinSamples > cfg.Window {
		cfg.MinSamples = cfg.Window
	}
	if cfg.SplitLower <= 0 {
		cfg.SplitLower = def.SplitLower
	}
	if cfg.SplitUpper <= 1 {
		cfg.SplitUpper = def.SplitUpper
	}
	if cfg.MaxMissingRatio <= 0 {
		cfg.MaxMissingRatio = def.MaxMissingRatio
	}
	return &Validator{cfg: cfg}
}

// Config returns the effective thresholds.
func (v *Validator) Config() Config { return v.cfg }

// Validate produces a report for bars sorted by timestamp, expecting every weekday between
// the first and last bar. It never mutates the input.
func (v *Validator) Validate(bars []models.PriceBar) models.ValidationReport {
	if len(bars) == 0 {
		return v.ValidateRange(bars, time.Time{}, time.Time{})
	}
	return v.ValidateRange(bars, bars[0].Timestamp, bars[len(bars)-1].Timestamp)
}

// ValidateRange is Validate with the expected days taken from [start, end], so a series
// missing the head or tail of the requested range counts those weekdays as missing.
func (v *Validator) ValidateRange(bars []models.PriceBar, start, end time.Time) models.ValidationReport {
	rep := models.ValidationReport{
		OutlierIndices: []int{},
		SplitIndices:   []int{},
		SplitRatios:    []float64{},
	}
	if !start.IsZero() || !end.IsZero() {
		rep.ExpectedDays = util.TradingDays(start, end)
	}
	rep.MissingDayCount = missingDays(bars, start, end, rep.ExpectedDays)
	if len(bars) == 0 {
		return rep
	}

	// returns[k] is the move into bar k+1; split moves stay out of the z-score sample
	returns := make([]float64, 0, len(bars))
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev <= 0 {
			continue
		}
		ratio := bars[i].Close / prev
		if ratio < v.cfg.SplitLower || ratio > v.cfg.SplitUpper {
			rep.SplitIndices = append(rep.SplitIndices, i)
			rep.SplitRatios = append(rep.SplitRatios, ratio)
			continue
		}
		r := ratio - 1
		if len(returns) >= v.cfg.MinSamples {
			from := len(returns) - v.cfg.Window
			if from < 0 {
				from = 0
			}
			mean, sd := stat.MeanStdDev(returns[from:], nil)
			if sd > 0 && math.Abs(r-mean)/sd > v.cfg.ZScore {
				rep.OutlierIndices = append(rep.OutlierIndices, i)
			}
		}
		returns = append(returns, r)
	}

	rep.IsAcceptable = rep.MissingRatio() <= v.cfg.MaxMissingRatio
	return rep
}

// missingDays counts weekdays in [start, end] that have no bar.
func missingDays(bars []models.PriceBar, start, end time.Time, expected int) int {
	lo, hi := util.Day(start), util.Day(end)
	seen := make(map[int64]struct{}, len(bars))
	for _, b := range bars {
		d := util.Day(b.Timestamp)
		if !util.IsTradingDay(d) || d.Before(lo) || d.After(hi) {
			continue
		}
		seen[d.Unix()] = struct{}{}
	}
	missing := expected - len(seen)
	if missing < 0 {
		return 0
	}
	return missing
}

// CorrectSplits returns a copy of bars with every price before each suspected split divided
// by the split factor (prev_close/close) and volume multiplied by it.
func CorrectSplits(bars []models.PriceBar, rep models.ValidationReport) []models.PriceBar {
	out := make([]models.PriceBar, len(bars))
	copy(out, bars)
	for k, idx := range rep.SplitIndices {
		if idx <= 0 || idx >= len(out) || k >= len(rep.SplitRatios) || rep.SplitRatios[k] <= 0 {
			continue
		}
		factor := 1 / rep.SplitRatios[k]
		for i := 0; i < idx; i++ {
			out[i].Open /= factor
			out[i].High /= factor
			out[i].Low /= factor
			out[i].Close /= factor
			out[i].Volume *= factor
		}
	}
	return out
}
