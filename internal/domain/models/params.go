package models

import (
	"fmt"
	"math"
	"sort"
)

// BacktestParams is the full set of knobs for one single-symbol run.
// Percentages are fractions: 0.03 means 3%.
type BacktestParams struct {
	ModelType           ModelType          `json:"model_type" yaml:"model_type"`
	InitialCapital      float64            `json:"initial_capital" yaml:"initial_capital"`
	ConfidenceThreshold float64            `json:"confidence_threshold" yaml:"confidence_threshold"`
	LookbackDays        int                `json:"lookback_days" yaml:"lookback_days"`
	Frequency           Frequency          `json:"frequency" yaml:"frequency"`
	CommissionPct       float64            `json:"commission_pct" yaml:"commission_pct"`
	SlippagePct         float64            `json:"slippage_pct" yaml:"slippage_pct"`
	PositionSizeMin     float64            `json:"position_size_min" yaml:"position_size_min"`
	PositionSizeMax     float64            `json:"position_size_max" yaml:"position_size_max"`
	StopLossPct         float64            `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	TakeProfitPct       float64            `json:"take_profit_pct" yaml:"take_profit_pct"`
	EmbargoDays         int                `json:"embargo_days" yaml:"embargo_days"`
	AllowShort          bool               `json:"allow_short" yaml:"allow_short"`
	EnsembleWeights     map[string]float64 `json:"ensemble_weights,omitempty" yaml:"ensemble_weights"`
}

// DefaultBacktestParams returns the tuned defaults that the optimizer does not re-search.
func DefaultBacktestParams() BacktestParams {
	return BacktestParams{
		ModelType:           ModelEnsemble,
		InitialCapital:      10000,
		ConfidenceThreshold: 0.65,
		LookbackDays:        60,
		Frequency:           FrequencyDaily,
		CommissionPct:       0.001,
		SlippagePct:         0.0005,
		PositionSizeMin:     0.05,
		PositionSizeMax:     0.20,
		StopLossPct:         0.03,
		TakeProfitPct:       0.10,
		EmbargoDays:         0,
	}
}

// Validate returns a ConfigError for the first malformed field.
func (p BacktestParams) Validate() error {
	switch p.ModelType {
	case ModelFinBERT, ModelLSTM, ModelEnsemble:
	default:
		return NewConfigError("model_type", "must be finbert, lstm or ensemble, got %q", p.ModelType)
	}
	switch p.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return NewConfigError("frequency", "must be daily, weekly or monthly, got %q", p.Frequency)
	}
	checks := []struct {
		field string
		ok    bool
		why   string
	}{
		{"initial_capital", p.InitialCapital > 0, "must be positive"},
		{"confidence_threshold", between(p.ConfidenceThreshold, 0, 1), "must be in [0,1]"},
		{"lookback_days", p.LookbackDays >= 2, "must be at least 2"},
		{"commission_pct", between(p.CommissionPct, 0, 0.1), "must be in [0,0.1]"},
		{"slippage_pct", between(p.SlippagePct, 0, 0.1), "must be in [0,0.1]"},
		{"position_size_min", p.PositionSizeMin > 0 && p.PositionSizeMin <= 1, "must be in (0,1]"},
		{"position_size_max", p.PositionSizeMax > 0 && p.PositionSizeMax <= 1, "must be in (0,1]"},
		{"position_size_max", p.PositionSizeMax >= p.PositionSizeMin, "must be >= position_size_min"},
		{"stop_loss_pct", between(p.StopLossPct, 0, 1), "must be in [0,1]"},
		{"take_profit_pct", p.TakeProfitPct >= 0, "must be non-negative"},
		{"embargo_days", p.EmbargoDays >= 0, "must be non-negative"},
	}
	for _, c := range checks {
		if !c.ok {
			return &ConfigError{Field: c.field, Reason: c.why}
		}
	}
	for name, w := range p.EnsembleWeights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return NewConfigError("ensemble_weights."+name, "must be a finite non-negative number")
		}
	}
	return nil
}

func between(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

// ParamSet is one candidate point of the optimizer search, keyed by parameter name.
type ParamSet map[string]float64

// Keys returns parameter names in sorted order.
func (ps ParamSet) Keys() []string {
	keys := make([]string, 0, len(ps))
	for k := range ps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the set deterministically, e.g. "lookback_days=60,stop_loss_pct=0.03".
func (ps ParamSet) String() string {
	out := ""
	for i, k := range ps.Keys() {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s=%g", k, ps[k])
	}
	return out
}

// TunableParams lists parameter names the optimizer may vary.
var TunableParams = []string{
	"commission_pct",
	"confidence_threshold",
	"embargo_days",
	"lookback_days",
	"position_size_max",
	"position_size_min",
	"slippage_pct",
	"stop_loss_pct",
	"take_profit_pct",
}

// IsTunable reports whether name can appear in a ParamSet.
func IsTunable(name string) bool {
	for _, n := range TunableParams {
		if n == name {
			return true
		}
	}
	return false
}

// Apply returns a copy of p with the overrides in ps. Unknown names are a ConfigError.
func (p BacktestParams) Apply(ps ParamSet) (BacktestParams, error) {
	out := p
	for _, k := range ps.Keys() {
		v := ps[k]
		switch k {
		case "commission_pct":
			out.CommissionPct = v
		case "confidence_threshold":
			out.ConfidenceThreshold = v
		case "embargo_days":
			out.EmbargoDays = int(math.Round(v))
		case "lookback_days":
			out.LookbackDays = int(math.Round(v))
		case "position_size_max":
			out.PositionSizeMax = v
		case "position_size_min":
			out.PositionSizeMin = v
		case "slippage_pct":
			out.SlippagePct = v
		case "stop_loss_pct":
			out.StopLossPct = v
		case "take_profit_pct":
			out.TakeProfitPct = v
		default:
			return p, NewConfigError(k, "unknown parameter")
		}
	}
	return out, nil
}
