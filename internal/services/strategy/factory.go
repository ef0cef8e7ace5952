package strategy

import (
	"sort"
	"time"

	"FinBacktest/internal/domain/models"
	domsvc "FinBacktest/internal/domain/service"
	applogger "FinBacktest/pkg/logger"
)

// Ensemble weight keys.
const (
	WeightSentiment = "sentiment"
	WeightPattern   = "pattern"
)

// DefaultWeights is the 60/40 sentiment/pattern split.
func DefaultWeights() map[string]float64 {
	return map[string]float64{WeightSentiment: 0.6, WeightPattern: 0.4}
}

// Options configures New.
type Options struct {
	// ModelURL enables the external finbert/lstm scorers when set.
	ModelURL     string
	ModelTimeout time.Duration
	Weights      map[string]float64
	Logger       *applogger.Logger
}

// New builds the strategy for a model type.
func New(mt models.ModelType, opts Options) (domsvc.Strategy, error) {
	switch mt {
	case models.ModelFinBERT:
		return sentiment(opts), nil
	case models.ModelLSTM:
		if opts.ModelURL != "" {
			return NewModelScorer(string(models.ModelLSTM), opts.ModelURL, opts.ModelTimeout), nil
		}
		return Pattern{}, nil
	case models.ModelEnsemble, "":
		weights := opts.Weights
		if len(weights) == 0 {
			weights = DefaultWeights()
		}
		keys := make([]string, 0, len(weights))
		for k := range weights {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var comps []Weighted
		for _, k := range keys {
			switch k {
			case WeightSentiment:
				comps = append(comps, Weighted{Strategy: sentiment(opts), Weight: weights[k]})
			case WeightPattern:
				comps = append(comps, Weighted{Strategy: Pattern{}, Weight: weights[k]})
			default:
				return nil, models.NewConfigError("ensemble_weights."+k, "unknown component, want %s or %s", WeightSentiment, WeightPattern)
			}
		}
		e, err := NewEnsemble(comps...)
		if err != nil {
			return nil, err
		}
		if opts.Logger != nil {
			e.SetLogger(opts.Logger)
		}
		return e, nil
	default:
		return nil, models.NewConfigError("model_type", "unknown %q", mt)
	}
}

func sentiment(opts Options) domsvc.Strategy {
	if opts.ModelURL != "" {
		return NewModelScorer(string(models.ModelFinBERT), opts.ModelURL, opts.ModelTimeout)
	}
	return Momentum{}
}
