package strategy

import (
	"context"
	"math"

	"FinBacktest/internal/domain/models"
	domsvc "FinBacktest/internal/domain/service"
	applogger "FinBacktest/pkg/logger"
)

// Weighted pairs a component strategy with its ensemble weight.
type Weighted struct {
	Strategy domsvc.Strategy
	Weight   float64
}

// Ensemble combines components with one normalizer shared by score and confidence:
//
//	raw        = Σ w_i·s_i / W
//	confidence = Σ w_i·c_i / W,  W = Σ w_i
//
// A failing component contributes (0, 0) and keeps its weight in W.
type Ensemble struct {
	components []Weighted
	normalizer float64
	l          *applogger.Logger
}

var _ domsvc.Strategy = (*Ensemble)(nil)

// NewEnsemble validates weights: each finite and non-negative, with a positive sum.
func NewEnsemble(components ...Weighted) (*Ensemble, error) {
	if len(components) == 0 {
		return nil, models.NewConfigError("ensemble_weights", "at least one component required")
	}
	w := 0.0
	for _, c := range components {
		if c.Strategy == nil {
			return nil, models.NewConfigError("ensemble_weights", "nil component")
		}
		if c.Weight < 0 || math.IsNaN(c.Weight) || math.IsInf(c.Weight, 0) {
			return nil, models.NewConfigError("ensemble_weights."+c.Strategy.Name(), "must be a finite non-negative number")
		}
		w += c.Weight
	}
	if w <= 0 {
		return nil, models.NewConfigError("ensemble_weights", "weights sum to zero")
	}
	return &Ensemble{components: components, normalizer: w}, nil
}

// SetLogger injects a structured logger.
func (e *Ensemble) SetLogger(l *applogger.Logger) { e.l = l }

func (e *Ensemble) Name() string { return "ensemble" }

// Normalizer returns W, the weight sum dividing both aggregates.
func (e *Ensemble) Normalizer() float64 { return e.normalizer }

func (e *Ensemble) Score(ctx context.Context, w domsvc.Window) (domsvc.Score, error) {
	var rawSum, confSum float64
	comps := make(map[string]float64, len(e.components))
	for _, c := range e.components {
		if err := ctx.Err(); err != nil {
			return domsvc.Score{}, err
		}
		s, err := c.Strategy.Score(ctx, w)
		if err != nil {
			if e.l != nil {
				e.l.Debug("ensemble component failed, using neutral score",
					applogger.String("component", c.Strategy.Name()),
					applogger.String("symbol", w.Symbol),
					applogger.Date("at", w.At),
					applogger.Error(err),
				)
			}
			s = domsvc.Score{}
		}
		rawSum += c.Weight * s.Raw
		confSum += c.Weight * s.Confidence
		comps[c.Strategy.Name()] = s.Raw
	}
	return domsvc.Score{
		Raw:        clamp(rawSum/e.normalizer, -1, 1),
		Confidence: clamp(confSum/e.normalizer, 0, 1),
		Components: comps,
	}, nil
}
