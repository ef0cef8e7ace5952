// Package prediction runs a strategy walk-forward over bars without look-ahead.
package prediction

import (
	"context"
	"sort"
	"time"

	"FinBacktest/internal/domain/models"
	domsvc "FinBacktest/internal/domain/service"
	applogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/util"
)

// Config controls sampling and the direction thresholds.
type Config struct {
	LookbackDays        int
	ConfidenceThreshold float64
	Frequency           models.Frequency
	BuyThreshold        float64
	SellThreshold       float64
}

// DefaultConfig mirrors the default backtest parameters.
func DefaultConfig() Config {
	return Config{
		LookbackDays:        60,
		ConfidenceThreshold: 0.65,
		Frequency:           models.FrequencyDaily,
		BuyThreshold:        0.3,
		SellThreshold:       -0.3,
	}
}

// ConfigFromParams derives an engine config from backtest parameters.
func ConfigFromParams(p models.BacktestParams) Config {
	cfg := DefaultConfig()
	cfg.LookbackDays = p.LookbackDays
	cfg.ConfidenceThreshold = p.ConfidenceThreshold
	if p.Frequency != "" {
		cfg.Frequency = p.Frequency
	}
	return cfg
}

// Engine is stateless between calls; one instance may serve sequential runs.
type Engine struct {
	strategy domsvc.Strategy
	cfg      Config
	l        *applogger.Logger
}

func NewEngine(strategy domsvc.Strategy, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = def.LookbackDays
	}
	if cfg.Frequency == "" {
		cfg.Frequency = def.Frequency
	}
	if cfg.BuyThreshold == 0 && cfg.SellThreshold == 0 {
		cfg.BuyThreshold, cfg.SellThreshold = def.BuyThreshold, def.SellThreshold
	}
	return &Engine{strategy: strategy, cfg: cfg}
}

// SetLogger injects a structured logger.
func (e *Engine) SetLogger(l *applogger.Logger) { e.l = l }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// WalkForward emits one prediction per sampled bar timestamp in [start, end].
func (e *Engine) WalkForward(ctx context.Context, symbol string, bars []models.PriceBar, start, end time.Time) ([]models.Prediction, error) {
	if err := models.ValidateSeries(bars); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, &models.InvariantViolation{Reason: "walk-forward range end before start"}
	}
	i, j := models.RangeIndex(bars, start, end)
	if i >= j {
		return nil, &models.InvariantViolation{Reason: "walk-forward range " + util.FormatDay(start) + ".." + util.FormatDay(end) + " outside loaded bars"}
	}

	out := make([]models.Prediction, 0, j-i)
	for k := i; k < j; k++ {
		if k > i && !e.sampled(bars[k-1].Timestamp, bars[k].Timestamp) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, e.predict(ctx, symbol, bars, k, bars[k].Timestamp))
	}
	return out, nil
}

// PredictAt scores timestamp t using only bars strictly before t.
func (e *Engine) PredictAt(ctx context.Context, symbol string, bars []models.PriceBar, t time.Time) (models.Prediction, error) {
	if err := models.ValidateSeries(bars); err != nil {
		return models.Prediction{}, err
	}
	if len(bars) == 0 || t.Before(bars[0].Timestamp) || t.After(bars[len(bars)-1].Timestamp) {
		return models.Prediction{}, &models.InvariantViolation{Reason: "prediction at " + util.FormatDay(t) + " outside loaded bars"}
	}
	k := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(t) })
	return e.predict(ctx, symbol, bars, k, t), nil
}

// predict scores time at from the lookback tail of bars[:k].
func (e *Engine) predict(ctx context.Context, symbol string, bars []models.PriceBar, k int, at time.Time) models.Prediction {
	p := models.Prediction{Timestamp: at, Symbol: symbol, Direction: models.Hold}

	from := k - e.cfg.LookbackDays
	if from < 0 {
		from = 0
	}
	if from >= k {
		return p
	}
	visible := make([]models.PriceBar, k-from)
	copy(visible, bars[from:k])

	s, err := e.strategy.Score(ctx, domsvc.Window{Symbol: symbol, At: at, Bars: visible})
	if err != nil {
		if e.l != nil {
			e.l.Debug("strategy failed, holding",
				applogger.String("strategy", e.strategy.Name()),
				applogger.String("symbol", symbol),
				applogger.Date("at", at),
				applogger.Error(err),
			)
		}
		return p
	}
	p.RawScore = s.Raw
	p.Confidence = s.Confidence
	p.ComponentScores = s.Components
	p.Direction = e.Classify(s.Raw, s.Confidence)
	return p
}

// Classify maps a score to a direction; low confidence always holds.
func (e *Engine) Classify(raw, confidence float64) models.Direction {
	if confidence < e.cfg.ConfidenceThreshold {
		return models.Hold
	}
	switch {
	case raw > e.cfg.BuyThreshold:
		return models.Buy
	case raw < e.cfg.SellThreshold:
		return models.Sell
	default:
		return models.Hold
	}
}

// sampled reports whether cur starts a new sampling period relative to prev.
func (e *Engine) sampled(prev, cur time.Time) bool {
	switch e.cfg.Frequency {
	case models.FrequencyWeekly:
		return !util.SameWeek(prev, cur)
	case models.FrequencyMonthly:
		return !util.SameMonth(prev, cur)
	default:
		return true
	}
}
