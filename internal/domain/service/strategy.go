package service

import (
	"context"
	"time"

	"FinBacktest/internal/domain/models"
)

// Window is the history visible to a strategy at time At. Every bar is strictly before At.
type Window struct {
	Symbol string
	At     time.Time
	Bars   []models.PriceBar
}

// Score is a strategy output. Raw is in [-1,1], Confidence in [0,1].
type Score struct {
	Raw        float64
	Confidence float64
	Components map[string]float64
}

// Strategy maps a lookback window to a score. Implementations must not retain Window.Bars.
type Strategy interface {
	Name() string
	Score(ctx context.Context, w Window) (Score, error)
}
