package models

import "time"

// Direction is the trading signal derived from a raw score.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
	Hold Direction = "HOLD"
)

// Prediction is produced one per evaluated timestamp and never mutated.
type Prediction struct {
	Timestamp       time.Time          `json:"timestamp"`
	Symbol          string             `json:"symbol"`
	Direction       Direction          `json:"direction"`
	RawScore        float64            `json:"raw_score"`
	Confidence      float64            `json:"confidence"`
	ComponentScores map[string]float64 `json:"component_scores,omitempty"`
}

// Frequency controls how often the walk-forward loop evaluates a timestamp.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// ModelType selects the scoring strategy.
type ModelType string

const (
	ModelFinBERT  ModelType = "finbert"
	ModelLSTM     ModelType = "lstm"
	ModelEnsemble ModelType = "ensemble"
)
