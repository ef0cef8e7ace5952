package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrProvider         = errors.New("provider error")
	ErrInsufficientData = errors.New("insufficient data")
	ErrConfig           = errors.New("config error")
	ErrInvariant        = errors.New("invariant violation")
)

// ProviderError is a network or parse failure fetching bars. Callers may retry it.
type ProviderError struct {
	Symbol string
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider: %s: %v", e.Symbol, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// InsufficientDataError means the validator rejected the series.
type InsufficientDataError struct {
	Symbol string
	Report ValidationReport
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: %d of %d trading days missing",
		e.Symbol, e.Report.MissingDayCount, e.Report.ExpectedDays)
}

func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }

// ConfigError is a malformed parameter set. Never silently corrected.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(field, format string, a ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, a...)}
}

// InvariantViolation indicates a caller bug, such as predicting outside the loaded bars.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string { return "invariant violation: " + e.Reason }

func (e *InvariantViolation) Is(target error) bool { return target == ErrInvariant }

// Stage names the pipeline step a failure came from.
type Stage string

const (
	StageData         Stage = "data"
	StagePrediction   Stage = "prediction"
	StageSimulation   Stage = "simulation"
	StageOptimization Stage = "optimization"
	StagePortfolio    Stage = "portfolio"
)

// StageError is the structured failure returned by top-level runs.
type StageError struct {
	Stage  Stage     `json:"stage"`
	Symbol string    `json:"symbol,omitempty"`
	Date   time.Time `json:"date,omitempty"`
	Err    error     `json:"-"`
}

func (e *StageError) Error() string {
	msg := "stage " + string(e.Stage)
	if e.Symbol != "" {
		msg += " symbol " + e.Symbol
	}
	if !e.Date.IsZero() {
		msg += " date " + e.Date.Format("2006-01-02")
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// WrapStage attaches stage context unless err already carries it.
func WrapStage(stage Stage, symbol string, date time.Time, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Symbol: symbol, Date: date, Err: err}
}
