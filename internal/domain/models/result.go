package models

import "time"

// BacktestResult is the outcome of one single-symbol run.
type BacktestResult struct {
	RunID       string            `json:"run_id"`
	Symbol      string            `json:"symbol"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	Params      BacktestParams    `json:"params"`
	Signals     int               `json:"signals"`
	Trades      []ClosedTrade     `json:"trades"`
	EquityCurve []EquityPoint     `json:"equity_curve"`
	Metrics     Metrics           `json:"metrics"`
	Report      *ValidationReport `json:"validation_report,omitempty"`
}

// OptimizationResult is one ranked candidate of a parameter search.
type OptimizationResult struct {
	Rank         int      `json:"rank"`
	Params       ParamSet `json:"params"`
	Train        Metrics  `json:"train_metrics"`
	Test         Metrics  `json:"test_metrics"`
	OverfitRatio float64  `json:"overfit_ratio"`
}

// OptimizationProgress is emitted after each evaluated combination.
type OptimizationProgress struct {
	RunID     string `json:"run_id"`
	Symbol    string `json:"symbol"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// AllocationStrategy decides portfolio target weights.
type AllocationStrategy string

const (
	AllocationEqual      AllocationStrategy = "equal"
	AllocationRiskParity AllocationStrategy = "risk_parity"
	AllocationCustom     AllocationStrategy = "custom"
)

// RebalanceFrequency decides when positions are trued up to target weights.
type RebalanceFrequency string

const (
	RebalanceNever     RebalanceFrequency = "never"
	RebalanceWeekly    RebalanceFrequency = "weekly"
	RebalanceMonthly   RebalanceFrequency = "monthly"
	RebalanceQuarterly RebalanceFrequency = "quarterly"
)

// SymbolBreakdown is the per-symbol slice of a portfolio run.
type SymbolBreakdown struct {
	Symbol       string  `json:"symbol"`
	Trades       int     `json:"trades"`
	RealizedPnL  float64 `json:"realized_pnl"`
	WinRate      float64 `json:"win_rate"`
	TargetWeight float64 `json:"target_weight"`
	FinalWeight  float64 `json:"final_weight"`
	Signals      int     `json:"signals"`
}

// PortfolioResult is the outcome of a multi-asset run.
type PortfolioResult struct {
	RunID                string                     `json:"run_id"`
	Symbols              []string                   `json:"symbols"`
	Start                time.Time                  `json:"start"`
	End                  time.Time                  `json:"end"`
	Allocation           AllocationStrategy         `json:"allocation_strategy"`
	Rebalance            RebalanceFrequency         `json:"rebalance_frequency"`
	Metrics              Metrics                    `json:"metrics"`
	PerSymbol            map[string]SymbolBreakdown `json:"per_symbol"`
	Correlation          [][]float64                `json:"correlation_matrix"`
	AverageCorrelation   float64                    `json:"average_correlation"`
	EffectiveBets        float64                    `json:"effective_bets"`
	DiversificationRatio float64                    `json:"diversification_ratio"`
	Rebalances           int                        `json:"rebalances"`
	Trades               []ClosedTrade              `json:"trades"`
	EquityCurve          []EquityPoint              `json:"equity_curve"`
}
