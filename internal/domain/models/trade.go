package models

import "time"

// Side is the direction of an open or closed position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// ExitReason records why a position moved to CLOSED.
type ExitReason string

const (
	ExitStopLoss    ExitReason = "stop_loss"
	ExitTakeProfit  ExitReason = "take_profit"
	ExitSignal      ExitReason = "signal"
	ExitRebalance   ExitReason = "rebalance"
	ExitEndOfPeriod ExitReason = "end_of_period"
)

// Position is an OPEN holding. Quantity is negative for shorts.
// EntryPrice is the reference price before slippage.
type Position struct {
	Symbol          string    `json:"symbol"`
	Quantity        float64   `json:"quantity"`
	EntryPrice      float64   `json:"entry_price"`
	EntryTime       time.Time `json:"entry_time"`
	StopLossPrice   float64   `json:"stop_loss_price"`
	TakeProfitPrice float64   `json:"take_profit_price"`
	EntryCommission float64   `json:"entry_commission"`
	EntrySlippage   float64   `json:"entry_slippage"`
}

// Side returns LONG or SHORT from the quantity sign.
func (p *Position) Side() Side {
	if p.Quantity < 0 {
		return Short
	}
	return Long
}

// MarketValue is the signed value at price.
func (p *Position) MarketValue(price float64) float64 {
	return p.Quantity * price
}

// ClosedTrade is the terminal, immutable form of a position (or of a partial close).
// GrossPnL = (ExitPrice - EntryPrice) * Quantity - CommissionPaid - SlippageCost.
type ClosedTrade struct {
	Symbol         string     `json:"symbol"`
	Side           Side       `json:"side"`
	EntryTime      time.Time  `json:"entry_time"`
	EntryPrice     float64    `json:"entry_price"`
	ExitTime       time.Time  `json:"exit_time"`
	ExitPrice      float64    `json:"exit_price"`
	Quantity       float64    `json:"quantity"`
	GrossPnL       float64    `json:"gross_pnl"`
	CommissionPaid float64    `json:"commission_paid"`
	SlippageCost   float64    `json:"slippage_cost"`
	HoldingDays    int        `json:"holding_days"`
	ExitReason     ExitReason `json:"exit_reason"`
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
	Cash      float64   `json:"cash"`
}

// Metrics is the machine-readable performance summary.
type Metrics struct {
	TotalReturnPct float64 `json:"total_return_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	SortinoRatio   float64 `json:"sortino_ratio"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	WinRate        float64 `json:"win_rate"`
	ProfitFactor   float64 `json:"profit_factor"`
	TotalTrades    int     `json:"total_trades"`
	AvgHoldingDays float64 `json:"avg_holding_days"`
	InitialCapital float64 `json:"initial_capital"`
	FinalEquity    float64 `json:"final_equity"`
}
