// Package simulator turns signals into position-sized fills against a single cash account.
package simulator

import (
	"fmt"
	"math"
	"sort"
	"time"

	"FinBacktest/internal/domain/models"
	applogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/util"
)

// dust below this quantity is treated as flat
const qtyEpsilon = 1e-9

// Config holds account and execution settings. Percentages are fractions.
type Config struct {
	InitialCapital  float64
	CommissionPct   float64
	SlippagePct     float64
	PositionSizeMin float64
	PositionSizeMax float64
	StopLossPct     float64
	TakeProfitPct   float64
	EmbargoDays     int
	AllowShort      bool
}

// ConfigFromParams maps backtest parameters onto a simulator config.
func ConfigFromParams(p models.BacktestParams) Config {
	return Config{
		InitialCapital:  p.InitialCapital,
		CommissionPct:   p.CommissionPct,
		SlippagePct:     p.SlippagePct,
		PositionSizeMin: p.PositionSizeMin,
		PositionSizeMax: p.PositionSizeMax,
		StopLossPct:     p.StopLossPct,
		TakeProfitPct:   p.TakeProfitPct,
		EmbargoDays:     p.EmbargoDays,
		AllowShort:      p.AllowShort,
	}
}

// Simulator owns one account. It is not safe for concurrent use; runs are sequential
// and every mutation must arrive in timestamp order.
type Simulator struct {
	cfg       Config
	cash      float64
	positions map[string]*models.Position
	lastPrice map[string]float64
	lastExit  map[string]time.Time
	closed    []models.ClosedTrade
	curve     []models.EquityPoint
	clock     time.Time
	l         *applogger.Logger
}

func New(cfg Config) *Simulator {
	return &Simulator{
		cfg:       cfg,
		cash:      cfg.InitialCapital,
		positions: make(map[string]*models.Position),
		lastPrice: make(map[string]float64),
		lastExit:  make(map[string]time.Time),
	}
}

// SetLogger injects a structured logger.
func (s *Simulator) SetLogger(l *applogger.Logger) { s.l = l }

// Cash returns uninvested cash.
func (s *Simulator) Cash() float64 { return s.cash }

// Position returns a copy of the open position for symbol.
func (s *Simulator) Position(symbol string) (models.Position, bool) {
	p, ok := s.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

// ClosedTrades returns closed trades in close order.
func (s *Simulator) ClosedTrades() []models.ClosedTrade {
	return append([]models.ClosedTrade(nil), s.closed...)
}

// EquityCurve returns the marked equity samples.
func (s *Simulator) EquityCurve() []models.EquityPoint {
	return append([]models.EquityPoint(nil), s.curve...)
}

// Equity is cash plus every open position marked at its last known price.
func (s *Simulator) Equity() float64 {
	eq := s.cash
	for sym, p := range s.positions {
		eq += p.MarketValue(s.lastPrice[sym])
	}
	return eq
}

// PositionFraction maps confidence to the share of equity to commit:
// min at confidence 0.5 or below, max at 1.0, linear in between.
func (s *Simulator) PositionFraction(confidence float64) float64 {
	t := (confidence - 0.5) / 0.5
	t = math.Max(0, math.Min(1, t))
	return s.cfg.PositionSizeMin + (s.cfg.PositionSizeMax-s.cfg.PositionSizeMin)*t
}

// Embargoed reports whether re-entry on symbol is blocked at ts.
func (s *Simulator) Embargoed(symbol string, ts time.Time) bool {
	if s.cfg.EmbargoDays <= 0 {
		return false
	}
	exit, ok := s.lastExit[symbol]
	if !ok {
		return false
	}
	return util.TradingDaysAfter(exit, ts) <= s.cfg.EmbargoDays
}

// ExecuteSignal applies one signal at reference price. BUY covers a short or opens/adds a long.
// SELL closes a long or, with shorting enabled, opens/adds a short. HOLD is a no-op.
func (s *Simulator) ExecuteSignal(ts time.Time, symbol string, dir models.Direction, price, confidence float64) error {
	if err := s.advance(ts, symbol, price); err != nil {
		return err
	}
	pos, open := s.positions[symbol]

	switch dir {
	case models.Hold:
		return nil
	case models.Buy:
		if open && pos.Quantity < 0 {
			s.closeQty(symbol, -pos.Quantity, price, ts, models.ExitSignal)
			return nil
		}
		if !open && s.Embargoed(symbol, ts) {
			return nil
		}
		s.open(ts, symbol, +1, price, s.Equity()*s.PositionFraction(confidence))
	case models.Sell:
		if open && pos.Quantity > 0 {
			s.closeQty(symbol, pos.Quantity, price, ts, models.ExitSignal)
			return nil
		}
		if !s.cfg.AllowShort || (!open && s.Embargoed(symbol, ts)) {
			return nil
		}
		s.open(ts, symbol, -1, price, s.Equity()*s.PositionFraction(confidence))
	default:
		return &models.InvariantViolation{Reason: fmt.Sprintf("unknown direction %q", dir)}
	}
	return nil
}

// ClosePosition fully closes symbol at reference price. Returns nil if flat.
func (s *Simulator) ClosePosition(symbol string, price float64, ts time.Time, reason models.ExitReason) (*models.ClosedTrade, error) {
	if err := s.advance(ts, symbol, price); err != nil {
		return nil, err
	}
	pos, ok := s.positions[symbol]
	if !ok {
		return nil, nil
	}
	return s.closeQty(symbol, math.Abs(pos.Quantity), price, ts, reason), nil
}

// CloseAll closes every open position at the given prices, in symbol order.
func (s *Simulator) CloseAll(ts time.Time, prices map[string]float64, reason models.ExitReason) error {
	for _, sym := range s.openSymbols() {
		price, ok := prices[sym]
		if !ok {
			price = s.lastPrice[sym]
		}
		if _, err := s.ClosePosition(sym, price, ts, reason); err != nil {
			return err
		}
	}
	return nil
}

// MarkToMarket updates last prices and appends an equity sample. A second mark at the same
// timestamp replaces the first.
func (s *Simulator) MarkToMarket(ts time.Time, prices map[string]float64) error {
	for sym, p := range prices {
		if err := s.advance(ts, sym, p); err != nil {
			return err
		}
	}
	pt := models.EquityPoint{Timestamp: ts, Equity: s.Equity(), Cash: s.cash}
	if n := len(s.curve); n > 0 && s.curve[n-1].Timestamp.Equal(ts) {
		s.curve[n-1] = pt
		return nil
	}
	s.curve = append(s.curve, pt)
	return nil
}

// ApplyRiskOverlays checks stop-loss and take-profit against bar. A gap through a level fills at
// the open; otherwise the level itself fills. If both levels trade within the bar the stop wins.
func (s *Simulator) ApplyRiskOverlays(ts time.Time, symbol string, bar models.PriceBar) (*models.ClosedTrade, error) {
	pos, ok := s.positions[symbol]
	if !ok {
		return nil, nil
	}
	sl, tp := pos.StopLossPrice, pos.TakeProfitPrice
	var (
		fill   float64
		reason models.ExitReason
	)
	if pos.Quantity > 0 {
		switch {
		case sl > 0 && bar.Open <= sl:
			fill, reason = bar.Open, models.ExitStopLoss
		case tp > 0 && bar.Open >= tp:
			fill, reason = bar.Open, models.ExitTakeProfit
		case sl > 0 && bar.Low <= sl:
			fill, reason = sl, models.ExitStopLoss
		case tp > 0 && bar.High >= tp:
			fill, reason = tp, models.ExitTakeProfit
		}
	} else {
		switch {
		case sl > 0 && bar.Open >= sl:
			fill, reason = bar.Open, models.ExitStopLoss
		case tp > 0 && bar.Open <= tp:
			fill, reason = bar.Open, models.ExitTakeProfit
		case sl > 0 && bar.High >= sl:
			fill, reason = sl, models.ExitStopLoss
		case tp > 0 && bar.Low <= tp:
			fill, reason = tp, models.ExitTakeProfit
		}
	}
	if reason == "" {
		return nil, nil
	}
	return s.ClosePosition(symbol, fill, ts, reason)
}

// Rebalance trues the long position in symbol up or down toward targetValue at price.
// A non-positive target closes the position.
func (s *Simulator) Rebalance(ts time.Time, symbol string, targetValue, price float64) error {
	if err := s.advance(ts, symbol, price); err != nil {
		return err
	}
	pos, open := s.positions[symbol]
	if open && pos.Quantity < 0 {
		s.closeQty(symbol, -pos.Quantity, price, ts, models.ExitRebalance)
		open = false
	}
	if targetValue <= 0 {
		if open {
			s.closeQty(symbol, pos.Quantity, price, ts, models.ExitRebalance)
		}
		return nil
	}

	current := 0.0
	if open {
		current = pos.Quantity * price
	}
	diff := targetValue - current
	// ignore churn below 0.1% of equity
	if math.Abs(diff) < 0.001*s.Equity() {
		return nil
	}
	if diff > 0 {
		s.open(ts, symbol, +1, price, diff)
		return nil
	}
	qty := math.Min(-diff/price, pos.Quantity)
	s.closeQty(symbol, qty, price, ts, models.ExitRebalance)
	return nil
}

// advance enforces timestamp order and a usable price, and records the price as the latest mark.
func (s *Simulator) advance(ts time.Time, symbol string, price float64) error {
	if ts.Before(s.clock) {
		return &models.InvariantViolation{Reason: fmt.Sprintf("event at %s after %s", util.FormatDay(ts), util.FormatDay(s.clock))}
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return &models.InvariantViolation{Reason: fmt.Sprintf("%s: unusable price %v at %s", symbol, price, util.FormatDay(ts))}
	}
	s.clock = ts
	s.lastPrice[symbol] = price
	return nil
}

// open adds |budget| worth of exposure in direction sign, capped by cash.
func (s *Simulator) open(ts time.Time, symbol string, sign float64, price, budget float64) {
	slip, comm := s.cfg.SlippagePct, s.cfg.CommissionPct
	fill := price * (1 + sign*slip)
	qty := budget / fill
	// longs pay fill plus commission from cash; shorts are collateralized by cash
	perUnit := fill * (1 + comm)
	if maxQty := s.cash / perUnit; qty > maxQty {
		qty = maxQty
	}
	if qty <= qtyEpsilon {
		return
	}

	commission := comm * qty * fill
	slippage := slip * price * qty
	if sign > 0 {
		s.cash -= qty*fill + commission
	} else {
		s.cash += qty*fill - commission
	}

	pos, ok := s.positions[symbol]
	if !ok {
		pos = &models.Position{Symbol: symbol, EntryTime: ts}
		s.positions[symbol] = pos
	}
	prevQty := math.Abs(pos.Quantity)
	pos.EntryPrice = (pos.EntryPrice*prevQty + price*qty) / (prevQty + qty)
	pos.Quantity += sign * qty
	pos.EntryCommission += commission
	pos.EntrySlippage += slippage
	s.setLevels(pos)

	if s.l != nil {
		s.l.Debug("fill open",
			applogger.String("symbol", symbol),
			applogger.Date("date", ts),
			applogger.Float64("qty", sign*qty),
			applogger.Float64("price", price),
			applogger.Float64("fill", fill),
		)
	}
}

func (s *Simulator) setLevels(pos *models.Position) {
	pos.StopLossPrice, pos.TakeProfitPrice = 0, 0
	long := pos.Quantity > 0
	if s.cfg.StopLossPct > 0 {
		if long {
			pos.StopLossPrice = pos.EntryPrice * (1 - s.cfg.StopLossPct)
		} else {
			pos.StopLossPrice = pos.EntryPrice * (1 + s.cfg.StopLossPct)
		}
	}
	if s.cfg.TakeProfitPct > 0 {
		if long {
			pos.TakeProfitPrice = pos.EntryPrice * (1 + s.cfg.TakeProfitPct)
		} else {
			pos.TakeProfitPrice = math.Max(0, pos.EntryPrice*(1-s.cfg.TakeProfitPct))
		}
	}
}

// closeQty closes qty units (unsigned) of the position, allocating entry costs pro rata.
func (s *Simulator) closeQty(symbol string, qty, price float64, ts time.Time, reason models.ExitReason) *models.ClosedTrade {
	pos := s.positions[symbol]
	held := math.Abs(pos.Quantity)
	if qty > held {
		qty = held
	}
	share := qty / held
	sign := 1.0
	if pos.Quantity < 0 {
		sign = -1
	}

	slip, comm := s.cfg.SlippagePct, s.cfg.CommissionPct
	fill := price * (1 - sign*slip)
	exitCommission := comm * qty * fill
	exitSlippage := slip * price * qty
	if sign > 0 {
		s.cash += qty*fill - exitCommission
	} else {
		s.cash -= qty*fill + exitCommission
	}

	entryCommission := pos.EntryCommission * share
	entrySlippage := pos.EntrySlippage * share
	signedQty := sign * qty
	commission := entryCommission + exitCommission
	slippage := entrySlippage + exitSlippage
	trade := models.ClosedTrade{
		Symbol:         symbol,
		Side:           pos.Side(),
		EntryTime:      pos.EntryTime,
		EntryPrice:     pos.EntryPrice,
		ExitTime:       ts,
		ExitPrice:      price,
		Quantity:       signedQty,
		GrossPnL:       (price-pos.EntryPrice)*signedQty - commission - slippage,
		CommissionPaid: commission,
		SlippageCost:   slippage,
		HoldingDays:    util.TradingDaysAfter(pos.EntryTime, ts),
		ExitReason:     reason,
	}
	s.closed = append(s.closed, trade)

	remaining := held - qty
	if remaining <= qtyEpsilon || remaining/held < 1e-9 {
		delete(s.positions, symbol)
		s.lastExit[symbol] = ts
	} else {
		pos.Quantity = sign * remaining
		pos.EntryCommission -= entryCommission
		pos.EntrySlippage -= entrySlippage
	}

	if s.l != nil {
		s.l.Debug("fill close",
			applogger.String("symbol", symbol),
			applogger.Date("date", ts),
			applogger.String("reason", string(reason)),
			applogger.Float64("qty", signedQty),
			applogger.Float64("pnl", trade.GrossPnL),
		)
	}
	return &trade
}

func (s *Simulator) openSymbols() []string {
	syms := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}

// Metrics summarizes the closed trades and the equity curve.
func (s *Simulator) Metrics() models.Metrics {
	m := ComputeMetrics(s.cfg.InitialCapital, s.closed, s.curve)
	if len(s.curve) == 0 {
		m.FinalEquity = s.Equity()
	}
	return m
}
