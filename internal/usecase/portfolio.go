package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	"FinBacktest/internal/services/features"
	"FinBacktest/internal/services/prediction"
	"FinBacktest/internal/services/simulator"
	applogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/queue"
	"FinBacktest/pkg/util"
)

// weightTolerance bounds |sum(custom weights) - 1|.
const weightTolerance = 1e-6

// riskParityWindow is the trailing return count used for 1/sigma weights.
const riskParityWindow = 60

// PortfolioRequest describes one multi-asset run.
type PortfolioRequest struct {
	RunID         string                    `json:"run_id,omitempty"`
	Symbols       []string                  `json:"symbols"`
	Start         time.Time                 `json:"start"`
	End           time.Time                 `json:"end"`
	Interval      models.Interval           `json:"interval,omitempty"`
	Params        models.BacktestParams     `json:"params"`
	Allocation    models.AllocationStrategy `json:"allocation_strategy"`
	CustomWeights map[string]float64        `json:"custom_weights,omitempty"`
	Rebalance     models.RebalanceFrequency `json:"rebalance_frequency"`
	Workers       int                       `json:"workers,omitempty"`
}

// PortfolioOption configures PortfolioBacktester.
type PortfolioOption func(*PortfolioBacktester)

// WithPortfolioPublisher ships finished runs downstream.
func WithPortfolioPublisher(p domrepo.ResultPublisher) PortfolioOption {
	return func(b *PortfolioBacktester) { b.pub = p }
}

// WithPortfolioMetrics records run durations and failures.
func WithPortfolioMetrics(m domrepo.Metrics) PortfolioOption {
	return func(b *PortfolioBacktester) { b.m = m }
}

// WithLoadWorkers bounds concurrent per-symbol loads.
func WithLoadWorkers(n int) PortfolioOption {
	return func(b *PortfolioBacktester) { b.workers = n }
}

// PortfolioBacktester runs predictions per symbol and trades them from one shared account.
type PortfolioBacktester struct {
	runner  *BacktestRunner
	pub     domrepo.ResultPublisher
	m       domrepo.Metrics
	workers int
	l       *applogger.Logger
}

func NewPortfolioBacktester(runner *BacktestRunner, opts ...PortfolioOption) *PortfolioBacktester {
	b := &PortfolioBacktester{runner: runner, workers: 4}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetLogger injects a structured logger.
func (b *PortfolioBacktester) SetLogger(l *applogger.Logger) { b.l = l }

// symbolState is the per-symbol input of the sequential simulation phase.
type symbolState struct {
	symbol  string
	bars    []models.PriceBar
	byDay   map[time.Time]int
	preds   map[time.Time]models.Prediction
	active  bool
	signals int
}

// Run validates the request, loads every symbol concurrently, then simulates the portfolio.
func (b *PortfolioBacktester) Run(ctx context.Context, req PortfolioRequest) (*models.PortfolioResult, error) {
	t0 := time.Now()
	if err := NormalizePortfolioRequest(&req); err != nil {
		return nil, b.fail(models.WrapStage(models.StagePortfolio, "", time.Time{}, err))
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Workers <= 0 {
		req.Workers = b.workers
	}

	states := make([]*symbolState, len(req.Symbols))
	pool := queue.NewPool(&queue.QueueConfig{Workers: req.Workers}, b.l)
	err := pool.Run(ctx, len(req.Symbols), func(ctx context.Context, i int) error {
		st, err := b.prepare(ctx, req, req.Symbols[i])
		if err != nil {
			return err
		}
		states[i] = st
		return nil
	})
	if err != nil {
		return nil, b.fail(err)
	}

	res, err := b.simulate(req, states)
	if err != nil {
		return nil, b.fail(models.WrapStage(models.StagePortfolio, "", time.Time{}, err))
	}
	res.RunID = req.RunID

	if b.m != nil {
		b.m.RecordBacktest("portfolio", time.Since(t0).Seconds())
	}
	if b.l != nil {
		b.l.Info("portfolio done",
			applogger.String("run_id", res.RunID),
			applogger.Strings("symbols", res.Symbols),
			applogger.Int("rebalances", res.Rebalances),
			applogger.Float64("total_return_pct", res.Metrics.TotalReturnPct),
			applogger.Float64("avg_correlation", res.AverageCorrelation),
			applogger.Duration("duration_ms", time.Since(t0)),
		)
	}
	if b.pub != nil {
		if err := b.pub.PublishPortfolio(ctx, res); err != nil && b.l != nil {
			b.l.Warn("publish portfolio failed", applogger.String("run_id", res.RunID), applogger.Error(err))
		}
	}
	return res, nil
}

// NormalizePortfolioRequest upper-cases symbols, applies defaults and validates. It performs
// no I/O; every failure is a ConfigError.
func NormalizePortfolioRequest(req *PortfolioRequest) error {
	if len(req.Symbols) == 0 {
		return models.NewConfigError("symbols", "at least one symbol required")
	}
	seen := make(map[string]bool, len(req.Symbols))
	syms := make([]string, 0, len(req.Symbols))
	for _, s := range req.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return models.NewConfigError("symbols", "empty symbol")
		}
		if seen[s] {
			return models.NewConfigError("symbols", "duplicate symbol %s", s)
		}
		seen[s] = true
		syms = append(syms, s)
	}
	req.Symbols = syms

	if req.Allocation == "" {
		req.Allocation = models.AllocationEqual
	}
	if req.Rebalance == "" {
		req.Rebalance = models.RebalanceMonthly
	}
	switch req.Allocation {
	case models.AllocationEqual, models.AllocationRiskParity:
	case models.AllocationCustom:
		weights, err := ValidateCustomWeights(req.Symbols, req.CustomWeights)
		if err != nil {
			return err
		}
		req.CustomWeights = weights
	default:
		return models.NewConfigError("allocation_strategy", "must be equal, risk_parity or custom, got %q", req.Allocation)
	}
	switch req.Rebalance {
	case models.RebalanceNever, models.RebalanceWeekly, models.RebalanceMonthly, models.RebalanceQuarterly:
	default:
		return models.NewConfigError("rebalance_frequency", "must be never, weekly, monthly or quarterly, got %q", req.Rebalance)
	}
	if req.Params.ModelType == "" {
		req.Params = models.DefaultBacktestParams()
	}
	if err := req.Params.Validate(); err != nil {
		return err
	}
	if !req.End.After(req.Start) {
		return models.NewConfigError("end", "must be after start")
	}
	return nil
}

// ValidateCustomWeights requires one non-negative weight per symbol summing to 1 within 1e-6.
// Keys are matched case-insensitively; the result is keyed by upper-case symbol.
func ValidateCustomWeights(symbols []string, weights map[string]float64) (map[string]float64, error) {
	if len(weights) == 0 {
		return nil, models.NewConfigError("custom_weights", "required for custom allocation")
	}
	out := make(map[string]float64, len(weights))
	for k, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return nil, models.NewConfigError("custom_weights."+k, "must be a finite non-negative number")
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = w
	}
	if len(out) != len(symbols) {
		return nil, models.NewConfigError("custom_weights", "must name exactly the portfolio symbols")
	}
	var sum float64
	for _, s := range symbols {
		w, ok := out[s]
		if !ok {
			return nil, models.NewConfigError("custom_weights", "missing weight for %s", s)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return nil, models.NewConfigError("custom_weights", "must sum to 1, got %g", sum)
	}
	return out, nil
}

// prepare loads one symbol with warm-up history and computes its walk-forward predictions.
func (b *PortfolioBacktester) prepare(ctx context.Context, req PortfolioRequest, symbol string) (*symbolState, error) {
	load, err := b.runner.loader.LoadWithRetry(ctx, symbol, WarmupStart(req.Start, req.Params.LookbackDays), req.End, req.Interval, b.runner.retry)
	if err != nil {
		return nil, models.WrapStage(models.StageData, symbol, time.Time{}, err)
	}
	strat, err := b.runner.strategy(req.Params)
	if err != nil {
		return nil, models.WrapStage(models.StagePrediction, symbol, time.Time{}, err)
	}
	preds, err := prediction.NewEngine(strat, prediction.ConfigFromParams(req.Params)).
		WalkForward(ctx, symbol, load.Bars, req.Start, req.End)
	if err != nil {
		return nil, models.WrapStage(models.StagePrediction, symbol, time.Time{}, err)
	}

	st := &symbolState{
		symbol: symbol,
		bars:   load.Bars,
		byDay:  make(map[time.Time]int, len(load.Bars)),
		preds:  make(map[time.Time]models.Prediction, len(preds)),
		active: true,
	}
	for i, bar := range load.Bars {
		st.byDay[util.Day(bar.Timestamp)] = i
	}
	for _, p := range preds {
		st.preds[util.Day(p.Timestamp)] = p
	}
	return st, nil
}

// simulate replays the union timeline through one account, stamping every event with the
// calendar day. Per day: risk overlays, signals at the open (SELL deactivates and exits, BUY
// reactivates), rebalance on boundaries, mark at close.
func (b *PortfolioBacktester) simulate(req PortfolioRequest, states []*symbolState) (*models.PortfolioResult, error) {
	timeline := unionDays(states, req.Start, req.End)
	if len(timeline) == 0 {
		return nil, &models.InvariantViolation{Reason: "no bars in portfolio range"}
	}

	sim := simulator.New(simulator.ConfigFromParams(req.Params))
	sim.SetLogger(b.l)
	targets := make(map[string]float64, len(states))
	rebalances := 0

	for di, day := range timeline {
		// overlays and signals
		for _, st := range states {
			k, ok := st.byDay[day]
			if !ok {
				continue
			}
			bar := st.bars[k]
			if tr, err := sim.ApplyRiskOverlays(day, st.symbol, bar); err != nil {
				return nil, models.WrapStage(models.StageSimulation, st.symbol, day, err)
			} else if tr != nil {
				st.active = false
			}
			p, ok := st.preds[day]
			if !ok || p.Direction == models.Hold {
				continue
			}
			st.signals++
			switch p.Direction {
			case models.Sell:
				st.active = false
				if _, err := sim.ClosePosition(st.symbol, bar.Open, day, models.ExitSignal); err != nil {
					return nil, models.WrapStage(models.StageSimulation, st.symbol, day, err)
				}
			case models.Buy:
				st.active = true
				if _, open := sim.Position(st.symbol); !open && len(targets) > 0 && !sim.Embargoed(st.symbol, day) {
					if err := sim.Rebalance(day, st.symbol, sim.Equity()*targets[st.symbol], bar.Open); err != nil {
						return nil, models.WrapStage(models.StageSimulation, st.symbol, day, err)
					}
				}
			}
		}

		if di == 0 || isBoundary(req.Rebalance, timeline[di-1], day) {
			weights := b.weights(req, states, day)
			for s, w := range weights {
				targets[s] = w
			}
			if err := rebalanceAll(sim, states, weights, day); err != nil {
				return nil, err
			}
			rebalances++
		}

		prices := make(map[string]float64, len(states))
		for _, st := range states {
			if k, ok := st.byDay[day]; ok {
				prices[st.symbol] = st.bars[k].Close
			}
		}
		if err := sim.MarkToMarket(day, prices); err != nil {
			return nil, models.WrapStage(models.StageSimulation, "", day, err)
		}
	}

	lastDay := timeline[len(timeline)-1]
	finalWeights := make(map[string]float64, len(states))
	equity := sim.Equity()
	closing := make(map[string]float64, len(states))
	for _, st := range states {
		if pos, ok := sim.Position(st.symbol); ok && equity > 0 {
			closing[st.symbol] = lastClose(st, lastDay)
			finalWeights[st.symbol] = pos.MarketValue(closing[st.symbol]) / equity
		}
	}
	if err := sim.CloseAll(lastDay, closing, models.ExitEndOfPeriod); err != nil {
		return nil, models.WrapStage(models.StageSimulation, "", lastDay, err)
	}
	if err := sim.MarkToMarket(lastDay, closing); err != nil {
		return nil, models.WrapStage(models.StageSimulation, "", lastDay, err)
	}

	trades := sim.ClosedTrades()
	res := &models.PortfolioResult{
		Symbols:     append([]string(nil), req.Symbols...),
		Start:       req.Start,
		End:         req.End,
		Allocation:  req.Allocation,
		Rebalance:   req.Rebalance,
		Metrics:     sim.Metrics(),
		PerSymbol:   make(map[string]models.SymbolBreakdown, len(states)),
		Rebalances:  rebalances,
		Trades:      trades,
		EquityCurve: sim.EquityCurve(),
	}
	for _, st := range states {
		bd := models.SymbolBreakdown{
			Symbol:       st.symbol,
			TargetWeight: targets[st.symbol],
			FinalWeight:  finalWeights[st.symbol],
			Signals:      st.signals,
		}
		wins := 0
		for _, t := range trades {
			if t.Symbol != st.symbol {
				continue
			}
			bd.Trades++
			bd.RealizedPnL += t.GrossPnL
			if t.GrossPnL > 0 {
				wins++
			}
		}
		if bd.Trades > 0 {
			bd.WinRate = float64(wins) / float64(bd.Trades)
		}
		res.PerSymbol[st.symbol] = bd
	}

	res.Correlation, res.AverageCorrelation = correlationMatrix(states, req.Start, req.End)
	res.EffectiveBets, res.DiversificationRatio = Diversification(len(states), res.AverageCorrelation)
	return res, nil
}

// weights returns target weights for day. Risk parity uses only returns before day.
func (b *PortfolioBacktester) weights(req PortfolioRequest, states []*symbolState, day time.Time) map[string]float64 {
	out := make(map[string]float64, len(states))
	switch req.Allocation {
	case models.AllocationCustom:
		for _, st := range states {
			out[st.symbol] = req.CustomWeights[st.symbol]
		}
		return out
	case models.AllocationRiskParity:
		inv := make(map[string]float64, len(states))
		var total float64
		for _, st := range states {
			k := sort.Search(len(st.bars), func(i int) bool { return !util.Day(st.bars[i].Timestamp).Before(day) })
			lr := features.ComputeLogReturns(st.bars[:k])
			window := riskParityWindow
			if len(lr) < window {
				window = len(lr)
			}
			sigma := features.RealizedVolatility(lr, window, 0)
			if sigma <= 0 {
				total = 0
				break
			}
			inv[st.symbol] = 1 / sigma
			total += 1 / sigma
		}
		if total > 0 {
			for s, v := range inv {
				out[s] = v / total
			}
			return out
		}
		if b.l != nil {
			b.l.Warn("risk parity lacks history, using equal weights", applogger.Date("date", day))
		}
	}
	for _, st := range states {
		out[st.symbol] = 1 / float64(len(states))
	}
	return out
}

// rebalanceAll trues up every symbol with a bar on day: reductions first to free cash, then
// increases. Inactive symbols target zero.
func rebalanceAll(sim *simulator.Simulator, states []*symbolState, weights map[string]float64, day time.Time) error {
	equity := sim.Equity()
	type order struct {
		st     *symbolState
		bar    models.PriceBar
		target float64
	}
	var sells, buys []order
	for _, st := range states {
		k, ok := st.byDay[day]
		if !ok {
			continue
		}
		bar := st.bars[k]
		target := 0.0
		if st.active {
			target = equity * weights[st.symbol]
		}
		current := 0.0
		if pos, ok := sim.Position(st.symbol); ok {
			current = pos.MarketValue(bar.Open)
		}
		o := order{st: st, bar: bar, target: target}
		if target < current {
			sells = append(sells, o)
		} else {
			buys = append(buys, o)
		}
	}
	for _, o := range append(sells, buys...) {
		if err := sim.Rebalance(day, o.st.symbol, o.target, o.bar.Open); err != nil {
			return models.WrapStage(models.StageSimulation, o.st.symbol, day, err)
		}
	}
	return nil
}

// correlationMatrix correlates daily close-to-close returns over the days every symbol traded
// in [start, end], and returns the matrix with the mean off-diagonal coefficient.
func correlationMatrix(states []*symbolState, start, end time.Time) ([][]float64, float64) {
	n := len(states)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		out[i][i] = 1
	}
	if n < 2 {
		return out, 0
	}

	var common []time.Time
	for _, day := range unionDays(states, start, end) {
		all := true
		for _, st := range states {
			if _, ok := st.byDay[day]; !ok {
				all = false
				break
			}
		}
		if all {
			common = append(common, day)
		}
	}
	if len(common) < 3 {
		return out, 0
	}

	rows := len(common) - 1
	data := make([]float64, 0, rows*n)
	for r := 1; r <= rows; r++ {
		for _, st := range states {
			prev := st.bars[st.byDay[common[r-1]]].Close
			cur := st.bars[st.byDay[common[r]]].Close
			data = append(data, cur/prev-1)
		}
	}
	corr := mat.NewSymDense(n, nil)
	stat.CorrelationMatrix(corr, mat.NewDense(rows, n, data), nil)

	var sum float64
	pairs := 0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := corr.At(i, j)
			if math.IsNaN(v) {
				v = 0
			}
			if i == j {
				v = 1
			}
			out[i][j] = v
			if i < j {
				sum += v
				pairs++
			}
		}
	}
	return out, sum / float64(pairs)
}

// Diversification returns effective bets N/(1+(N-1)rho) and the ratio 1/sqrt(effective bets).
func Diversification(n int, avgCorr float64) (float64, float64) {
	if n <= 0 {
		return 0, 0
	}
	denom := 1 + float64(n-1)*avgCorr
	if denom <= 0 {
		return float64(n), 1 / math.Sqrt(float64(n))
	}
	bets := float64(n) / denom
	return bets, 1 / math.Sqrt(bets)
}

func isBoundary(freq models.RebalanceFrequency, prev, cur time.Time) bool {
	switch freq {
	case models.RebalanceWeekly:
		return !util.SameWeek(prev, cur)
	case models.RebalanceMonthly:
		return !util.SameMonth(prev, cur)
	case models.RebalanceQuarterly:
		return !util.SameQuarter(prev, cur)
	default:
		return false
	}
}

// unionDays lists every calendar day in [start, end] on which at least one symbol has a bar.
func unionDays(states []*symbolState, start, end time.Time) []time.Time {
	set := make(map[time.Time]bool)
	for _, st := range states {
		i, j := models.RangeIndex(st.bars, start, end)
		for _, bar := range st.bars[i:j] {
			set[util.Day(bar.Timestamp)] = true
		}
	}
	days := make([]time.Time, 0, len(set))
	for d := range set {
		days = append(days, d)
	}
	sort.Slice(days, func(a, b int) bool { return days[a].Before(days[b]) })
	return days
}

func lastClose(st *symbolState, day time.Time) float64 {
	k := sort.Search(len(st.bars), func(i int) bool { return util.Day(st.bars[i].Timestamp).After(day) })
	if k == 0 {
		return 0
	}
	return st.bars[k-1].Close
}

func (b *PortfolioBacktester) fail(err error) error {
	stage := models.StagePortfolio
	var se *models.StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	if b.m != nil {
		b.m.RecordError(string(stage))
	}
	if b.l != nil {
		b.l.Error("portfolio failed", applogger.Error(err))
	}
	return fmt.Errorf("portfolio: %w", err)
}
