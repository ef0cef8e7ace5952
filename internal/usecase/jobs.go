package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"FinBacktest/internal/domain/models"
	"FinBacktest/pkg/util"
)

// Job types accepted on the jobs topic.
const (
	JobBacktest  = "backtest"
	JobOptimize  = "optimize"
	JobPortfolio = "portfolio"
)

var jobValidate = validator.New()

// JobEnvelope is the jobs topic payload: {"type": "...", "request": {...}}.
type JobEnvelope struct {
	Type    string          `json:"type" validate:"required,oneof=backtest optimize portfolio"`
	Request json.RawMessage `json:"request" validate:"required"`
}

// BacktestJob is the wire form of a single-symbol run, shared by the HTTP API and the jobs
// topic. Dates accept YYYY-MM-DD, RFC3339 or unix seconds. Params fields overlay the defaults.
type BacktestJob struct {
	RunID    string          `json:"run_id,omitempty" validate:"max=64"`
	Symbol   string          `json:"symbol" validate:"required,max=16"`
	Start    string          `json:"start" validate:"required"`
	End      string          `json:"end" validate:"required"`
	Interval string          `json:"interval" default:"1d" validate:"oneof=1d 1wk 1mo"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// OptimizeJob is the wire form of a parameter search.
type OptimizeJob struct {
	RunID           string                `json:"run_id,omitempty" validate:"max=64"`
	Symbol          string                `json:"symbol" validate:"required,max=16"`
	Start           string                `json:"start" validate:"required"`
	End             string                `json:"end" validate:"required"`
	Interval        string                `json:"interval" default:"1d" validate:"oneof=1d 1wk 1mo"`
	Base            json.RawMessage       `json:"base,omitempty"`
	Method          string                `json:"method" default:"grid" validate:"oneof=grid random"`
	Grid            map[string][]float64  `json:"grid,omitempty"`
	Ranges          map[string]ParamRange `json:"ranges,omitempty"`
	Samples         int                   `json:"samples,omitempty" validate:"gte=0,lte=1000"`
	Seed            int64                 `json:"seed,omitempty"`
	Workers         int                   `json:"workers,omitempty" validate:"gte=0,lte=64"`
	MaxCombinations int                   `json:"max_combinations,omitempty" validate:"gte=0,lte=5000"`
	TrainRatio      float64               `json:"train_ratio,omitempty" validate:"gte=0,lt=1"`
}

// PortfolioJob is the wire form of a multi-asset run.
type PortfolioJob struct {
	RunID         string             `json:"run_id,omitempty" validate:"max=64"`
	Symbols       []string           `json:"symbols" validate:"required,min=1,max=50,dive,required,max=16"`
	Start         string             `json:"start" validate:"required"`
	End           string             `json:"end" validate:"required"`
	Interval      string             `json:"interval" default:"1d" validate:"oneof=1d 1wk 1mo"`
	Params        json.RawMessage    `json:"params,omitempty"`
	Allocation    string             `json:"allocation_strategy" default:"equal" validate:"oneof=equal risk_parity custom"`
	CustomWeights map[string]float64 `json:"custom_weights,omitempty"`
	Rebalance     string             `json:"rebalance_frequency" default:"monthly" validate:"oneof=never weekly monthly quarterly"`
	Workers       int                `json:"workers,omitempty" validate:"gte=0,lte=64"`
}

// PrepareJob fills defaults and validates struct tags.
func PrepareJob(job interface{}) error {
	if err := defaults.Set(job); err != nil {
		return fmt.Errorf("job defaults: %w", err)
	}
	if err := jobValidate.Struct(job); err != nil {
		return models.NewConfigError("", "%v", err)
	}
	return nil
}

func (j BacktestJob) Request() (BacktestRequest, error) {
	start, end, err := jobRange(j.Start, j.End)
	if err != nil {
		return BacktestRequest{}, err
	}
	params, err := overlayParams(j.Params)
	if err != nil {
		return BacktestRequest{}, err
	}
	return BacktestRequest{
		RunID:    j.RunID,
		Symbol:   strings.ToUpper(strings.TrimSpace(j.Symbol)),
		Start:    start,
		End:      end,
		Interval: models.Interval(j.Interval),
		Params:   params,
	}, nil
}

func (j OptimizeJob) Request() (OptimizeRequest, error) {
	start, end, err := jobRange(j.Start, j.End)
	if err != nil {
		return OptimizeRequest{}, err
	}
	base, err := overlayParams(j.Base)
	if err != nil {
		return OptimizeRequest{}, err
	}
	return OptimizeRequest{
		RunID:           j.RunID,
		Symbol:          strings.ToUpper(strings.TrimSpace(j.Symbol)),
		Start:           start,
		End:             end,
		Interval:        models.Interval(j.Interval),
		Base:            base,
		Method:          j.Method,
		Grid:            j.Grid,
		Ranges:          j.Ranges,
		Samples:         j.Samples,
		Seed:            j.Seed,
		Workers:         j.Workers,
		MaxCombinations: j.MaxCombinations,
		TrainRatio:      j.TrainRatio,
	}, nil
}

func (j PortfolioJob) Request() (PortfolioRequest, error) {
	start, end, err := jobRange(j.Start, j.End)
	if err != nil {
		return PortfolioRequest{}, err
	}
	params, err := overlayParams(j.Params)
	if err != nil {
		return PortfolioRequest{}, err
	}
	return PortfolioRequest{
		RunID:         j.RunID,
		Symbols:       j.Symbols,
		Start:         start,
		End:           end,
		Interval:      models.Interval(j.Interval),
		Params:        params,
		Allocation:    models.AllocationStrategy(j.Allocation),
		CustomWeights: j.CustomWeights,
		Rebalance:     models.RebalanceFrequency(j.Rebalance),
		Workers:       j.Workers,
	}, nil
}

func jobRange(from, to string) (time.Time, time.Time, error) {
	start, ok := util.ParseTime(from)
	if !ok {
		return time.Time{}, time.Time{}, models.NewConfigError("start", "unparseable date %q", from)
	}
	end, ok := util.ParseTime(to)
	if !ok {
		return time.Time{}, time.Time{}, models.NewConfigError("end", "unparseable date %q", to)
	}
	return util.Day(start), util.Day(end), nil
}

// overlayParams decodes raw over the default parameter set.
func overlayParams(raw json.RawMessage) (models.BacktestParams, error) {
	p := models.DefaultBacktestParams()
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, models.NewConfigError("params", "%v", err)
	}
	return p, nil
}
