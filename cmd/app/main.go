package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"FinBacktest/internal/di"
	"FinBacktest/internal/domain/models"
	"FinBacktest/internal/usecase"
	"FinBacktest/pkg/config"
	applogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/util"
)

type cliFlags struct {
	configPath string
	mode       string
	symbol     string
	symbols    string
	start      string
	end        string
	out        string
}

func main() {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "config/config.yaml", "config file path (empty for defaults)")
	flag.StringVar(&f.mode, "mode", "serve", "serve, backtest, optimize or portfolio")
	flag.StringVar(&f.symbol, "symbol", "", "ticker for backtest and optimize")
	flag.StringVar(&f.symbols, "symbols", "", "comma-separated tickers for portfolio (defaults to portfolio.symbols)")
	flag.StringVar(&f.start, "start", "", "first evaluation day, YYYY-MM-DD")
	flag.StringVar(&f.end, "end", "", "last evaluation day, YYYY-MM-DD (defaults to today)")
	flag.StringVar(&f.out, "out", "", "export directory (overrides export.dir)")
	flag.Parse()

	boot, _ := applogger.New(&applogger.Config{Level: "info", Format: "console", Output: "stderr"})

	cfg, err := config.LoadWithEnv(f.configPath)
	if err != nil {
		boot.Error("config load failed", applogger.Error(err))
		os.Exit(1)
	}
	if f.out != "" {
		cfg.Export.Dir = f.out
	}

	if f.mode == "serve" {
		if err := serve(cfg); err != nil {
			boot.Error("app error", applogger.Error(err))
			os.Exit(1)
		}
		return
	}

	if err := runOnce(cfg, f); err != nil {
		boot.Error("run failed", applogger.String("mode", f.mode), applogger.Error(err))
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	app, cleanup, err := di.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("app initialization: %w", err)
	}
	defer cleanup()
	return app.Run()
}

func runOnce(cfg *config.Config, f cliFlags) error {
	start, end, err := cliRange(f.start, f.end)
	if err != nil {
		return err
	}
	tk, cleanup, err := di.InitializeToolkit(cfg)
	if err != nil {
		return fmt.Errorf("initialization: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params := di.BacktestParams(cfg)
	interval := models.Interval(cfg.Data.Interval)
	l := tk.Logger

	switch f.mode {
	case "backtest":
		if f.symbol == "" {
			return models.NewConfigError("symbol", "required for backtest")
		}
		res, err := tk.Runner.Run(ctx, usecase.BacktestRequest{
			Symbol:   strings.ToUpper(f.symbol),
			Start:    start,
			End:      end,
			Interval: interval,
			Params:   params,
		})
		if err != nil {
			return err
		}
		logMetrics(l, "backtest complete", res.RunID, res.Metrics)

	case "optimize":
		if f.symbol == "" {
			return models.NewConfigError("symbol", "required for optimize")
		}
		o := cfg.Optimizer
		req := usecase.OptimizeRequest{
			Symbol:          strings.ToUpper(f.symbol),
			Start:           start,
			End:             end,
			Interval:        interval,
			Base:            params,
			Method:          o.Method,
			Samples:         o.Samples,
			Seed:            o.Seed,
			Workers:         o.Workers,
			MaxCombinations: o.MaxCombinations,
			TrainRatio:      o.TrainRatio,
		}
		results, err := tk.Optimizer.Optimize(ctx, req)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Rank > 5 {
				break
			}
			l.Info("candidate",
				applogger.Int("rank", r.Rank),
				applogger.Any("params", r.Params),
				applogger.Float64("test_sharpe", r.Test.SharpeRatio),
				applogger.Float64("train_sharpe", r.Train.SharpeRatio),
				applogger.Float64("overfit_ratio", r.OverfitRatio),
			)
		}

	case "portfolio":
		symbols := cfg.Portfolio.Symbols
		if f.symbols != "" {
			symbols = util.SplitSymbols(f.symbols)
		}
		res, err := tk.Portfolio.Run(ctx, usecase.PortfolioRequest{
			Symbols:       symbols,
			Start:         start,
			End:           end,
			Interval:      interval,
			Params:        params,
			Allocation:    models.AllocationStrategy(cfg.Portfolio.AllocationStrategy),
			CustomWeights: cfg.Portfolio.CustomWeights,
			Rebalance:     models.RebalanceFrequency(cfg.Portfolio.RebalanceFrequency),
			Workers:       cfg.Portfolio.LoadWorkers,
		})
		if err != nil {
			return err
		}
		logMetrics(l, "portfolio complete", res.RunID, res.Metrics)
		l.Info("diversification",
			applogger.Float64("average_correlation", res.AverageCorrelation),
			applogger.Float64("effective_bets", res.EffectiveBets),
			applogger.Int("rebalances", res.Rebalances),
		)

	default:
		return models.NewConfigError("mode", "unknown %q", f.mode)
	}
	if cfg.Export.Dir != "" {
		l.Info("results exported", applogger.String("dir", cfg.Export.Dir))
	}
	return nil
}

func cliRange(from, to string) (time.Time, time.Time, error) {
	start, ok := util.ParseTime(from)
	if !ok {
		return time.Time{}, time.Time{}, models.NewConfigError("start", "unparseable date %q", from)
	}
	end := util.Day(time.Now().UTC())
	if to != "" {
		if end, ok = util.ParseTime(to); !ok {
			return time.Time{}, time.Time{}, models.NewConfigError("end", "unparseable date %q", to)
		}
	}
	return util.Day(start), util.Day(end), nil
}

func logMetrics(l *applogger.Logger, msg, runID string, m models.Metrics) {
	l.Info(msg,
		applogger.String("run_id", runID),
		applogger.Float64("total_return_pct", m.TotalReturnPct),
		applogger.Float64("sharpe", m.SharpeRatio),
		applogger.Float64("sortino", m.SortinoRatio),
		applogger.Float64("max_drawdown_pct", m.MaxDrawdownPct),
		applogger.Float64("win_rate", m.WinRate),
		applogger.Int("trades", m.TotalTrades),
		applogger.Float64("final_equity", m.FinalEquity),
	)
}
