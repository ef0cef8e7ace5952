package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	"FinBacktest/internal/usecase"
	xhttp "FinBacktest/pkg/http"
	xlogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/util"
)

// BacktestEchoHandler exposes the backtest use cases over HTTP. Runs execute inside the request.
type BacktestEchoHandler struct {
	logger    *xlogger.Logger
	runner    *usecase.BacktestRunner
	optimizer *usecase.Optimizer
	portfolio *usecase.PortfolioBacktester
	cache     domrepo.BarCache
}

var _ xhttp.Handler = (*BacktestEchoHandler)(nil)

func NewBacktestEchoHandler(
	logger *xlogger.Logger,
	runner *usecase.BacktestRunner,
	optimizer *usecase.Optimizer,
	portfolio *usecase.PortfolioBacktester,
	cache domrepo.BarCache,
) *BacktestEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &BacktestEchoHandler{logger: logger, runner: runner, optimizer: optimizer, portfolio: portfolio, cache: cache}
}

func (h *BacktestEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/api")
	g.POST("/backtest", h.Backtest)
	g.POST("/optimize", h.Optimize)
	g.POST("/portfolio", h.Portfolio)
	g.GET("/cache/:symbol", h.CacheStatus)
	g.DELETE("/cache/:symbol", h.InvalidateCache)
}

func (h *BacktestEchoHandler) Health(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]string{"status": "ok"})
}

func (h *BacktestEchoHandler) Backtest(c echo.Context) error {
	job := &usecase.BacktestJob{}
	if verr := xhttp.ReadAndValidateRequest(c, job); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	req, err := job.Request()
	if err != nil {
		return h.fail(c, "backtest", err)
	}
	res, err := h.runner.Run(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, "backtest", err)
	}
	return xhttp.SuccessResponse(c, res)
}

// OptimizeResponse wraps the ranked candidates of a search.
type OptimizeResponse struct {
	RunID   string                      `json:"run_id"`
	Symbol  string                      `json:"symbol"`
	Results []models.OptimizationResult `json:"results"`
}

func (h *BacktestEchoHandler) Optimize(c echo.Context) error {
	job := &usecase.OptimizeJob{}
	if verr := xhttp.ReadAndValidateRequest(c, job); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	req, err := job.Request()
	if err != nil {
		return h.fail(c, "optimize", err)
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	results, err := h.optimizer.Optimize(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, "optimize", err)
	}
	return xhttp.SuccessResponse(c, OptimizeResponse{RunID: req.RunID, Symbol: req.Symbol, Results: results})
}

func (h *BacktestEchoHandler) Portfolio(c echo.Context) error {
	job := &usecase.PortfolioJob{}
	if verr := xhttp.ReadAndValidateRequest(c, job); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	req, err := job.Request()
	if err != nil {
		return h.fail(c, "portfolio", err)
	}
	res, err := h.portfolio.Run(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, "portfolio", err)
	}
	return xhttp.SuccessResponse(c, res)
}

// CacheStatus describes the cached span of one symbol and its coverage of an optional range.
type CacheStatus struct {
	Symbol    string    `json:"symbol"`
	Start     string    `json:"start"`
	End       string    `json:"end"`
	Bars      int       `json:"bars"`
	FetchedAt time.Time `json:"fetched_at"`
	Coverage  *float64  `json:"coverage,omitempty"`
}

func (h *BacktestEchoHandler) CacheStatus(c echo.Context) error {
	ctx := c.Request().Context()
	symbol := xhttp.SymbolParam(c)
	entry, ok := h.cache.Entry(ctx, symbol)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no cached bars for %s", symbol))
	}
	out := CacheStatus{
		Symbol:    symbol,
		Start:     util.FormatDay(entry.Start),
		End:       util.FormatDay(entry.End),
		Bars:      len(entry.Bars),
		FetchedAt: entry.FetchedAt,
	}
	if from, to, ok := xhttp.QueryDayRange(c); ok {
		cov := h.cache.CoverageRatio(ctx, symbol, from, to)
		out.Coverage = &cov
	}
	return xhttp.SuccessResponse(c, out)
}

func (h *BacktestEchoHandler) InvalidateCache(c echo.Context) error {
	symbol := xhttp.SymbolParam(c)
	if err := h.cache.Invalidate(c.Request().Context(), symbol); err != nil {
		return h.fail(c, "cache", err)
	}
	return xhttp.NoContentResponse(c)
}

func (h *BacktestEchoHandler) fail(c echo.Context, op string, err error) error {
	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.logger.Error(op+" usecase error", xlogger.Error(err))
	} else {
		h.logger.Warn(op+" rejected", xlogger.Error(err))
	}
	return xhttp.AppErrorResponse(c, appErr)
}

// toAppError maps the domain error taxonomy onto HTTP statuses.
func toAppError(err error) *xhttp.AppError {
	var (
		cfgErr *models.ConfigError
		stage  *models.StageError
	)
	var appErr *xhttp.AppError
	switch {
	case errors.As(err, &cfgErr):
		appErr = xhttp.ConfigError(cfgErr.Field, cfgErr.Error())
	case errors.Is(err, models.ErrInsufficientData):
		appErr = xhttp.UnprocessableError(err.Error())
	case errors.Is(err, models.ErrProvider):
		appErr = xhttp.BadGatewayError(err.Error())
	default:
		appErr = xhttp.InternalError(err.Error())
	}
	if errors.As(err, &stage) {
		appErr.WithParam("stage", string(stage.Stage))
		if stage.Symbol != "" {
			appErr.WithParam("symbol", stage.Symbol)
		}
	}
	return appErr.WithError(err)
}
