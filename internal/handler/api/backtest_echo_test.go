package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FinBacktest/internal/domain/models"
	domsvc "FinBacktest/internal/domain/service"
	"FinBacktest/internal/repository"
	"FinBacktest/internal/usecase"
	"FinBacktest/pkg/cache"
	"FinBacktest/pkg/util"
)

// sineProvider serves a deterministic oscillating close on every weekday of 2022-2023.
type sineProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *sineProvider) Name() string { return "sine" }

func (p *sineProvider) Fetch(_ context.Context, symbol string, start, end time.Time, _ models.Interval) ([]models.PriceBar, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	var out []models.PriceBar
	i := 0
	for d := time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC); d.Year() < 2024; d = d.AddDate(0, 0, 1) {
		if !util.IsTradingDay(d) {
			continue
		}
		i++
		if d.Before(util.Day(start)) || d.After(util.Day(end)) {
			continue
		}
		px := 100 + 10*math.Sin(float64(i)/15)
		out = append(out, models.PriceBar{Timestamp: d, Open: px, High: px * 1.01, Low: px * 0.99, Close: px, Volume: 1e6})
	}
	return out, nil
}

type flip struct{}

func (flip) Name() string { return "flip" }

func (flip) Score(_ context.Context, w domsvc.Window) (domsvc.Score, error) {
	if (w.At.YearDay()/7)%2 == 0 {
		return domsvc.Score{Raw: 0.8, Confidence: 0.9}, nil
	}
	return domsvc.Score{Raw: -0.8, Confidence: 0.9}, nil
}

func newTestServer(t *testing.T, p *sineProvider) *echo.Echo {
	t.Helper()
	bc := repository.NewBarCache(repository.NewKVBarStore(cache.NewMemoryCache(), 0))
	loader := usecase.NewDataLoader(bc, p, nil)
	factory := func(models.BacktestParams) (domsvc.Strategy, error) { return flip{}, nil }
	runner := usecase.NewBacktestRunner(loader, factory, usecase.WithRetryPolicy(usecase.RetryPolicy{Attempts: 1}))
	h := NewBacktestEchoHandler(nil, runner, usecase.NewOptimizer(runner), usecase.NewPortfolioBacktester(runner), bc)

	e := echo.New()
	h.RegisterRoutes(e)
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e := newTestServer(t, &sineProvider{})
	rec := do(e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestBacktestEndpoint(t *testing.T) {
	p := &sineProvider{}
	e := newTestServer(t, p)

	rec := do(e, http.MethodPost, "/api/backtest",
		`{"run_id":"http-1","symbol":"aapl","start":"2023-02-01","end":"2023-10-31","params":{"lookback_days":30}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Data models.BacktestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "http-1", out.Data.RunID)
	assert.Equal(t, "AAPL", out.Data.Symbol)
	assert.Equal(t, 30, out.Data.Params.LookbackDays)
	assert.Equal(t, 1, p.calls)
}

func TestBacktestEndpointRejectsBadInput(t *testing.T) {
	p := &sineProvider{}
	e := newTestServer(t, p)

	rec := do(e, http.MethodPost, "/api/backtest", `{"start":"2023-01-01","end":"2023-06-30"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/backtest", `{"symbol":"AAPL","start":"yesterday","end":"2023-06-30"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_CONFIG")

	rec = do(e, http.MethodPost, "/api/portfolio",
		`{"symbols":["AAPL","MSFT"],"start":"2023-01-01","end":"2023-06-30","allocation_strategy":"custom","custom_weights":{"AAPL":0.5,"MSFT":0.4}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, p.calls)
}

func TestBacktestEndpointProviderFailure(t *testing.T) {
	e := newTestServer(t, &sineProvider{err: &models.ProviderError{Symbol: "AAPL", Err: errors.New("503")}})

	rec := do(e, http.MethodPost, "/api/backtest", `{"symbol":"AAPL","start":"2023-01-01","end":"2023-06-30"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stage":"data"`)
}

func TestCacheEndpoints(t *testing.T) {
	e := newTestServer(t, &sineProvider{})

	rec := do(e, http.MethodGet, "/api/cache/aapl", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPost, "/api/backtest", `{"symbol":"AAPL","start":"2023-02-01","end":"2023-06-30"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(e, http.MethodGet, "/api/cache/aapl?start=2023-02-01&end=2023-06-30", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Data CacheStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "AAPL", out.Data.Symbol)
	assert.Positive(t, out.Data.Bars)
	require.NotNil(t, out.Data.Coverage)
	assert.InDelta(t, 1.0, *out.Data.Coverage, 1e-9)

	rec = do(e, http.MethodDelete, "/api/cache/aapl", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(e, http.MethodGet, "/api/cache/AAPL", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToAppError(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"config":       {models.NewConfigError("lookback_days", "must be positive"), http.StatusBadRequest},
		"insufficient": {models.WrapStage(models.StagePrediction, "X", time.Time{}, models.ErrInsufficientData), http.StatusUnprocessableEntity},
		"provider":     {&models.ProviderError{Symbol: "X", Err: errors.New("timeout")}, http.StatusBadGateway},
		"invariant":    {models.ErrInvariant, http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			appErr := toAppError(tc.err)
			assert.Equal(t, tc.status, appErr.Status)
			assert.ErrorIs(t, appErr, tc.err)
		})
	}

	appErr := toAppError(models.WrapStage(models.StageSimulation, "MSFT", time.Time{}, models.ErrInvariant))
	assert.Equal(t, "simulation", appErr.Params["stage"])
	assert.Equal(t, "MSFT", appErr.Params["symbol"])
}
