package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runRequest struct {
	Symbol   string   `json:"symbol" validate:"required,max=8"`
	Interval string   `json:"interval" default:"1d" validate:"oneof=1d 1wk"`
	Symbols  []string `json:"symbols" validate:"max=2"`
	Workers  int      `json:"workers" validate:"gte=0,lte=4"`
}

func bindContext(body string) echo.Context {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func TestReadAndValidateRequestAppliesDefaults(t *testing.T) {
	var req runRequest
	assert.Nil(t, ReadAndValidateRequest(bindContext(`{"symbol":"AAPL"}`), &req))
	assert.Equal(t, "1d", req.Interval)
}

func TestReadAndValidateRequestReportsJSONFieldNames(t *testing.T) {
	var req runRequest
	got := ReadAndValidateRequest(bindContext(`{"interval":"5m","symbols":["A","B","C"],"workers":9}`), &req)
	errs, ok := got.([]ValidationError)
	require.True(t, ok)

	byField := make(map[string]ValidationError)
	for _, e := range errs {
		byField[e.Field] = e
	}
	require.Len(t, byField, 4)
	assert.Equal(t, "ERR_REQUIRED", byField["symbol"].Code)
	assert.Equal(t, "symbol is required", byField["symbol"].Message)
	assert.Equal(t, "interval must be one of: 1d, 1wk", byField["interval"].Message)
	assert.Equal(t, []string{"1d", "1wk"}, byField["interval"].Params["options"])
	assert.Equal(t, "symbols must have at most 2 entries", byField["symbols"].Message)
	assert.Equal(t, "4", byField["workers"].Params["max"])
}

func TestReadAndValidateRequestMalformedBody(t *testing.T) {
	var req runRequest
	errs, ok := ReadAndValidateRequest(bindContext(`{"symbol":`), &req).([]ValidationError)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, "ERR_MALFORMED_BODY", errs[0].Code)
}

func TestQueryDayRange(t *testing.T) {
	ctx := func(q string) echo.Context {
		return echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/?"+q, nil), httptest.NewRecorder())
	}
	start, end, ok := QueryDayRange(ctx("start=2023-01-02&end=2023-01-31T15:04:05Z"))
	require.True(t, ok)
	assert.Equal(t, "2023-01-02", start.Format("2006-01-02"))
	assert.Equal(t, "2023-01-31", end.Format("2006-01-02"))
	assert.Zero(t, end.Hour())

	_, _, ok = QueryDayRange(ctx("start=2023-02-01&end=2023-01-01"))
	assert.False(t, ok)
	_, _, ok = QueryDayRange(ctx("start=2023-02-01"))
	assert.False(t, ok)
}

func TestAppErrorResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	require.NoError(t, AppErrorResponse(c, ConfigError("lookback_days", "must be positive")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"field":"lookback_days"`)
	assert.Contains(t, rec.Body.String(), `"status":400`)
}
