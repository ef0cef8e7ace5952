// Package finnhub reads daily candles from the Finnhub REST API.
package finnhub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"FinBacktest/internal/domain/models"
	drepo "FinBacktest/internal/domain/repository"
	"FinBacktest/internal/service/ratelimit"
	"FinBacktest/internal/service/yahoo"
	xhttp "FinBacktest/pkg/http"
	applogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/util"
)

const DefaultBaseURL = "https://finnhub.io/api/v1"

// free tier: 60 calls/minute
const (
	defaultBurst     = 5
	defaultPerSecond = 1.0
)

type candleResponse struct {
	C []float64 `json:"c"`
	H []float64 `json:"h"`
	L []float64 `json:"l"`
	O []float64 `json:"o"`
	T []int64   `json:"t"`
	V []float64 `json:"v"`
	S string    `json:"s"`
}

// Client implements MarketDataProvider backed by /stock/candle.
type Client struct {
	apiKey    string
	baseURL   string
	http      *xhttp.Client
	limiter   *ratelimit.Limiter
	burst     float64
	perSecond float64
	l         *applogger.Logger
}

var _ drepo.MarketDataProvider = (*Client)(nil)

// New creates a REST candle client. A nil limiter gets a private one.
func New(apiKey, baseURL string, timeout time.Duration, limiter *ratelimit.Limiter) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if limiter == nil {
		limiter = ratelimit.New()
	}
	return &Client{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      xhttp.NewClient(xhttp.WithTimeout(timeout)),
		limiter:   limiter,
		burst:     defaultBurst,
		perSecond: defaultPerSecond,
	}
}

// SetLogger injects a structured logger.
func (c *Client) SetLogger(l *applogger.Logger) { c.l = l }

// SetRate overrides the token bucket used before every call.
func (c *Client) SetRate(burst, perSecond float64) {
	c.burst, c.perSecond = burst, perSecond
}

func (c *Client) Name() string { return "finnhub" }

func (c *Client) Fetch(ctx context.Context, symbol string, start, end time.Time, interval models.Interval) ([]models.PriceBar, error) {
	if c.apiKey == "" {
		return nil, &models.ProviderError{Symbol: symbol, Err: errors.New("finnhub api key not configured")}
	}
	if err := c.limiter.Wait(ctx, "finnhub", c.burst, c.perSecond); err != nil {
		return nil, &models.ProviderError{Symbol: symbol, Err: fmt.Errorf("rate limit: %w", err)}
	}

	var resp candleResponse
	err := c.http.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodGet,
		URL:    c.baseURL + "/stock/candle",
		QueryParams: map[string][]string{
			"symbol":     {symbol},
			"resolution": {resolution(interval)},
			"from":       {strconv.FormatInt(util.Day(start).Unix(), 10)},
			"to":         {strconv.FormatInt(util.Day(end).AddDate(0, 0, 1).Unix()-1, 10)},
		},
		Headers: map[string]string{"X-Finnhub-Token": c.apiKey},
	}, &resp)
	if err != nil {
		return nil, c.fail(symbol, err)
	}
	if resp.S != "ok" {
		return nil, c.fail(symbol, fmt.Errorf("candle status %q", resp.S))
	}
	n := len(resp.T)
	if len(resp.O) != n || len(resp.H) != n || len(resp.L) != n || len(resp.C) != n || len(resp.V) != n {
		return nil, c.fail(symbol, fmt.Errorf("ragged candle arrays (t=%d c=%d)", n, len(resp.C)))
	}

	bars := make([]models.PriceBar, n)
	for i := range resp.T {
		bars[i] = models.PriceBar{
			Timestamp: time.Unix(resp.T[i], 0).UTC(),
			Open:      resp.O[i],
			High:      resp.H[i],
			Low:       resp.L[i],
			Close:     resp.C[i],
			Volume:    resp.V[i],
		}
	}
	out, err := yahoo.FinalizeBars(bars, start, end)
	if err != nil {
		return nil, c.fail(symbol, err)
	}
	return out, nil
}

func (c *Client) fail(symbol string, err error) error {
	if c.l != nil {
		c.l.Warn("finnhub candle fetch failed",
			applogger.String("symbol", symbol),
			applogger.Error(err),
		)
	}
	return &models.ProviderError{Symbol: symbol, Err: err}
}

func resolution(iv models.Interval) string {
	switch iv {
	case models.Interval1wk:
		return "W"
	case models.Interval1mo:
		return "M"
	default:
		return "D"
	}
}
