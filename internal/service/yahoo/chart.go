// Package yahoo fetches daily bars from Yahoo Finance.
package yahoo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	xhttp "FinBacktest/pkg/http"
	applogger "FinBacktest/pkg/logger"
	"FinBacktest/pkg/util"
)

const DefaultChartURL = "https://query1.finance.yahoo.com/v8/finance/chart"

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// ChartClient reads the public v8 chart endpoint.
type ChartClient struct {
	http    *xhttp.Client
	baseURL string
	l       *applogger.Logger
}

var _ domrepo.MarketDataProvider = (*ChartClient)(nil)

func NewChartClient(baseURL string, timeout time.Duration) *ChartClient {
	if baseURL == "" {
		baseURL = DefaultChartURL
	}
	return &ChartClient{
		http: xhttp.NewClient(
			xhttp.WithTimeout(timeout),
			xhttp.WithHeader("User-Agent", "Mozilla/5.0 (compatible; finbacktest/1.0)"),
			xhttp.WithHeader("Accept", "application/json"),
		),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// SetLogger injects a structured logger.
func (c *ChartClient) SetLogger(l *applogger.Logger) { c.l = l }

func (c *ChartClient) Name() string { return "yahoo" }

func (c *ChartClient) Fetch(ctx context.Context, symbol string, start, end time.Time, interval models.Interval) ([]models.PriceBar, error) {
	if interval == "" {
		interval = models.Interval1d
	}
	// period2 is exclusive
	period1 := util.Day(start).Unix()
	period2 := util.Day(end).AddDate(0, 0, 1).Unix()

	var resp chartResponse
	err := c.http.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodGet,
		URL:    c.baseURL + "/" + symbol,
		QueryParams: map[string][]string{
			"interval":       {string(interval)},
			"period1":        {strconv.FormatInt(period1, 10)},
			"period2":        {strconv.FormatInt(period2, 10)},
			"includePrePost": {"false"},
		},
	}, &resp)
	if err != nil {
		return nil, c.fail(symbol, err)
	}
	if resp.Chart.Error != nil {
		return nil, c.fail(symbol, fmt.Errorf("%s: %s", resp.Chart.Error.Code, resp.Chart.Error.Description))
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, c.fail(symbol, errors.New("empty chart result"))
	}

	res := resp.Chart.Result[0]
	q := res.Indicators.Quote[0]
	n := len(res.Timestamp)
	if len(q.Open) != n || len(q.High) != n || len(q.Low) != n || len(q.Close) != n || len(q.Volume) != n {
		return nil, c.fail(symbol, fmt.Errorf("ragged quote arrays (ts=%d close=%d)", n, len(q.Close)))
	}

	bars := make([]models.PriceBar, 0, n)
	for i, ts := range res.Timestamp {
		// null rows are non-trading placeholders
		if q.Open[i] == nil || q.High[i] == nil || q.Low[i] == nil || q.Close[i] == nil {
			continue
		}
		b := models.PriceBar{
			Timestamp: util.Day(time.Unix(ts, 0).UTC()),
			Open:      *q.Open[i],
			High:      *q.High[i],
			Low:       *q.Low[i],
			Close:     *q.Close[i],
		}
		if q.Volume[i] != nil {
			b.Volume = *q.Volume[i]
		}
		if math.IsNaN(b.Close) {
			continue
		}
		bars = append(bars, b)
	}
	bars, err = FinalizeBars(bars, start, end)
	if err != nil {
		return nil, c.fail(symbol, err)
	}
	return bars, nil
}

func (c *ChartClient) fail(symbol string, err error) error {
	if c.l != nil {
		c.l.Warn("yahoo chart fetch failed",
			applogger.String("symbol", symbol),
			applogger.Error(err),
		)
	}
	return &models.ProviderError{Symbol: symbol, Err: err}
}

// FinalizeBars filters to [start, end], drops duplicate days, and validates every bar.
// Providers share it so that any malformed row surfaces as the same error.
func FinalizeBars(bars []models.PriceBar, start, end time.Time) ([]models.PriceBar, error) {
	from, to := util.Day(start), util.Day(end)
	out := make([]models.PriceBar, 0, len(bars))
	for _, b := range bars {
		d := util.Day(b.Timestamp)
		if d.Before(from) || d.After(to) {
			continue
		}
		b.Timestamp = d
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(d) {
			out[n-1] = b
			continue
		}
		if err := b.Validate(); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no bars in %s..%s", util.FormatDay(from), util.FormatDay(to))
	}
	if err := models.ValidateSeries(out); err != nil {
		return nil, err
	}
	return out, nil
}
