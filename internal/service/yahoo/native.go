package yahoo

import (
	"context"
	"fmt"
	"time"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	applogger "FinBacktest/pkg/logger"

	ymodels "github.com/wnjoon/go-yfinance/pkg/models"
	"github.com/wnjoon/go-yfinance/pkg/ticker"
)

// NativeClient fetches history through go-yfinance, which handles Yahoo's cookie/crumb flow.
type NativeClient struct {
	autoAdjust bool
	l          *applogger.Logger
}

var _ domrepo.MarketDataProvider = (*NativeClient)(nil)

func NewNativeClient(autoAdjust bool) *NativeClient {
	return &NativeClient{autoAdjust: autoAdjust}
}

// SetLogger injects a structured logger.
func (c *NativeClient) SetLogger(l *applogger.Logger) { c.l = l }

func (c *NativeClient) Name() string { return "yfinance" }

func (c *NativeClient) Fetch(ctx context.Context, symbol string, start, end time.Time, interval models.Interval) ([]models.PriceBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, &models.ProviderError{Symbol: symbol, Err: err}
	}
	if interval == "" {
		interval = models.Interval1d
	}

	t, err := ticker.New(symbol)
	if err != nil {
		return nil, &models.ProviderError{Symbol: symbol, Err: fmt.Errorf("ticker: %w", err)}
	}
	defer t.Close()

	hist, err := t.History(ymodels.HistoryParams{
		Period:     PeriodFor(start, time.Now()),
		Interval:   string(interval),
		AutoAdjust: c.autoAdjust,
	})
	if err != nil {
		if c.l != nil {
			c.l.Warn("yfinance history failed", applogger.String("symbol", symbol), applogger.Error(err))
		}
		return nil, &models.ProviderError{Symbol: symbol, Err: fmt.Errorf("history: %w", err)}
	}

	bars := make([]models.PriceBar, 0, len(hist))
	for _, h := range hist {
		bars = append(bars, models.PriceBar{
			Timestamp: h.Date.UTC(),
			Open:      h.Open,
			High:      h.High,
			Low:       h.Low,
			Close:     h.Close,
			Volume:    float64(h.Volume),
		})
	}
	out, err := FinalizeBars(bars, start, end)
	if err != nil {
		return nil, &models.ProviderError{Symbol: symbol, Err: err}
	}
	return out, nil
}

// PeriodFor picks the smallest yfinance period string reaching back to start from now.
func PeriodFor(start, now time.Time) string {
	age := now.Sub(start)
	const year = 365 * 24 * time.Hour
	switch {
	case age <= 30*24*time.Hour:
		return "1mo"
	case age <= 90*24*time.Hour:
		return "3mo"
	case age <= 180*24*time.Hour:
		return "6mo"
	case age <= year:
		return "1y"
	case age <= 2*year:
		return "2y"
	case age <= 5*year:
		return "5y"
	case age <= 10*year:
		return "10y"
	default:
		return "max"
	}
}
