// Package csvfeed serves bars from local CSV files, one file per symbol.
package csvfeed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	"FinBacktest/internal/service/yahoo"
	"FinBacktest/pkg/util"
)

// Provider reads <dir>/<SYMBOL>.csv with a header row containing
// date, open, high, low, close and volume columns in any order.
type Provider struct {
	dir string
}

var _ domrepo.MarketDataProvider = (*Provider)(nil)

func New(dir string) *Provider { return &Provider{dir: dir} }

func (p *Provider) Name() string { return "csv" }

func (p *Provider) Fetch(ctx context.Context, symbol string, start, end time.Time, _ models.Interval) ([]models.PriceBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, &models.ProviderError{Symbol: symbol, Err: err}
	}
	f, err := os.Open(filepath.Join(p.dir, strings.ToUpper(symbol)+".csv"))
	if err != nil {
		return nil, &models.ProviderError{Symbol: symbol, Err: err}
	}
	defer f.Close()

	bars, err := Parse(f)
	if err != nil {
		return nil, &models.ProviderError{Symbol: symbol, Err: err}
	}
	out, err := yahoo.FinalizeBars(bars, start, end)
	if err != nil {
		return nil, &models.ProviderError{Symbol: symbol, Err: err}
	}
	return out, nil
}

var columns = []string{"date", "open", "high", "low", "close", "volume"}

// Parse decodes a bar CSV. Rows must be in ascending date order.
func Parse(r io.Reader) ([]models.PriceBar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range columns {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}

	var bars []models.PriceBar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ts, ok := util.ParseTime(rec[idx["date"]])
		if !ok {
			return nil, fmt.Errorf("line %d: bad date %q", line, rec[idx["date"]])
		}
		var vals [5]float64
		for k, c := range columns[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[idx[c]]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad %s: %w", line, c, err)
			}
			vals[k] = v
		}
		bars = append(bars, models.PriceBar{
			Timestamp: util.Day(ts),
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	if len(bars) == 0 {
		return nil, errors.New("no rows")
	}
	return bars, nil
}
