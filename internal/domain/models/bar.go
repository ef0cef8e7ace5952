package models

import (
	"fmt"
	"sort"
	"time"

	"FinBacktest/pkg/util"
)

// Interval is the bar granularity requested from a provider.
type Interval string

const (
	Interval1d  Interval = "1d"
	Interval1wk Interval = "1wk"
	Interval1mo Interval = "1mo"
)

// IsValid reports whether the interval is supported.
func (i Interval) IsValid() bool {
	switch i {
	case Interval1d, Interval1wk, Interval1mo:
		return true
	}
	return false
}

// PriceBar is one OHLCV row. Immutable once cached.
type PriceBar struct {
	Timestamp time.Time `json:"timestamp" msgpack:"t"`
	Open      float64   `json:"open" msgpack:"o"`
	High      float64   `json:"high" msgpack:"h"`
	Low       float64   `json:"low" msgpack:"l"`
	Close     float64   `json:"close" msgpack:"c"`
	Volume    float64   `json:"volume" msgpack:"v"`
}

// Validate checks high >= max(open,close) >= min(open,close) >= low and volume >= 0.
func (b PriceBar) Validate() error {
	hi, lo := b.Open, b.Close
	if lo > hi {
		hi, lo = lo, hi
	}
	switch {
	case b.Timestamp.IsZero():
		return fmt.Errorf("bar has zero timestamp")
	case b.Low <= 0 || b.Close <= 0:
		return fmt.Errorf("bar %s: non-positive price", b.Timestamp.Format("2006-01-02"))
	case b.High < hi:
		return fmt.Errorf("bar %s: high %.4f below body", b.Timestamp.Format("2006-01-02"), b.High)
	case b.Low > lo:
		return fmt.Errorf("bar %s: low %.4f above body", b.Timestamp.Format("2006-01-02"), b.Low)
	case b.Volume < 0:
		return fmt.Errorf("bar %s: negative volume", b.Timestamp.Format("2006-01-02"))
	}
	return nil
}

// ValidateSeries checks that timestamps are strictly increasing.
func ValidateSeries(bars []PriceBar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return &InvariantViolation{Reason: fmt.Sprintf("bars not strictly increasing at index %d (%s)",
				i, bars[i].Timestamp.Format("2006-01-02"))}
		}
	}
	return nil
}

// Closes extracts close prices.
func Closes(bars []PriceBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// RangeIndex returns [i, j) such that bars[i:j] fall on calendar days within [start, end].
// Bars must be sorted.
func RangeIndex(bars []PriceBar, start, end time.Time) (int, int) {
	from, to := util.Day(start), util.Day(end)
	i := sort.Search(len(bars), func(k int) bool { return !util.Day(bars[k].Timestamp).Before(from) })
	j := sort.Search(len(bars), func(k int) bool { return util.Day(bars[k].Timestamp).After(to) })
	if j < i {
		j = i
	}
	return i, j
}

// CacheEntry is the stored unit of the bar cache, one per symbol.
type CacheEntry struct {
	Symbol    string     `json:"symbol" msgpack:"symbol"`
	Interval  Interval   `json:"interval" msgpack:"interval"`
	Start     time.Time  `json:"start" msgpack:"start"`
	End       time.Time  `json:"end" msgpack:"end"`
	Bars      []PriceBar `json:"bars" msgpack:"bars"`
	FetchedAt time.Time  `json:"fetched_at" msgpack:"fetched_at"`
}

// Indicators holds derived series aligned index-for-index with the bars. Warm-up values are NaN.
type Indicators struct {
	SMA20      []float64 `json:"sma_20"`
	SMA50      []float64 `json:"sma_50"`
	EMA12      []float64 `json:"ema_12"`
	EMA26      []float64 `json:"ema_26"`
	MACD       []float64 `json:"macd"`
	MACDSignal []float64 `json:"macd_signal"`
	MACDHist   []float64 `json:"macd_hist"`
	RSI14      []float64 `json:"rsi_14"`
	BBUpper    []float64 `json:"bb_upper"`
	BBMiddle   []float64 `json:"bb_middle"`
	BBLower    []float64 `json:"bb_lower"`
}

// Slice returns the indicators restricted to [from, to).
func (ind Indicators) Slice(from, to int) Indicators {
	cut := func(s []float64) []float64 {
		if len(s) < to {
			return nil
		}
		return s[from:to]
	}
	return Indicators{
		SMA20:      cut(ind.SMA20),
		SMA50:      cut(ind.SMA50),
		EMA12:      cut(ind.EMA12),
		EMA26:      cut(ind.EMA26),
		MACD:       cut(ind.MACD),
		MACDSignal: cut(ind.MACDSignal),
		MACDHist:   cut(ind.MACDHist),
		RSI14:      cut(ind.RSI14),
		BBUpper:    cut(ind.BBUpper),
		BBMiddle:   cut(ind.BBMiddle),
		BBLower:    cut(ind.BBLower),
	}
}

// ValidationReport is produced once per load by the data validator.
type ValidationReport struct {
	ExpectedDays    int       `json:"expected_days"`
	MissingDayCount int       `json:"missing_day_count"`
	OutlierIndices  []int     `json:"outlier_indices"`
	SplitIndices    []int     `json:"suspected_split_indices"`
	SplitRatios     []float64 `json:"split_ratios"`
	IsAcceptable    bool      `json:"is_acceptable"`
}

// MissingRatio is missing days over expected days.
func (r ValidationReport) MissingRatio() float64 {
	if r.ExpectedDays == 0 {
		return 0
	}
	return float64(r.MissingDayCount) / float64(r.ExpectedDays)
}
