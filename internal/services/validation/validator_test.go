package validation

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"FinBacktest/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// series builds weekday bars starting 2023-01-02 from a close generator.
func series(n int, closeAt func(i int) float64) []models.PriceBar {
	out := make([]models.PriceBar, 0, n)
	d := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; len(out) < n; d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		c := closeAt(i)
		out = append(out, models.PriceBar{Timestamp: d, Open: c, High: c * 1.01, Low: c * 0.99, Close: c, Volume: 1000})
		i++
	}
	return out
}

func noisy(seed int64) func(int) float64 {
	rng := rand.New(rand.NewSource(seed))
	price := 100.0
	return func(int) float64 {
		price *= 1 + rng.NormFloat64()*0.01
		return price
	}
}

func TestValidateCleanSeries(t *testing.T) {
	rep := New(DefaultConfig()).Validate(series(120, noisy(1)))
	assert.True(t, rep.IsAcceptable)
	assert.Zero(t, rep.MissingDayCount)
	assert.Equal(t, 120, rep.ExpectedDays)
	assert.Empty(t, rep.SplitIndices)
}

func TestValidateFlagsOutlier(t *testing.T) {
	gen := noisy(2)
	bars := series(100, func(i int) float64 {
		c := gen(i)
		if i == 80 {
			return c * 1.25
		}
		return c
	})
	rep := New(DefaultConfig()).Validate(bars)
	assert.Contains(t, rep.OutlierIndices, 80)
	assert.NotContains(t, rep.SplitIndices, 80)
}

func TestValidateSplitIsNotOutlier(t *testing.T) {
	bars := series(100, func(i int) float64 {
		if i >= 70 {
			return 49 + float64(i%3)*0.1
		}
		return 100 + float64(i%3)*0.2
	})
	rep := New(DefaultConfig()).Validate(bars)
	require.Equal(t, []int{70}, rep.SplitIndices)
	assert.NotContains(t, rep.OutlierIndices, 70)
	assert.InDelta(t, 0.5, rep.SplitRatios[0], 0.01)
}

func TestValidateMissingDays(t *testing.T) {
	bars := series(100, noisy(3))
	// drop 15 interior bars -> 15/100 missing
	trimmed := append([]models.PriceBar{}, bars[:40]...)
	trimmed = append(trimmed, bars[55:]...)
	rep := New(DefaultConfig()).Validate(trimmed)
	assert.Equal(t, 100, rep.ExpectedDays)
	assert.Equal(t, 15, rep.MissingDayCount)
	assert.False(t, rep.IsAcceptable)

	// 10% exactly is still acceptable
	trimmed = append([]models.PriceBar{}, bars[:40]...)
	trimmed = append(trimmed, bars[50:]...)
	rep = New(DefaultConfig()).Validate(trimmed)
	assert.Equal(t, 10, rep.MissingDayCount)
	assert.True(t, rep.IsAcceptable)
}

func TestCorrectSplits(t *testing.T) {
	bars := series(10, func(i int) float64 {
		if i >= 5 {
			return 40
		}
		return 100
	})
	rep := New(DefaultConfig()).Validate(bars)
	require.Len(t, rep.SplitIndices, 1)

	fixed := CorrectSplits(bars, rep)
	for i := 0; i < 5; i++ {
		assert.InDelta(t, 40, fixed[i].Close, 1e-9)
		assert.InDelta(t, 2500, fixed[i].Volume, 1e-9)
	}
	assert.Equal(t, 100.0, bars[0].Close, "input must not be mutated")
	assert.Empty(t, New(DefaultConfig()).Validate(fixed).SplitIndices)
}

func TestValidateEmpty(t *testing.T) {
	rep := New(Config{}).Validate(nil)
	assert.Zero(t, rep.ExpectedDays)
	assert.False(t, math.IsNaN(rep.MissingRatio()))
}

func TestValidateSplitBoundsAreNotSuspects(t *testing.T) {
	for _, next := range []float64{50, 200} {
		bars := series(10, func(i int) float64 {
			if i >= 5 {
				return next
			}
			return 100
		})
		rep := New(DefaultConfig()).Validate(bars)
		assert.Empty(t, rep.SplitIndices, "ratio %.1f is inside [0.5, 2.0]", next/100)
	}
}

func TestValidateRangeCountsMissingHeadAndTail(t *testing.T) {
	bars := series(100, noisy(5))
	start := bars[0].Timestamp
	end := bars[len(bars)-1].Timestamp

	rep := New(DefaultConfig()).ValidateRange(bars[50:], start, end)
	assert.Equal(t, 100, rep.ExpectedDays)
	assert.Equal(t, 50, rep.MissingDayCount)
	assert.False(t, rep.IsAcceptable)

	rep = New(DefaultConfig()).ValidateRange(bars[:70], start, end)
	assert.Equal(t, 30, rep.MissingDayCount)
	assert.False(t, rep.IsAcceptable)

	rep = New(DefaultConfig()).ValidateRange(bars, start, end)
	assert.Zero(t, rep.MissingDayCount)
	assert.True(t, rep.IsAcceptable)

	rep = New(DefaultConfig()).ValidateRange(nil, start, end)
	assert.Equal(t, 100, rep.MissingDayCount)
	assert.False(t, rep.IsAcceptable)
}
