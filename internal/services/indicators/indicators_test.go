package indicators

import (
	"math"
	"testing"
	"time"

	"FinBacktest/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearBars(n int) []models.PriceBar {
	out := make([]models.PriceBar, n)
	t0 := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range out {
		c := 100 + float64(i)
		out[i] = models.PriceBar{Timestamp: t0.AddDate(0, 0, i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1}
	}
	return out
}

func TestComputeAlignmentAndWarmup(t *testing.T) {
	bars := linearBars(80)
	ind := Compute(bars)

	for _, s := range [][]float64{ind.SMA20, ind.SMA50, ind.EMA12, ind.EMA26, ind.MACD, ind.RSI14, ind.BBUpper} {
		require.Len(t, s, len(bars))
	}
	assert.True(t, math.IsNaN(ind.SMA20[18]))
	assert.False(t, math.IsNaN(ind.SMA20[19]))
	assert.True(t, math.IsNaN(ind.SMA50[48]))
	assert.True(t, math.IsNaN(ind.RSI14[13]))

	// SMA20 at index 19 of 100..119 is 109.5
	assert.InDelta(t, 109.5, ind.SMA20[19], 1e-9)
	assert.InDelta(t, ind.SMA20[79], ind.BBMiddle[79], 1e-9)
	assert.Greater(t, ind.BBUpper[79], ind.BBMiddle[79])
	assert.Less(t, ind.BBLower[79], ind.BBMiddle[79])
	// strictly rising closes saturate RSI
	assert.InDelta(t, 100, ind.RSI14[79], 1e-6)
	assert.Greater(t, ind.MACD[79], 0.0)
}

func TestComputeShortSeriesAllNaN(t *testing.T) {
	ind := Compute(linearBars(5))
	require.Len(t, ind.SMA20, 5)
	for _, v := range ind.SMA20 {
		assert.True(t, math.IsNaN(v))
	}
	assert.Empty(t, Compute(nil).SMA20)
}

func TestSliceKeepsAlignment(t *testing.T) {
	ind := Compute(linearBars(60)).Slice(50, 60)
	require.Len(t, ind.SMA50, 10)
	assert.False(t, math.IsNaN(ind.SMA50[0]))
}
