package usecase

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"FinBacktest/internal/domain/models"
	"FinBacktest/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissThenHit(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	dl, _ := newTestLoader(p)

	res, err := dl.Load(ctx, "aapl", date("2023-01-02"), date("2023-06-30"), models.Interval1d)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, "AAPL", res.Symbol)
	require.NotEmpty(t, res.Bars)
	assert.Len(t, res.Indicators.SMA20, len(res.Bars))
	assert.True(t, res.Report.IsAcceptable)

	again, err := dl.Load(ctx, "AAPL", date("2023-01-02"), date("2023-06-30"), models.Interval1d)
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Len(t, p.Calls(), 1)
	require.Len(t, again.Bars, len(res.Bars))
	for i := range res.Bars {
		assert.InDelta(t, res.Bars[i].Close, again.Bars[i].Close, 1e-12)
	}
}

func TestLoadFetchesOnlyMissingTail(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	dl, bc := newTestLoader(p)

	_, err := dl.Load(ctx, "MSFT", date("2023-01-02"), date("2023-06-30"), models.Interval1d)
	require.NoError(t, err)
	_, err = dl.Load(ctx, "MSFT", date("2023-01-02"), date("2023-12-29"), models.Interval1d)
	require.NoError(t, err)

	calls := p.Calls()
	require.Len(t, calls, 2)
	assert.True(t, date("2023-06-30").Equal(calls[1].Start), "tail fetch overlaps the last cached bar")
	assert.True(t, date("2023-12-29").Equal(calls[1].End))
	assert.InDelta(t, 1.0, bc.CoverageRatio(ctx, "MSFT", date("2023-01-02"), date("2023-12-29")), 1e-12)
}

func TestLoadIndicatorsUseHistoryBeforeStart(t *testing.T) {
	ctx := context.Background()
	dl, _ := newTestLoader(newFakeProvider())

	_, err := dl.Load(ctx, "IBM", date("2022-06-01"), date("2023-03-31"), models.Interval1d)
	require.NoError(t, err)
	res, err := dl.Load(ctx, "IBM", date("2023-03-01"), date("2023-03-31"), models.Interval1d)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.False(t, math.IsNaN(res.Indicators.SMA50[0]), "warm-up comes from cached history")
}

func TestLoadProviderErrorNotCached(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	p.err = &models.ProviderError{Symbol: "X", Err: errors.New("timeout")}
	dl, bc := newTestLoader(p)

	_, err := dl.Load(ctx, "X", date("2023-01-02"), date("2023-01-31"), models.Interval1d)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrProvider)
	assert.Zero(t, bc.CoverageRatio(ctx, "X", date("2023-01-02"), date("2023-01-31")))
}

func TestLoadInsufficientData(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	p.skip = map[string]bool{}
	for d := date("2023-02-01"); d.Before(date("2023-02-28")); d = d.AddDate(0, 0, 1) {
		p.skip[d.Format("2006-01-02")] = true
	}
	dl, _ := newTestLoader(p)

	_, err := dl.Load(ctx, "GAP", date("2023-01-02"), date("2023-04-28"), models.Interval1d)
	var ide *models.InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Greater(t, ide.Report.MissingRatio(), 0.10)

	dl2, _ := newTestLoader(p, WithAllowUnacceptable(true))
	res, err := dl2.Load(ctx, "GAP", date("2023-01-02"), date("2023-04-28"), models.Interval1d)
	require.NoError(t, err)
	assert.False(t, res.Report.IsAcceptable)
}

func TestLoadMissingHeadIsRejected(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	p.skip = map[string]bool{}
	for d := date("2021-01-04"); d.Before(date("2023-07-01")); d = d.AddDate(0, 0, 1) {
		p.skip[util.FormatDay(d)] = true
	}
	start, end := date("2023-01-02"), date("2023-12-29")
	dl, bc := newTestLoader(p)

	_, err := dl.Load(ctx, "LATE", start, end, models.Interval1d)
	var ide *models.InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, "LATE", ide.Symbol)
	assert.Equal(t, util.TradingDays(start, end), ide.Report.ExpectedDays)
	assert.Greater(t, ide.Report.MissingRatio(), 0.4)
	assert.Zero(t, bc.CoverageRatio(ctx, "LATE", start, end), "rejected data must not be cached")

	dl2, _ := newTestLoader(p, WithAllowUnacceptable(true))
	res, err := dl2.Load(ctx, "LATE", start, end, models.Interval1d)
	require.NoError(t, err)
	assert.False(t, res.Report.IsAcceptable)
	assert.False(t, res.Bars[0].Timestamp.Before(date("2023-07-03")))
}

func TestLoadAfterDisjointRangeRefetches(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	dl, bc := newTestLoader(p)

	_, err := dl.Load(ctx, "AAPL", date("2023-01-02"), date("2023-03-31"), models.Interval1d)
	require.NoError(t, err)
	_, err = dl.Load(ctx, "AAPL", date("2023-11-01"), date("2023-12-29"), models.Interval1d)
	require.NoError(t, err)

	start, end := date("2023-03-01"), date("2023-06-30")
	assert.Less(t, bc.CoverageRatio(ctx, "AAPL", start, end), 0.5)

	res, err := dl.Load(ctx, "AAPL", start, end, models.Interval1d)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.True(t, res.Report.IsAcceptable)
	assert.Len(t, res.Bars, util.TradingDays(start, end))
	assert.True(t, end.Equal(util.Day(res.Bars[len(res.Bars)-1].Timestamp)))

	calls := p.Calls()
	require.Len(t, calls, 3)
	assert.True(t, start.Equal(calls[2].Start))
	assert.True(t, end.Equal(calls[2].End))
}

func TestLoadRejectsBadRange(t *testing.T) {
	dl, _ := newTestLoader(newFakeProvider())
	_, err := dl.Load(context.Background(), "AAPL", date("2023-02-01"), date("2023-01-01"), models.Interval1d)
	assert.ErrorIs(t, err, models.ErrConfig)
	_, err = dl.Load(context.Background(), "AAPL", date("2023-01-01"), date("2023-02-01"), models.Interval("4h"))
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestLoadWithRetry(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	p.failFirst = 2
	dl, _ := newTestLoader(p)
	policy := RetryPolicy{Attempts: 3, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond}

	res, err := dl.LoadWithRetry(ctx, "AAPL", date("2023-01-02"), date("2023-03-31"), models.Interval1d, policy)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Bars)
	assert.Len(t, p.Calls(), 3)

	p2 := newFakeProvider()
	p2.failFirst = 5
	dl2, _ := newTestLoader(p2)
	_, err = dl2.LoadWithRetry(ctx, "AAPL", date("2023-01-02"), date("2023-03-31"), models.Interval1d, policy)
	assert.ErrorIs(t, err, models.ErrProvider)
	assert.Len(t, p2.Calls(), 3)
}

func TestLoadWithRetryDoesNotRetryConfigErrors(t *testing.T) {
	p := newFakeProvider()
	dl, _ := newTestLoader(p)
	_, err := dl.LoadWithRetry(context.Background(), "", date("2023-01-02"), date("2023-03-31"), models.Interval1d, DefaultRetryPolicy())
	assert.ErrorIs(t, err, models.ErrConfig)
	assert.Empty(t, p.Calls())
}
