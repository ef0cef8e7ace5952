package yahoo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"FinBacktest/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chartOK = `{"chart":{"result":[{"timestamp":[1672756200,1672842600,1672929000],
"indicators":{"quote":[{"open":[130.28,126.89,null],"high":[130.90,128.66,null],
"low":[124.17,125.08,null],"close":[125.07,126.36,null],"volume":[112117500,89113600,null]}]}}],"error":null}}`

// high below open
const chartBadBar = `{"chart":{"result":[{"timestamp":[1672756200],
"indicators":{"quote":[{"open":[130],"high":[120],"low":[110],"close":[125],"volume":[1]}]}}]}}`

func TestChartClientFetch(t *testing.T) {
	var gotPath, gotInterval string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotInterval = r.URL.Query().Get("interval")
		_, _ = w.Write([]byte(chartOK))
	}))
	defer srv.Close()

	c := NewChartClient(srv.URL, 5*time.Second)
	bars, err := c.Fetch(context.Background(), "AAPL",
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC), models.Interval1d)
	require.NoError(t, err)
	assert.Equal(t, "/AAPL", gotPath)
	assert.Equal(t, "1d", gotInterval)
	require.Len(t, bars, 2, "null rows are skipped")
	assert.Equal(t, 125.07, bars[0].Close)
	assert.Equal(t, time.Date(2023, 1, 3, 0, 0, 0, 0, time.UTC), bars[0].Timestamp)
}

func TestChartClientErrorsAreProviderErrors(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"http 500":     {http.StatusInternalServerError, "boom"},
		"chart error":  {http.StatusOK, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`},
		"empty result": {http.StatusOK, `{"chart":{"result":[],"error":null}}`},
		"malformed":    {http.StatusOK, `{"chart":`},
		"bad bar":      {http.StatusOK, chartBadBar},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewChartClient(srv.URL, time.Second).Fetch(context.Background(), "ZZZ",
				time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC), models.Interval1d)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrProvider))
			var pe *models.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "ZZZ", pe.Symbol)
		})
	}
}

func TestPeriodFor(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "1mo", PeriodFor(now.AddDate(0, 0, -10), now))
	assert.Equal(t, "1y", PeriodFor(now.AddDate(0, -11, 0), now))
	assert.Equal(t, "5y", PeriodFor(now.AddDate(-3, 0, 0), now))
	assert.Equal(t, "max", PeriodFor(now.AddDate(-30, 0, 0), now))
}
