package finnhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"FinBacktest/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock/candle", r.URL.Path)
		assert.Equal(t, "D", r.URL.Query().Get("resolution"))
		assert.Equal(t, "secret", r.Header.Get("X-Finnhub-Token"))
		_, _ = w.Write([]byte(`{"s":"ok","t":[1672704000,1672790400],"o":[10,11],"h":[12,12],"l":[9,10],"c":[11,11.5],"v":[100,200]}`))
	}))
	defer srv.Close()

	c := New("secret", srv.URL, time.Second, nil)
	bars, err := c.Fetch(context.Background(), "MSFT",
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC), models.Interval1d)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 11.5, bars[1].Close)
}

func TestFetchNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"s":"no_data"}`))
	}))
	defer srv.Close()

	_, err := New("secret", srv.URL, time.Second, nil).Fetch(context.Background(), "MSFT",
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC), models.Interval1d)
	assert.ErrorIs(t, err, models.ErrProvider)
}

func TestFetchWithoutKey(t *testing.T) {
	_, err := New("", "", time.Second, nil).Fetch(context.Background(), "MSFT", time.Now(), time.Now(), models.Interval1d)
	assert.ErrorIs(t, err, models.ErrProvider)
}
