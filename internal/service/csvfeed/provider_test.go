package csvfeed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"FinBacktest/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `Date,Open,High,Low,Close,Volume
2023-01-03,130.28,130.90,124.17,125.07,112117500
2023-01-04,126.89,128.66,125.08,126.36,89113600
2023-01-05,127.13,127.77,124.76,125.02,80962700
`

func TestProviderFetch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AAPL.csv"), []byte(sample), 0o644))

	p := New(dir)
	bars, err := p.Fetch(context.Background(), "aapl",
		time.Date(2023, 1, 4, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC), models.Interval1d)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 126.36, bars[0].Close)
}

func TestProviderMissingFile(t *testing.T) {
	_, err := New(t.TempDir()).Fetch(context.Background(), "NOPE", time.Now(), time.Now(), models.Interval1d)
	assert.ErrorIs(t, err, models.ErrProvider)
}

func TestParseRejectsMissingColumn(t *testing.T) {
	_, err := Parse(strings.NewReader("date,open,high,low,close\n2023-01-03,1,1,1,1\n"))
	assert.Error(t, err)
}
