package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeBoundRelative(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	got, err := ParseTimeBound("1h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Hour), got)

	got, err = ParseTimeBound("30m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*time.Minute), got)

	got, err = ParseTimeBound("2d", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), got)
}

func TestParseTimeBoundAbsolute(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	got, err := ParseTimeBound("2026-07-29T10:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, 10, got.UTC().Hour())
}

func TestParseTimeBoundRejectsGarbage(t *testing.T) {
	_, err := ParseTimeBound("not-a-time", time.Now())
	assert.Error(t, err)
}

func TestParseScrapeIntervalVariants(t *testing.T) {
	cases := map[string]time.Duration{
		"15s":   15 * time.Second,
		"1m":    time.Minute,
		"500ms": 500 * time.Millisecond,
		"2h":    2 * time.Hour,
	}
	for in, want := range cases {
		got, ok := parseScrapeInterval(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got)
	}
}

func TestParseScrapeIntervalFallsBackOnGarbage(t *testing.T) {
	_, ok := parseScrapeInterval("banana")
	assert.False(t, ok)
}

func TestTruncateQueryPrefix(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'q'
	}
	got := truncate(string(long), 200)
	assert.Len(t, got, 200)
}
