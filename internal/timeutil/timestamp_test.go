package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEpochUnits(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   string
	}{
		{"seconds", "1709287200"},
		{"millis", "1709287200000"},
		{"micros", "1709287200000000"},
		{"nanos", "1709287200000000000"},
		{"rfc3339", "2024-03-01T10:00:00Z"},
		{"rfc3339 offset", "2024-03-01T12:00:00+02:00"},
		{"space layout", "2024-03-01 10:00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseFractionalSeconds(t *testing.T) {
	got, err := Parse("1709287200.5")
	require.NoError(t, err)
	assert.Equal(t, int64(1709287200500), got.UnixMilli())
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse("   ")
	assert.Error(t, err)
}

func TestParseAny(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	got, err := ParseAny(float64(1709287200000))
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	got, err = ParseAny(uint64(want.UnixNano()))
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	_, err = ParseAny(nil)
	assert.Error(t, err)
	_, err = ParseAny(struct{}{})
	assert.Error(t, err)
}

func TestParseRelative(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	got, err := ParseRelative("now-15m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-15*time.Minute), got)

	got, err = ParseRelative("now", now)
	require.NoError(t, err)
	assert.Equal(t, now, got)

	_, err = ParseRelative("now-banana", now)
	assert.Error(t, err)
}

func TestFromUnixNanoZero(t *testing.T) {
	assert.True(t, FromUnixNano(0).IsZero())
}
