package window

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParseSameDayWindow(t *testing.T) {
	w, err := Parse("2025-09-15 01:00-06:00", time.UTC)
	require.NoError(t, err)

	assert.True(t, w.Start.Equal(utc("2025-09-15T01:00:00Z")))
	assert.True(t, w.End.Equal(utc("2025-09-15T06:00:00Z")))
	assert.Equal(t, 5*time.Hour, w.Duration())
}

func TestContainsIsHalfOpen(t *testing.T) {
	w, err := Parse("2025-09-15 01:00-06:00", time.UTC)
	require.NoError(t, err)

	assert.True(t, w.Contains(utc("2025-09-15T01:00:00Z")), "start is inclusive")
	assert.True(t, w.Contains(utc("2025-09-15T02:30:00Z")))
	assert.True(t, w.Contains(utc("2025-09-15T05:59:59Z")))
	assert.False(t, w.Contains(utc("2025-09-15T06:00:00Z")), "end is exclusive")
	assert.False(t, w.Contains(utc("2025-09-15T00:59:59Z")))
}

func TestAdjacentWindowsDoNotOverlap(t *testing.T) {
	first, err := Parse("2025-09-15 01:00-06:00", time.UTC)
	require.NoError(t, err)
	second, err := Parse("2025-09-15 06:00-08:00", time.UTC)
	require.NoError(t, err)

	boundary := utc("2025-09-15T06:00:00Z")
	assert.False(t, first.Contains(boundary))
	assert.True(t, second.Contains(boundary))
}

func TestParseMidnightSpanningWindow(t *testing.T) {
	w, err := Parse("2025-09-15 22:00-02:00", time.UTC)
	require.NoError(t, err)

	assert.True(t, w.Start.Equal(utc("2025-09-15T22:00:00Z")))
	assert.True(t, w.End.Equal(utc("2025-09-16T02:00:00Z")))
	assert.True(t, w.Contains(utc("2025-09-15T23:59:00Z")))
	assert.True(t, w.Contains(utc("2025-09-16T01:59:00Z")))
	assert.False(t, w.Contains(utc("2025-09-16T02:00:00Z")))
}

func TestParseMidnightSpanAcrossMonthEnd(t *testing.T) {
	w, err := Parse("2024-02-29 23:30-00:30", time.UTC)
	require.NoError(t, err)
	assert.True(t, w.End.Equal(utc("2024-03-01T00:30:00Z")))
}

func TestParseZoneTokens(t *testing.T) {
	w, err := Parse("2025-09-15 01:00-06:00 +02:00", nil)
	require.NoError(t, err)
	assert.True(t, w.Start.Equal(utc("2025-09-14T23:00:00Z")))

	w, err = Parse("2025-09-15 01:00-06:00 Z", nil)
	require.NoError(t, err)
	assert.True(t, w.Start.Equal(utc("2025-09-15T01:00:00Z")))

	// An explicit token beats the caller's location.
	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	w, err = Parse("  2025-09-15 01:00-06:00 UTC ", madrid)
	require.NoError(t, err)
	assert.True(t, w.Start.Equal(utc("2025-09-15T01:00:00Z")))
}

func TestParseUsesCallerLocation(t *testing.T) {
	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)

	w, err := Parse("2025-09-15 01:00-06:00", madrid)
	require.NoError(t, err)
	// CEST is UTC+2 in September.
	assert.True(t, w.Start.Equal(utc("2025-09-14T23:00:00Z")))
	assert.True(t, w.End.Equal(utc("2025-09-15T04:00:00Z")))
}

func TestParseRejectsMalformedSpecs(t *testing.T) {
	tests := map[string]string{
		"empty":             "",
		"no times":          "2025-09-15",
		"single time":       "2025-09-15 01:00",
		"bad separator":     "2025-09-15 01:00/06:00",
		"iso form":          "2025-09-15T01:00-06:00",
		"invalid date":      "2025-02-30 01:00-06:00",
		"month 13":          "2025-13-01 01:00-06:00",
		"hour 24":           "2025-09-15 24:00-06:00",
		"minute 60":         "2025-09-15 01:60-06:00",
		"zero length":       "2025-09-15 01:00-01:00",
		"offset too large":  "2025-09-15 01:00-06:00 +15:00",
		"unknown zone name": "2025-09-15 01:00-06:00 CEST",
		"single digit hour": "2025-09-15 1:00-6:00",
	}

	for name, spec := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(spec, time.UTC)
			var malformed *MalformedWindowError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, spec, malformed.Input)
		})
	}
}

func TestParseWithoutAnyZoneIsRejected(t *testing.T) {
	_, err := Parse("2025-09-15 01:00-06:00", nil)
	var malformed *MalformedWindowError
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "no UTC offset")
}

func TestString(t *testing.T) {
	w, err := Parse("2025-09-15 22:00-02:00", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "2025-09-15T22:00:00Z/2025-09-16T02:00:00Z", w.String())
}
