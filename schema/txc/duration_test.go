package txc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"-PT1H20M30S", -(time.Hour + 20*time.Minute + 30*time.Second)},
		{"PT1M30.5S", time.Minute + 30*time.Second + 500000*time.Microsecond},
		{"PT0.000001S", time.Microsecond},
		{"P1DT2H", 26 * time.Hour},
		{"P1W", 7 * 24 * time.Hour},
		{"+PT5M", 5 * time.Minute},
		{"PT0S", 0},
		{"P0D", 0},
		{"", 0},
		{"P", 0},
		{"PT", 0},
		{"P1DT", 0},
		{"P1Y", 0},
		{"1 hour", 0},
		{"PT1H30", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseDuration(tc.in), tc.in)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "PT0S", FormatDuration(0))
	assert.Equal(t, "-PT1H20M30S", FormatDuration(-(time.Hour + 20*time.Minute + 30*time.Second)))
	assert.Equal(t, "PT1M30.5S", FormatDuration(90500*time.Millisecond))
	assert.Equal(t, "P1DT2H", FormatDuration(26*time.Hour))
	assert.Equal(t, "P2D", FormatDuration(48*time.Hour))
	assert.Equal(t, "PT0.000001S", FormatDuration(time.Microsecond))
}

func TestDurationRoundTrip(t *testing.T) {
	for _, in := range []string{"-PT1H20M30S", "PT1M30.5S", "P3DT4H5M6.789S", "PT59S", "PT2H"} {
		d := ParseDuration(in)
		assert.Equal(t, d, ParseDuration(FormatDuration(d)), in)
	}
}

func TestParseDepartureTime(t *testing.T) {
	got := ParseDepartureTime("08:15:30")
	require.NotNil(t, got)
	assert.Equal(t, ClockTime{Hour: 8, Minute: 15, Second: 30}, *got)
	assert.Equal(t, 8*time.Hour+15*time.Minute+30*time.Second, got.SinceMidnight())

	assert.NotNil(t, ParseDepartureTime("23:59:59"))
	for _, in := range []string{"24:00:00", "12:60:00", "12:00:60", "8:15:00", "", "noon"} {
		assert.Nil(t, ParseDepartureTime(in), in)
	}
}

func TestIsDuration(t *testing.T) {
	for _, in := range []string{"PT0S", "P0D", "PT5M", "-PT1H", "P1W"} {
		assert.True(t, IsDuration(in), in)
	}
	for _, in := range []string{"", "P", "-P", "PT", "P1DT", "5 minutes", "P1M"} {
		assert.False(t, IsDuration(in), in)
	}
}
