package txc

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Weeks, days, hours, minutes and seconds are accepted. Years and months have
// no fixed length and are treated as unparsable.
var isoDuration = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d+)?)S)?)?$`)

// IsDuration reports whether s is a duration ParseDuration understands.
func IsDuration(s string) bool {
	s = strings.TrimSpace(s)
	if !isoDuration.MatchString(s) || strings.HasSuffix(s, "T") {
		return false
	}
	return strings.TrimLeft(s, "+-") != "P"
}

// ParseDuration parses an ISO-8601 duration such as "PT1H20M30S" or
// "-PT1M30.5S". Fractional seconds are kept to the microsecond. Empty,
// malformed and component-less inputs return zero.
func ParseDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if !IsDuration(s) {
		return 0
	}
	m := isoDuration.FindStringSubmatch(s)

	var d time.Duration
	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+2], 10, 64)
		if err != nil {
			return 0
		}
		d += time.Duration(n) * unit
	}
	if m[6] != "" {
		sec, err := strconv.ParseFloat(strings.Replace(m[6], ",", ".", 1), 64)
		if err != nil {
			return 0
		}
		d += time.Duration(math.Round(sec*1e6)) * time.Microsecond
	}

	if m[1] == "-" {
		d = -d
	}
	return d
}

// FormatDuration renders d in the form ParseDuration accepts, truncated to
// the microsecond. Zero is "PT0S".
func FormatDuration(d time.Duration) string {
	d = d.Truncate(time.Microsecond)
	if d == 0 {
		return "PT0S"
	}

	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteByte('P')

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		b.WriteString(strconv.FormatInt(int64(days), 10))
		b.WriteByte('D')
	}
	if d == 0 {
		return b.String()
	}

	b.WriteByte('T')
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	if hours > 0 {
		b.WriteString(strconv.FormatInt(int64(hours), 10))
		b.WriteByte('H')
	}
	if minutes > 0 {
		b.WriteString(strconv.FormatInt(int64(minutes), 10))
		b.WriteByte('M')
	}
	if d > 0 {
		micros := int64(d / time.Microsecond)
		sec := strconv.FormatInt(micros/1e6, 10)
		if frac := micros % 1e6; frac > 0 {
			sec += strings.TrimRight("."+leftPad(strconv.FormatInt(frac, 10), 6), "0")
		}
		b.WriteString(sec)
		b.WriteByte('S')
	}
	return b.String()
}

func leftPad(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// ClockTime is a wall-clock time of day as written in TXC departure times.
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

var departureTime = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2})$`)

// ParseDepartureTime parses "HH:MM:SS". Malformed or out-of-range values
// return nil.
func ParseDepartureTime(s string) *ClockTime {
	m := departureTime.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil
	}
	h, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	sec, _ := strconv.Atoi(m[3])
	if h > 23 || minute > 59 || sec > 59 {
		return nil
	}
	return &ClockTime{Hour: h, Minute: minute, Second: sec}
}

// SinceMidnight is the offset of the clock time from the start of its day.
func (c ClockTime) SinceMidnight() time.Duration {
	return time.Duration(c.Hour)*time.Hour + time.Duration(c.Minute)*time.Minute + time.Duration(c.Second)*time.Second
}

func (c ClockTime) String() string {
	return leftPad(strconv.Itoa(c.Hour), 2) + ":" + leftPad(strconv.Itoa(c.Minute), 2) + ":" + leftPad(strconv.Itoa(c.Second), 2)
}
