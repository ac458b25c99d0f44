package domain

import "time"

// clickTimeFormats are the accepted wire formats for historical interaction
// timestamps, tried in order. The reference-style US format comes first since
// imported session logs use it.
var clickTimeFormats = []string{
	"1/2/2006 3:04:05 PM",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// Timestamp is an optional point in time. Historical interaction data carries
// timestamps in inconsistent formats or not at all; a missing or unparseable
// value is represented as the zero Timestamp, and consumers switch to a
// rank-order recency proxy instead of failing.
type Timestamp struct {
	t     time.Time
	valid bool
}

// NewTimestamp wraps a known time.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t, valid: true}
}

// NoTimestamp returns the absent value.
func NoTimestamp() Timestamp {
	return Timestamp{}
}

// Valid reports whether a time is present.
func (ts Timestamp) Valid() bool { return ts.valid }

// Time returns the wrapped time; the zero time when absent.
func (ts Timestamp) Time() time.Time { return ts.t }

// AgeDays returns the age in days relative to now, clamped at zero.
// Meaningless (and unused by callers) when the timestamp is absent.
func (ts Timestamp) AgeDays(now time.Time) float64 {
	age := now.Sub(ts.t).Hours() / 24.0
	if age < 0 {
		return 0
	}
	return age
}

// ParseClickTime parses a historical interaction timestamp. Empty or
// unparseable input yields the absent value, never an error.
func ParseClickTime(value string) Timestamp {
	if value == "" {
		return NoTimestamp()
	}
	for _, layout := range clickTimeFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return NewTimestamp(t)
		}
	}
	return NoTimestamp()
}
