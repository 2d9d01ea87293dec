// Package chrono supplies the injected wall clock, strict ISO-8601 parsing,
// and monotone ID minting used across the core.
package chrono

import (
	"fmt"
	"time"
)

// Clock yields the current time as an ISO-8601 UTC string. The core never
// reads the system clock directly; tests inject a fixed or stepping clock.
type Clock interface {
	NowISO() string
}

// SystemClock reads the process clock at millisecond precision.
type SystemClock struct{}

func (SystemClock) NowISO() string {
	return FormatISO(time.Now())
}

// FixedClock always returns the same instant.
type FixedClock struct {
	ISO string
}

func (c FixedClock) NowISO() string { return c.ISO }

// SteppingClock returns successive instants advancing by Step per call.
type SteppingClock struct {
	t    time.Time
	step time.Duration
}

// NewSteppingClock starts at startISO (which must parse) advancing by step.
func NewSteppingClock(startISO string, step time.Duration) (*SteppingClock, error) {
	t, err := Parse(startISO)
	if err != nil {
		return nil, err
	}
	return &SteppingClock{t: t, step: step}, nil
}

func (c *SteppingClock) NowISO() string {
	iso := FormatISO(c.t)
	c.t = c.t.Add(c.step)
	return iso
}

// FormatISO renders t in the canonical wire form: UTC, millisecond precision,
// trailing Z.
func FormatISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Parse strictly parses an ISO-8601 / RFC 3339 timestamp. Timestamps that do
// not carry a date, a time, and a zone are rejected; exports disqualify
// entries whose timestamps fail this parse.
func Parse(iso string) (time.Time, error) {
	if iso == "" {
		return time.Time{}, fmt.Errorf("chrono: empty timestamp")
	}
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return time.Time{}, fmt.Errorf("chrono: invalid timestamp %q: %w", iso, err)
	}
	return t.UTC(), nil
}

// EpochMS parses iso and returns its Unix epoch milliseconds. The boolean is
// false when the timestamp does not parse strictly.
func EpochMS(iso string) (int64, bool) {
	t, err := Parse(iso)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// DayBucket returns the UTC calendar day ("2006-01-02") of iso, used to key
// daily exposure accumulators.
func DayBucket(iso string) (string, error) {
	t, err := Parse(iso)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01-02"), nil
}

// Before reports whether a is strictly before b; both must parse.
func Before(a, b string) (bool, error) {
	ta, err := Parse(a)
	if err != nil {
		return false, err
	}
	tb, err := Parse(b)
	if err != nil {
		return false, err
	}
	return ta.Before(tb), nil
}
