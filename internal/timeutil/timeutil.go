// Package timeutil resolves zoned wall-clock timestamps for C10/C14,
// following the teacher's general preference for stdlib time over a
// third-party date library: no repo in the corpus wires a timezone
// library that does fixpoint local-offset resolution better than
// time.LoadLocation, so this piece stays stdlib-only by design (see
// DESIGN.md).
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// ValidateTimezone confirms name loads as an IANA zone, falling back
// to fallback (typically "UTC") when it does not, per spec.md §4.13's
// "validate via a format probe; fall back to caller default" rule.
func ValidateTimezone(name, fallback string) string {
	if name == "" {
		return fallback
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fallback
	}
	return name
}

// ParseScheduledTimestamp implements spec.md §4.13's parse rule: an
// ISO-8601 string carrying an explicit offset (Z or ±HH:MM) parses
// natively; a bare local "YYYY-MM-DD[ T]HH:MM[:SS]" string is resolved
// against tz by up to 4 fixpoint iterations over the zone's UTC
// offset, converging on the wall-clock instant that, when rendered
// back through tz, reproduces the input.
func ParseScheduledTimestamp(value, tz string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if hasExplicitOffset(value) {
		for _, layout := range []string{time.RFC3339, time.RFC3339Nano} {
			if t, err := time.Parse(layout, value); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("parse zoned timestamp %q: no matching layout", value)
	}

	loc, err := time.LoadLocation(ValidateTimezone(tz, "UTC"))
	if err != nil {
		loc = time.UTC
	}

	naiveLayout := localLayout(value)
	if naiveLayout == "" {
		return time.Time{}, fmt.Errorf("parse local timestamp %q: unrecognized layout", value)
	}

	// Fixpoint: start by interpreting the wall-clock fields in loc
	// directly. Go's time.ParseInLocation already resolves the offset
	// for a single unambiguous case, but DST-transition boundaries can
	// require re-resolving against the offset the first guess implies;
	// iterate up to 4 times to converge, matching spec.md §4.13.
	guess, err := time.ParseInLocation(naiveLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse local timestamp %q: %w", value, err)
	}
	for i := 0; i < 4; i++ {
		_, offset := guess.Zone()
		reparsed := time.Date(guess.Year(), guess.Month(), guess.Day(), guess.Hour(), guess.Minute(), guess.Second(), 0, time.FixedZone(tz, offset)).In(loc)
		if reparsed.Equal(guess) {
			break
		}
		guess = reparsed
	}
	return guess, nil
}

func hasExplicitOffset(value string) bool {
	if strings.HasSuffix(value, "Z") {
		return true
	}
	// A trailing "+HH:MM" or "-HH:MM" after the time-of-day portion.
	if len(value) < 6 {
		return false
	}
	tail := value[len(value)-6:]
	return (tail[0] == '+' || tail[0] == '-') && tail[3] == ':'
}

// LoadLocationOrUTC loads name as an IANA zone, falling back to UTC
// on an empty name or lookup failure — the scheduler's equivalent of
// ValidateTimezone when a *time.Location, not a validated name, is
// what the caller needs.
func LoadLocationOrUTC(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, nil
	}
	return loc, nil
}

func localLayout(value string) string {
	switch {
	case strings.Contains(value, "T") && strings.Count(value, ":") == 2:
		return "2006-01-02T15:04:05"
	case strings.Contains(value, "T"):
		return "2006-01-02T15:04"
	case strings.Count(value, ":") == 2:
		return "2006-01-02 15:04:05"
	case strings.Contains(value, ":"):
		return "2006-01-02 15:04"
	default:
		return ""
	}
}
