package dates

import (
	"strconv"
	"strings"
	"time"
)

// sentinel is returned for any date that cannot be determined. It is
// deliberately far in the past so that unknown-date records sort to the
// oldest position and stay out of recent-activity windows, instead of
// masquerading as just-updated.
var sentinel = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// isoLayouts are tried in order for non-slash inputs.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Sentinel returns the fixed fallback instant for undeterminable dates.
func Sentinel() time.Time {
	return sentinel
}

// IsSentinel reports whether t is the undeterminable-date fallback.
func IsSentinel(t time.Time) bool {
	return t.Equal(sentinel)
}

// Normalize parses a raw date string into a canonical UTC instant.
// Accepted encodings: ISO-8601 (with or without time component) and
// slash-delimited dd/mm/yy or dd/mm/yyyy. Two-digit years are expanded
// by adding 2000, never into the 1900s. Empty or unparseable input
// yields the sentinel; the function never fails.
func Normalize(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return sentinel
	}

	if strings.Contains(raw, "/") {
		return normalizeSlash(raw)
	}

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return sentinel
}

// NormalizeValue handles the heterogeneous shapes dates arrive in from
// JSON: an already-canonical time.Time passes through unchanged, nil
// and anything non-string fall back to the sentinel.
func NormalizeValue(v interface{}) time.Time {
	switch d := v.(type) {
	case nil:
		return sentinel
	case time.Time:
		return d.UTC()
	case *time.Time:
		if d == nil {
			return sentinel
		}
		return d.UTC()
	case string:
		return Normalize(d)
	default:
		return sentinel
	}
}

// normalizeSlash parses dd/mm/yy and dd/mm/yyyy. First segment is the
// day, second the month; this is a fixed convention of the source site,
// not locale-detected.
func normalizeSlash(raw string) time.Time {
	parts := strings.Split(raw, "/")
	if len(parts) != 3 {
		return sentinel
	}

	day, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return sentinel
	}
	month, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return sentinel
	}
	year, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return sentinel
	}

	if year < 100 {
		year += 2000
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return sentinel
	}

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (31/02 becomes 02/03); reject those.
	if t.Day() != day || t.Month() != time.Month(month) || t.Year() != year {
		return sentinel
	}
	return t
}
