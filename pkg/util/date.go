package util

import (
	"strconv"
	"time"
)

const dayLayout = "2006-01-02"

// ParseTime tries YYYY-MM-DD, RFC3339, RFC3339Nano, and unix seconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(dayLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0).UTC(), true
	}
	return time.Time{}, false
}

// ParseTimeDefault parses time or returns default if empty/invalid.
func ParseTimeDefault(s string, def time.Time) time.Time {
	if t, ok := ParseTime(s); ok {
		return t
	}
	return def
}

// FormatDay renders t as YYYY-MM-DD.
func FormatDay(t time.Time) string {
	return t.Format(dayLayout)
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsTradingDay reports whether t falls on a weekday. Exchange holidays are not modelled.
func IsTradingDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// TradingDays counts weekdays in the closed range [from, to].
func TradingDays(from, to time.Time) int {
	from, to = Day(from), Day(to)
	if to.Before(from) {
		return 0
	}
	days := int(to.Sub(from).Hours()/24) + 1
	weeks := days / 7
	n := weeks * 5
	for d := from.AddDate(0, 0, weeks*7); !d.After(to); d = d.AddDate(0, 0, 1) {
		if IsTradingDay(d) {
			n++
		}
	}
	return n
}

// TradingDaysAfter counts weekdays in the half-open range (from, to].
func TradingDaysAfter(from, to time.Time) int {
	if !Day(to).After(Day(from)) {
		return 0
	}
	return TradingDays(Day(from).AddDate(0, 0, 1), to)
}

// SameWeek reports whether a and b fall in the same ISO week.
func SameWeek(a, b time.Time) bool {
	ay, aw := a.ISOWeek()
	by, bw := b.ISOWeek()
	return ay == by && aw == bw
}

// SameMonth reports whether a and b fall in the same calendar month.
func SameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// SameQuarter reports whether a and b fall in the same calendar quarter.
func SameQuarter(a, b time.Time) bool {
	return a.Year() == b.Year() && (int(a.Month())-1)/3 == (int(b.Month())-1)/3
}
