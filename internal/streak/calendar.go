package streak

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// DayLayout is the format of day keys.
const DayLayout = "2006-01-02"

// ParseDay parses a day key into a UTC midnight.
func ParseDay(key string) (time.Time, error) {
	d, err := time.Parse(DayLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day %q: %w", key, err)
	}
	return d, nil
}

// DayKey formats a calendar day.
func DayKey(d time.Time) string {
	return d.Format(DayLayout)
}

// Today returns the calendar day of now in loc, as a UTC midnight.
// Calendar arithmetic is done on UTC midnights so DST never shifts a day.
func Today(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddDays moves a calendar day by n days.
func AddDays(d time.Time, n int) time.Time {
	return d.AddDate(0, 0, n)
}

// DaysBetween returns the number of days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

// LoadLocation resolves an IANA timezone name; empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}
