package clock

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Holidays answers whether a given date is a non-business day beyond the
// weekend rule.
type Holidays interface {
	IsHoliday(ts time.Time) bool
}

// calendarFile is the on-disk shape of a YAML holiday calendar: a flat list
// of full ISO dates (YYYY-MM-DD), one per observed holiday. Each entry
// matches only its own year, so the file lists every year it covers.
type calendarFile struct {
	Holidays []string `yaml:"holidays"`
}

// Calendar is a Holidays implementation backed by an explicit date set,
// loaded from YAML or built from the default US federal holiday table.
type Calendar struct {
	dates map[string]struct{}
}

// LoadCalendar reads a YAML holiday file of the form:
//
//	holidays:
//	  - 2026-01-01
//	  - 2026-07-04
//
// A missing file is not an error; DefaultUSFederalCalendar is returned
// instead so the scheduler degrades to a reasonable default rather than
// failing startup over an optional config file.
func LoadCalendar(path string) (*Calendar, error) {
	if path == "" {
		return DefaultUSFederalCalendar(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultUSFederalCalendar(), nil
		}
		return nil, fmt.Errorf("read holiday calendar %s: %w", path, err)
	}
	var parsed calendarFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse holiday calendar %s: %w", path, err)
	}
	dates := make(map[string]struct{}, len(parsed.Holidays))
	for _, d := range parsed.Holidays {
		t, err := time.Parse("2006-01-02", d)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", d, err)
		}
		dates[t.Format("2006-01-02")] = struct{}{}
	}
	return &Calendar{dates: dates}, nil
}

func (c *Calendar) IsHoliday(ts time.Time) bool {
	_, ok := c.dates[ts.Format("2006-01-02")]
	return ok
}

// DefaultUSFederalCalendar returns a small built-in table of US federal
// holidays for the current and next calendar year, used whenever no YAML
// calendar file is configured. It covers the fixed-date holidays plus the
// commonly observed floating ones (Thanksgiving, Labor Day, Memorial Day,
// MLK Day, Presidents Day, Columbus Day).
func DefaultUSFederalCalendar() *Calendar {
	dates := make(map[string]struct{})
	thisYear := time.Now().UTC().Year()
	for _, year := range []int{thisYear, thisYear + 1} {
		for _, d := range federalHolidaysForYear(year) {
			dates[d.Format("2006-01-02")] = struct{}{}
		}
	}
	return &Calendar{dates: dates}
}

func federalHolidaysForYear(year int) []time.Time {
	fixed := []time.Time{
		time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.June, 19, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.July, 4, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.November, 11, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.December, 25, 0, 0, 0, 0, time.UTC),
	}
	floating := []time.Time{
		nthWeekday(year, time.January, time.Monday, 3),
		nthWeekday(year, time.February, time.Monday, 3),
		lastWeekday(year, time.May, time.Monday),
		nthWeekday(year, time.September, time.Monday, 1),
		nthWeekday(year, time.October, time.Monday, 2),
		nthWeekday(year, time.November, time.Thursday, 4),
	}
	return append(fixed, floating...)
}

func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := int(weekday-first.Weekday()+7) % 7
	return first.AddDate(0, 0, offset+7*(n-1))
}

func lastWeekday(year int, month time.Month, weekday time.Weekday) time.Time {
	first := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	offset := int(first.Weekday()-weekday+7) % 7
	return first.AddDate(0, 0, -offset)
}
