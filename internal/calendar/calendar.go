// Package calendar answers trading-day questions against a per-year market
// holiday table. Staleness math elsewhere is always expressed in business
// days, never calendar days.
package calendar

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

const dateFormat = "2006-01-02"

// MarketCalendar knows weekends and configured market holidays. A year with
// no loaded holiday table is an error, not an empty set: silently treating
// every weekday of an unknown year as a trading day under-counts staleness.
type MarketCalendar struct {
	holidays map[int]map[string]bool
}

// New builds a calendar from a year -> holiday-dates map.
func New(holidays map[int][]time.Time) *MarketCalendar {
	c := &MarketCalendar{holidays: make(map[int]map[string]bool, len(holidays))}
	for year, days := range holidays {
		set := make(map[string]bool, len(days))
		for _, d := range days {
			set[d.Format(dateFormat)] = true
		}
		c.holidays[year] = set
	}
	return c
}

// holidayFile is the on-disk YAML shape: a map of year to ISO dates.
type holidayFile map[int][]string

// Load reads a holiday YAML file (year -> list of "2006-01-02" dates).
func Load(path string) (*MarketCalendar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "calendar: read %s", path)
	}

	var file holidayFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrapf(err, "calendar: parse %s", path)
	}

	holidays := make(map[int][]time.Time, len(file))
	for year, dates := range file {
		for _, s := range dates {
			d, err := time.Parse(dateFormat, s)
			if err != nil {
				return nil, eris.Wrapf(err, "calendar: invalid date %q for year %d", s, year)
			}
			if d.Year() != year {
				return nil, eris.Errorf("calendar: date %s listed under year %d", s, year)
			}
			holidays[year] = append(holidays[year], d)
		}
	}
	return New(holidays), nil
}

// Years returns the years with a loaded holiday table.
func (c *MarketCalendar) Years() []int {
	years := make([]int, 0, len(c.holidays))
	for y := range c.holidays {
		years = append(years, y)
	}
	return years
}

// IsTradingDay reports whether t falls on a trading day. It returns an error
// when t's year has no holiday table.
func (c *MarketCalendar) IsTradingDay(t time.Time) (bool, error) {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false, nil
	}

	set, ok := c.holidays[t.Year()]
	if !ok {
		return false, eris.Errorf("calendar: no holiday table loaded for year %d", t.Year())
	}
	return !set[t.Format(dateFormat)], nil
}

// BusinessDaysBetween counts trading days in (start, end], walking day by
// day. It returns 0 when end is not after start, and an error if any spanned
// year lacks a holiday table.
func (c *MarketCalendar) BusinessDaysBetween(start, end time.Time) (int, error) {
	start = midnightUTC(start)
	end = midnightUTC(end)

	count := 0
	for d := start.AddDate(0, 0, 1); !d.After(end); d = d.AddDate(0, 0, 1) {
		trading, err := c.IsTradingDay(d)
		if err != nil {
			return 0, err
		}
		if trading {
			count++
		}
	}
	return count, nil
}

func midnightUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
