// Package recurrence computes delivery instants for a project's schedule.
//
// Everything here is pure: the same Config and instant always produce the same
// result, so the scheduler can recompute slots after a restart and tests can
// pin exact DST transition dates.
package recurrence

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/episodic/errors"
)

// Mode selects how delivery days are chosen
type Mode string

const (
	Daily  Mode = "daily"
	Weekly Mode = "weekly"
	Custom Mode = "custom"
)

// maxScanDays bounds the forward day scan for weekly/custom schedules.
// Today plus the following seven days always contains every weekday.
const maxScanDays = 8

// Config is an immutable snapshot of a project's delivery schedule
type Config struct {
	Mode         Mode           `json:"mode"`
	DaysOfWeek   []time.Weekday `json:"days_of_week,omitempty"` // 0 = Sunday
	DeliveryHour int            `json:"delivery_hour"`          // local hour 0..23
	Timezone     string         `json:"timezone"`               // IANA name
}

// Validate checks the config can produce delivery instants
func (c Config) Validate() error {
	switch c.Mode {
	case Daily:
	case Weekly, Custom:
		if len(c.DaysOfWeek) == 0 {
			return errors.NewInvalidRequestError("%s schedule needs at least one day of week", c.Mode)
		}
	default:
		return errors.NewInvalidRequestError("unknown recurrence mode %q", c.Mode)
	}

	for _, d := range c.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return errors.NewInvalidRequestError("day of week %d out of range 0..6", int(d))
		}
	}
	if c.DeliveryHour < 0 || c.DeliveryHour > 23 {
		return errors.NewInvalidRequestError("delivery hour %d out of range 0..23", c.DeliveryHour)
	}
	if c.Timezone == "" {
		return errors.NewInvalidRequestError("timezone is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errors.Wrap(errors.NewInvalidRequestError("unknown timezone %q", c.Timezone), err.Error())
	}
	return nil
}

func (c Config) includes(d time.Weekday) bool {
	for _, x := range c.DaysOfWeek {
		if x == d {
			return true
		}
	}
	return false
}

// NextDeliveryInstant returns the first delivery instant strictly after `after`, in UTC.
func NextDeliveryInstant(cfg Config, after time.Time) (time.Time, error) {
	if err := cfg.Validate(); err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "load timezone %s", cfg.Timezone)
	}

	y, m, d := after.In(loc).Date()
	for i := 0; i < maxScanDays; i++ {
		// Calendar arithmetic on a UTC date never crosses a DST edge
		day := time.Date(y, m, d+i, 0, 0, 0, 0, time.UTC)
		if cfg.Mode != Daily && !cfg.includes(day.Weekday()) {
			continue
		}

		candidate := ResolveLocal(day.Year(), day.Month(), day.Day(), cfg.DeliveryHour, loc)
		if candidate.After(after) {
			return candidate.UTC(), nil
		}
	}

	return time.Time{}, errors.AssertionFailedf("no delivery day found within %d days for %+v", maxScanDays, cfg)
}

// Upcoming returns the next n delivery instants after `after`
func Upcoming(cfg Config, after time.Time, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, n)
	cursor := after
	for len(out) < n {
		next, err := NextDeliveryInstant(cfg, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		cursor = next
	}
	return out, nil
}

// ResolveLocal converts local wall-clock hour:00 on the given date to a UTC instant.
//
// A wall time inside a forward gap resolves to the transition instant, the first
// valid instant after the skipped interval. A wall time repeated by a backward
// transition resolves to its first occurrence.
func ResolveLocal(year int, month time.Month, day, hour int, loc *time.Location) time.Time {
	wall := time.Date(year, month, day, hour, 0, 0, 0, time.UTC)

	// Transitions are days apart, so the offsets a day either side cover both
	// sides of any transition near this wall time
	var (
		best     time.Time
		found    bool
		preShift time.Time
	)
	for i, shift := range []time.Duration{-24 * time.Hour, 0, 24 * time.Hour} {
		_, offset := wall.Add(shift).In(loc).Zone()
		c := wall.Add(-time.Duration(offset) * time.Second)
		if i == 0 {
			preShift = c
		}

		lt := c.In(loc)
		if lt.Year() == year && lt.Month() == month && lt.Day() == day && lt.Hour() == hour && lt.Minute() == 0 {
			if !found || c.Before(best) {
				best = c
				found = true
			}
		}
	}
	if found {
		return best
	}

	// Skipped wall time: read with the pre-transition offset it lands just
	// past the transition, whose zone starts at the transition instant
	start, _ := preShift.In(loc).ZoneBounds()
	if start.IsZero() {
		return preShift.UTC()
	}
	return start.UTC()
}

// ParseDays parses a comma-separated weekday list such as "1,4" (0 = Sunday)
func ParseDays(s string) ([]time.Weekday, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	seen := make(map[time.Weekday]bool)
	var days []time.Weekday
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.NewInvalidRequestError("invalid day of week %q", part)
		}
		if n < 0 || n > 6 {
			return nil, errors.NewInvalidRequestError("day of week %d out of range 0..6", n)
		}
		d := time.Weekday(n)
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days, nil
}

// FormatDays renders days in the ParseDays format
func FormatDays(days []time.Weekday) string {
	sorted := append([]time.Weekday(nil), days...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	parts := make([]string, len(sorted))
	for i, d := range sorted {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ",")
}
