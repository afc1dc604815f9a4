// Package clock computes tenant-local time classifications: the
// daytime/evening/sleep business-hours bucket (spec.md §4.2) consumed by
// the Voice Router, and the quiet-hours window (spec.md §4.7) consumed by
// the Safety Gate. Grounded on the teacher's
// internal/messaging/compliance/quiet_hours.go midnight-crossing logic,
// generalized from a fixed marketing-only window to the tenant-local
// three-boundary classifier spec.md requires.
package clock

import (
	"fmt"
	"time"
)

// Classification is the tenant-local business-hours bucket.
type Classification string

const (
	Daytime Classification = "daytime"
	Evening Classification = "evening"
	Sleep   Classification = "sleep"
)

// Clock resolves tenant-local time. Unknown timezones fall back to a
// configured default and never fail (spec.md §4.2).
type Clock struct {
	defaultTZ *time.Location
	now       func() time.Time
}

// New builds a Clock with the given default timezone name. An invalid
// default falls back to UTC.
func New(defaultTimezone string) *Clock {
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	return &Clock{defaultTZ: loc, now: time.Now}
}

// WithNow overrides the time source for deterministic tests.
func (c *Clock) WithNow(now func() time.Time) *Clock {
	c.now = now
	return c
}

func (c *Clock) Now() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Clock) resolveLocation(tz string) *time.Location {
	if tz == "" {
		return c.defaultTZ
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return c.defaultTZ
	}
	return loc
}

// LocalHour returns the tenant-local hour-of-day (0-23) for the tenant's
// configured timezone, at the current instant.
func (c *Clock) LocalHour(tz string) int {
	return c.Now().In(c.resolveLocation(tz)).Hour()
}

// Classify buckets the tenant-local hour into daytime/evening/sleep per
// spec.md §4.2: daytime iff day_start ≤ h < day_end; evening iff
// day_end ≤ h < evening_end; else sleep.
func Classify(localHour, dayStart, dayEnd, eveningEnd int) Classification {
	switch {
	case localHour >= dayStart && localHour < dayEnd:
		return Daytime
	case localHour >= dayEnd && localHour < eveningEnd:
		return Evening
	default:
		return Sleep
	}
}

// ClassifyTenant is the convenience entrypoint the Voice Router calls.
func (c *Clock) ClassifyTenant(tz string, dayStart, dayEnd, eveningEnd int) Classification {
	return Classify(c.LocalHour(tz), dayStart, dayEnd, eveningEnd)
}

// QuietHours is a tenant-local daily window (default 08:00-21:00) during
// which non-emergency outbound sends are deferred (spec.md §4.7).
type QuietHours struct {
	startMinutes int
	endMinutes   int
}

// ParseQuietHours parses "HH:MM" boundaries. A malformed boundary falls
// back to the system default 08:00-21:00 rather than failing, matching
// C2's "never fails" contract.
func ParseQuietHours(start, end string) QuietHours {
	s, errS := parseClock(start)
	e, errE := parseClock(end)
	if errS != nil || errE != nil {
		s, _ = parseClock("08:00")
		e, _ = parseClock("21:00")
	}
	return QuietHours{startMinutes: s, endMinutes: e}
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("clock: parse %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// InWindow reports whether the given tenant-local instant falls inside the
// quiet-hours window, handling midnight-crossing windows (start > end).
func (q QuietHours) InWindow(localTime time.Time) bool {
	if q.startMinutes == q.endMinutes {
		return false
	}
	minutes := localTime.Hour()*60 + localTime.Minute()
	if q.startMinutes < q.endMinutes {
		return minutes >= q.startMinutes && minutes < q.endMinutes
	}
	return minutes >= q.startMinutes || minutes < q.endMinutes
}

// InQuietHours resolves the tenant's local time and checks the window in
// one call, as the Safety Gate needs.
func (c *Clock) InQuietHours(tz string, q QuietHours) bool {
	return q.InWindow(c.Now().In(c.resolveLocation(tz)))
}
