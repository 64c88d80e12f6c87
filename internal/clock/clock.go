// Package clock provides the single source of wall and monotonic time used
// across the Dispute Orchestration Core, plus timezone-aware business-day
// arithmetic required by CROA's 3-business-day cancellation window and the
// mail-provider/overdue-escalation SLAs.
package clock

import (
	"time"
)

// Clock is the injectable time dependency every other component takes, so
// tests can drive time deterministically instead of calling time.Now directly.
type Clock interface {
	// Now returns the current wall-clock time in UTC.
	Now() time.Time
	// Monotonic returns a monotonic instant suitable only for measuring
	// elapsed durations, never for business-day arithmetic.
	Monotonic() time.Time
	// AddBusinessDays advances ts by n business days in the configured
	// business timezone, skipping weekends and configured holidays. n must
	// be >= 0; the result is always >= ts.
	AddBusinessDays(ts time.Time, n int) time.Time
	// Location returns the configured business timezone.
	Location() *time.Location
}

// System is the production Clock backed by the real wall clock and a
// configured holiday calendar.
type System struct {
	loc      *time.Location
	holidays Holidays
}

// New constructs a System clock for the given IANA timezone name and holiday
// calendar. An invalid timezone falls back to UTC rather than failing
// startup, since business-day math degrades gracefully to calendar-day math.
func New(tzName string, holidays Holidays) *System {
	loc, err := time.LoadLocation(tzName)
	if err != nil || loc == nil {
		loc = time.UTC
	}
	return &System{loc: loc, holidays: holidays}
}

func (s *System) Now() time.Time { return time.Now().UTC() }

func (s *System) Monotonic() time.Time { return time.Now() }

func (s *System) Location() *time.Location { return s.loc }

func (s *System) AddBusinessDays(ts time.Time, n int) time.Time {
	return addBusinessDays(ts, n, s.loc, s.holidays)
}

func addBusinessDays(ts time.Time, n int, loc *time.Location, holidays Holidays) time.Time {
	if n < 0 {
		n = 0
	}
	cur := ts
	if loc != nil {
		cur = cur.In(loc)
	}
	remaining := n
	for remaining > 0 {
		cur = cur.AddDate(0, 0, 1)
		if isBusinessDay(cur, holidays) {
			remaining--
		}
	}
	return cur
}

func isBusinessDay(ts time.Time, holidays Holidays) bool {
	switch ts.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return holidays == nil || !holidays.IsHoliday(ts)
}

// Frozen is a test double that always returns a fixed instant, letting tests
// assert exact deadline math for scenarios like spec.md's CROA hold example.
type Frozen struct {
	At       time.Time
	loc      *time.Location
	holidays Holidays
}

// NewFrozen builds a Frozen clock pinned to at, in the given timezone, with
// the given holiday calendar.
func NewFrozen(at time.Time, tzName string, holidays Holidays) *Frozen {
	loc, err := time.LoadLocation(tzName)
	if err != nil || loc == nil {
		loc = time.UTC
	}
	return &Frozen{At: at, loc: loc, holidays: holidays}
}

func (f *Frozen) Now() time.Time { return f.At }

func (f *Frozen) Monotonic() time.Time { return f.At }

func (f *Frozen) Location() *time.Location { return f.loc }

func (f *Frozen) AddBusinessDays(ts time.Time, n int) time.Time {
	return addBusinessDays(ts, n, f.loc, f.holidays)
}
