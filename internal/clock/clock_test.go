package clock

import (
	"testing"
	"time"
)

func TestAddBusinessDaysSkipsWeekend(t *testing.T) {
	holidays := &Calendar{dates: map[string]struct{}{}}
	// 2026-07-30 is a Thursday.
	start := time.Date(2026, time.July, 30, 9, 0, 0, 0, time.UTC)
	got := addBusinessDays(start, 3, time.UTC, holidays)
	// Fri 7/31, skip Sat/Sun, Mon 8/3, Tue 8/4 -> three business days later is 8/4.
	want := time.Date(2026, time.August, 4, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("AddBusinessDays() = %v, want %v", got, want)
	}
}

func TestAddBusinessDaysSkipsHoliday(t *testing.T) {
	holidays := &Calendar{dates: map[string]struct{}{
		"2026-07-31": {},
	}}
	start := time.Date(2026, time.July, 30, 9, 0, 0, 0, time.UTC)
	got := addBusinessDays(start, 1, time.UTC, holidays)
	want := time.Date(2026, time.August, 3, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("AddBusinessDays() = %v, want %v", got, want)
	}
}

func TestFrozenClockIsStable(t *testing.T) {
	at := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	f := NewFrozen(at, "America/New_York", DefaultUSFederalCalendar())
	if !f.Now().Equal(at) {
		t.Fatalf("Frozen.Now() = %v, want %v", f.Now(), at)
	}
	if !f.Monotonic().Equal(at) {
		t.Fatalf("Frozen.Monotonic() = %v, want %v", f.Monotonic(), at)
	}
}

func TestDefaultCalendarKnowsIndependenceDay(t *testing.T) {
	cal := DefaultUSFederalCalendar()
	year := time.Now().UTC().Year()
	if !cal.IsHoliday(time.Date(year, time.July, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("expected July 4th to be a holiday")
	}
}
