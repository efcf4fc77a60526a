package calendar

import (
	"time"
)

// DateFormat is the layout used for civil dates.
const DateFormat = "2006-01-02"

// Day is a civil date. Cache keys and fetch windows are computed from a Day
// in a single reference timezone.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf truncates t to its calendar day in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return Day{Year: y, Month: m, Day: d}
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return Day{}, err
	}
	return DayOf(t, time.UTC), nil
}

// Start returns midnight of d in loc.
func (d Day) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// End returns midnight of the following day in loc, i.e. the exclusive end
// of d.
func (d Day) End(loc *time.Location) time.Time {
	return d.Start(loc).AddDate(0, 0, 1)
}

// AddDays returns the day n days after d.
func (d Day) AddDays(n int) Day {
	return DayOf(d.Start(time.UTC).AddDate(0, 0, n), time.UTC)
}

// Before reports whether d is strictly before other.
func (d Day) Before(other Day) bool {
	return d.Start(time.UTC).Before(other.Start(time.UTC))
}

func (d Day) String() string {
	return d.Start(time.UTC).Format(DateFormat)
}

// DaysSpanned returns every day the interval [start, end) touches in loc.
// A zero-length interval touches the day it sits on.
func DaysSpanned(start, end time.Time, loc *time.Location) []Day {
	first := DayOf(start, loc)
	if !end.After(start) {
		return []Day{first}
	}
	last := DayOf(end.Add(-time.Nanosecond), loc)

	days := []Day{first}
	for d := first.AddDays(1); !last.Before(d); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

// AllDayEnd returns the exclusive end of an all-day event starting on the
// day of start in loc. d is rounded to whole days, at least one, so that
// 23 and 25 hour days around DST changes still count as one day.
func AllDayEnd(start time.Time, d time.Duration, loc *time.Location) time.Time {
	days := int((d + 12*time.Hour) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return DayOf(start, loc).AddDays(days).Start(loc)
}
