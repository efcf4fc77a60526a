package google

import (
	"errors"
	"fmt"
	"time"

	gcal "google.golang.org/api/calendar/v3"

	"github.com/beekhof/hangout-calendar/internal/calendar"
)

// parseEventTime reads an API date or date-time. All-day dates are civil
// dates and become midnight in loc.
func parseEventTime(dt *gcal.EventDateTime, loc *time.Location) (t time.Time, allDay bool, err error) {
	if dt == nil {
		return time.Time{}, false, errors.New("missing event time")
	}
	if dt.Date != "" {
		t, err = time.ParseInLocation(calendar.DateFormat, dt.Date, loc)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid date %q: %w", dt.Date, err)
		}
		return t, true, nil
	}
	t, err = time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid date-time %q: %w", dt.DateTime, err)
	}
	return t, false, nil
}

func eventTime(t time.Time, allDay bool, loc *time.Location) *gcal.EventDateTime {
	if allDay {
		return &gcal.EventDateTime{Date: t.In(loc).Format(calendar.DateFormat)}
	}
	return &gcal.EventDateTime{DateTime: t.Format(time.RFC3339)}
}

func toEvent(item *gcal.Event, calendarID string, loc *time.Location) (calendar.Event, error) {
	start, allDay, err := parseEventTime(item.Start, loc)
	if err != nil {
		return calendar.Event{}, fmt.Errorf("start: %w", err)
	}
	end, _, err := parseEventTime(item.End, loc)
	if err != nil {
		return calendar.Event{}, fmt.Errorf("end: %w", err)
	}

	e := calendar.NewEvent(source, item.Id, item.Summary, start, end, allDay)
	e.CalendarID = calendarID
	e.Location = item.Location
	e.WebLink = item.HtmlLink
	for _, a := range item.Attendees {
		if a.Email != "" {
			e.Attendees = append(e.Attendees, a.Email)
		}
	}
	return e, nil
}
