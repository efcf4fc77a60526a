package apple

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/beekhof/hangout-calendar/internal/calendar"
)

const productID = "-//Hangout Calendar//EN"

const (
	occurrenceDateFormat     = "20060102"
	occurrenceDateTimeFormat = "20060102T150405Z"
)

// resource is one calendar object resource returned by the server.
type resource struct {
	href       string
	etag       string
	calendarID string
}

// instanceID names one occurrence of a recurring resource.
func instanceID(href string, occurrence time.Time, allDay bool) string {
	if allDay {
		return href + "#" + occurrence.Format(occurrenceDateFormat)
	}
	return href + "#" + occurrence.UTC().Format(occurrenceDateTimeFormat)
}

// splitID splits an event id into its resource href and, for recurring
// events, the occurrence it names.
func splitID(id string, loc *time.Location) (href string, occurrence time.Time, err error) {
	href, occ, ok := strings.Cut(id, "#")
	if !ok {
		return href, time.Time{}, nil
	}
	if len(occ) == len(occurrenceDateFormat) {
		occurrence, err = time.ParseInLocation(occurrenceDateFormat, occ, loc)
	} else {
		occurrence, err = time.Parse(occurrenceDateTimeFormat, occ)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid occurrence in event id %q: %w", id, err)
	}
	return href, occurrence, nil
}

func isDate(prop *ical.Prop) bool {
	return prop != nil && prop.ValueType() == ical.ValueDate
}

func text(props ical.Props, name string) string {
	v, err := props.Text(name)
	if err != nil {
		return ""
	}
	return v
}

func attendees(props ical.Props) []string {
	var out []string
	for _, p := range props[ical.PropAttendee] {
		addr := p.Value
		if len(addr) >= len("mailto:") && strings.EqualFold(addr[:len("mailto:")], "mailto:") {
			addr = addr[len("mailto:"):]
		}
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// propTimes reads every value of a multi-valued date property such as
// EXDATE or RDATE.
func propTimes(props []ical.Prop, loc *time.Location) []time.Time {
	var out []time.Time
	for _, p := range props {
		for _, v := range strings.Split(p.Value, ",") {
			part := ical.Prop{Name: p.Name, Params: p.Params, Value: strings.TrimSpace(v)}
			if part.Value == "" {
				continue
			}
			if t, err := part.DateTime(loc); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

// toEvent converts one VEVENT. Floating times and DATE values are read in loc.
func toEvent(ev ical.Event, id string, res resource, loc *time.Location) (calendar.Event, error) {
	start, err := ev.DateTimeStart(loc)
	if err != nil {
		return calendar.Event{}, fmt.Errorf("invalid DTSTART: %w", err)
	}
	if start.IsZero() {
		return calendar.Event{}, fmt.Errorf("VEVENT %s has no DTSTART", id)
	}
	end, err := ev.DateTimeEnd(loc)
	if err != nil {
		return calendar.Event{}, fmt.Errorf("invalid DTEND: %w", err)
	}
	if end.IsZero() {
		end = start
	}

	e := calendar.NewEvent(calendar.SourceLocal, id, text(ev.Props, ical.PropSummary), start, end,
		isDate(ev.Props.Get(ical.PropDateTimeStart)))
	e.CalendarID = res.calendarID
	e.Location = text(ev.Props, ical.PropLocation)
	e.Attendees = attendees(ev.Props)
	return e, nil
}

// expand turns the VEVENTs of one resource into the events overlapping
// [start, end). Recurring masters are expanded with their RRULE, RDATE and
// EXDATE; RECURRENCE-ID overrides replace the instance they name.
func expand(cal *ical.Calendar, res resource, start, end time.Time, loc *time.Location) ([]calendar.Event, []error) {
	var masters []ical.Event
	overrides := make(map[string][]ical.Event)
	for _, ev := range cal.Events() {
		uid := text(ev.Props, ical.PropUID)
		if ev.Props.Get(ical.PropRecurrenceID) != nil {
			overrides[uid] = append(overrides[uid], ev)
			continue
		}
		masters = append(masters, ev)
	}

	var out []calendar.Event
	var errs []error
	for _, m := range masters {
		uid := text(m.Props, ical.PropUID)
		evs, err := occurrences(m, overrides[uid], res, start, end, loc)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.href, err))
			continue
		}
		delete(overrides, uid)
		out = append(out, evs...)
	}

	// Overrides whose master was not returned stand on their own.
	for _, ovs := range overrides {
		for _, o := range ovs {
			rid, err := o.Props.DateTime(ical.PropRecurrenceID, loc)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid RECURRENCE-ID: %w", res.href, err))
				continue
			}
			e, err := toEvent(o, instanceID(res.href, rid, isDate(o.Props.Get(ical.PropRecurrenceID))), res, loc)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", res.href, err))
				continue
			}
			if e.Overlaps(start, end) {
				out = append(out, e)
			}
		}
	}
	return out, errs
}

func occurrences(master ical.Event, overrides []ical.Event, res resource, start, end time.Time, loc *time.Location) ([]calendar.Event, error) {
	base, err := toEvent(master, res.href, res, loc)
	if err != nil {
		return nil, err
	}

	rruleProp := master.Props.Get(ical.PropRecurrenceRule)
	if rruleProp == nil {
		if base.Overlaps(start, end) {
			return []calendar.Event{base}, nil
		}
		return nil, nil
	}

	r, err := rrule.StrToRRule(rruleProp.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid RRULE %q: %w", rruleProp.Value, err)
	}
	r.DTStart(base.StartAt)

	var set rrule.Set
	set.RRule(r)
	for _, t := range propTimes(master.Props[ical.PropExceptionDates], loc) {
		set.ExDate(t.In(base.StartAt.Location()))
	}
	for _, t := range propTimes(master.Props[ical.PropRecurrenceDates], loc) {
		set.RDate(t.In(base.StartAt.Location()))
	}

	var out []calendar.Event
	for _, o := range overrides {
		rid, err := o.Props.DateTime(ical.PropRecurrenceID, loc)
		if err != nil {
			continue
		}
		set.ExDate(rid.In(base.StartAt.Location()))

		e, err := toEvent(o, instanceID(res.href, rid, base.IsAllDay), res, loc)
		if err != nil {
			continue
		}
		if e.Overlaps(start, end) {
			out = append(out, e)
		}
	}

	dur := base.EndAt.Sub(base.StartAt)
	rangeStart := start.Add(-dur).In(base.StartAt.Location())
	rangeEnd := end.In(base.StartAt.Location())
	for _, t := range set.Between(rangeStart, rangeEnd, true) {
		e := base
		e.ID = instanceID(res.href, t, base.IsAllDay)
		e.StartAt = t
		e.EndAt = t.Add(dur)
		if base.IsAllDay {
			e.EndAt = calendar.AllDayEnd(t, dur, loc)
		}
		e.Attendees = slices.Clone(base.Attendees)
		if e.Overlaps(start, end) {
			out = append(out, e)
		}
	}
	return out, nil
}

// setTimes writes DTSTART and DTEND. All-day events are written as DATE
// values in loc, timed events as UTC date-times.
func setTimes(props ical.Props, start, end time.Time, allDay bool, loc *time.Location) {
	props.Del(ical.PropDuration)
	if allDay {
		props.SetDate(ical.PropDateTimeStart, start.In(loc))
		props.SetDate(ical.PropDateTimeEnd, end.In(loc))
		return
	}
	props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
}

func touch(props ical.Props, now time.Time) {
	props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	props.SetDateTime(ical.PropLastModified, now.UTC())
}

// newEventCalendar builds the iCalendar object stored for a new event.
func newEventCalendar(uid string, spec calendar.EventSpec, end time.Time, now time.Time, loc *time.Location) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, uid)
	ev.Props.SetText(ical.PropSummary, spec.Title)
	if spec.Location != "" {
		ev.Props.SetText(ical.PropLocation, spec.Location)
	}
	if spec.Notes != "" {
		ev.Props.SetText(ical.PropDescription, spec.Notes)
	}
	setTimes(ev.Props, spec.Start, end, spec.AllDay, loc)
	for _, addr := range spec.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + addr
		p.Params.Set("PARTSTAT", "NEEDS-ACTION")
		p.Params.Set("RSVP", "TRUE")
		ev.Props.Add(p)
	}
	ev.Props.SetDateTime(ical.PropCreated, now.UTC())
	touch(ev.Props, now)

	cal.Children = append(cal.Children, ev.Component)
	return cal
}

// masterEvent returns the VEVENT that is not an override.
func masterEvent(cal *ical.Calendar) (ical.Event, bool) {
	for _, ev := range cal.Events() {
		if ev.Props.Get(ical.PropRecurrenceID) == nil {
			return ev, true
		}
	}
	return ical.Event{}, false
}

// applyPatch edits a master VEVENT in place. When occurrence is set the
// patch names one instance of a series: a new start shifts the whole series
// by the same offset.
func applyPatch(ev ical.Event, patch calendar.EventPatch, occurrence time.Time, now time.Time, loc *time.Location) error {
	if patch.Title != nil {
		ev.Props.SetText(ical.PropSummary, *patch.Title)
	}
	if patch.Location != nil {
		if *patch.Location == "" {
			ev.Props.Del(ical.PropLocation)
		} else {
			ev.Props.SetText(ical.PropLocation, *patch.Location)
		}
	}

	if patch.Start != nil || patch.Duration != nil {
		start, err := ev.DateTimeStart(loc)
		if err != nil {
			return fmt.Errorf("invalid DTSTART: %w", err)
		}
		end, err := ev.DateTimeEnd(loc)
		if err != nil {
			return fmt.Errorf("invalid DTEND: %w", err)
		}
		dur := end.Sub(start)
		if patch.Start != nil {
			if occurrence.IsZero() {
				start = *patch.Start
			} else {
				start = start.Add(patch.Start.Sub(occurrence))
			}
		}
		if patch.Duration != nil {
			dur = *patch.Duration
		}
		if dur < 0 {
			dur = 0
		}
		allDay := isDate(ev.Props.Get(ical.PropDateTimeStart))
		end = start.Add(dur)
		if allDay {
			end = calendar.AllDayEnd(start, dur, loc)
		}
		setTimes(ev.Props, start, end, allDay, loc)
	}

	seq := 0
	if p := ev.Props.Get(ical.PropSequence); p != nil {
		seq, _ = strconv.Atoi(p.Value)
	}
	p := ical.NewProp(ical.PropSequence)
	p.Value = strconv.Itoa(seq + 1)
	ev.Props.Set(p)
	touch(ev.Props, now)
	return nil
}

// excludeOccurrence removes one instance from a recurring master.
func excludeOccurrence(ev ical.Event, occurrence time.Time, now time.Time, loc *time.Location) {
	p := ical.NewProp(ical.PropExceptionDates)
	if isDate(ev.Props.Get(ical.PropDateTimeStart)) {
		p.SetDate(occurrence.In(loc))
	} else {
		p.SetDateTime(occurrence.UTC())
	}
	ev.Props.Add(p)
	touch(ev.Props, now)
}
