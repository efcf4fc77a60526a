// Package calendar holds the provider-agnostic event model shared by the
// calendar provider adapters and the aggregator.
package calendar

import (
	"context"
	"fmt"
	"time"
)

// Source identifies which provider produced an event.
type Source string

const (
	SourceLocal Source = "local" // Apple Calendar / iCloud over CalDAV
	SourceCloud Source = "cloud" // Google Calendar
)

// DefaultDuration is used when an EventSpec does not carry a duration.
const DefaultDuration = 3600 * time.Second

// ParseSource parses the textual form of a Source.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceLocal, SourceCloud:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown calendar provider %q (expected %q or %q)", s, SourceLocal, SourceCloud)
}

func (s Source) String() string {
	return string(s)
}

// Event is a normalized calendar event. It is rebuilt on every fetch and
// never persisted.
type Event struct {
	ID         string
	Source     Source
	CalendarID string
	Title      string
	Location   string
	StartAt    time.Time
	EndAt      time.Time
	IsAllDay   bool
	Attendees  []string
	WebLink    string
}

// Key returns the aggregator-wide identity of the event. Provider ids are
// only unique within their own namespace.
func (e Event) Key() string {
	return string(e.Source) + "/" + e.ID
}

// Overlaps reports whether the event intersects the half-open interval
// [start, end). Zero-length events count when they sit inside the interval.
func (e Event) Overlaps(start, end time.Time) bool {
	if !e.StartAt.Before(end) {
		return false
	}
	if e.EndAt.Equal(e.StartAt) {
		return !e.StartAt.Before(start)
	}
	return e.EndAt.After(start)
}

// normalizeEnd clamps an end before start to the start.
func normalizeEnd(start, end time.Time) time.Time {
	if end.Before(start) {
		return start
	}
	return end
}

// NewEvent builds an Event enforcing EndAt >= StartAt.
func NewEvent(source Source, id, title string, start, end time.Time, allDay bool) Event {
	return Event{
		ID:       id,
		Source:   source,
		Title:    title,
		StartAt:  start,
		EndAt:    normalizeEnd(start, end),
		IsAllDay: allDay,
	}
}

// Calendar is a calendar (or collection) the user granted access to.
type Calendar struct {
	ID       string
	Name     string
	Source   Source
	Color    string
	Primary  bool
	ReadOnly bool
}

// EventSpec describes an event to create.
type EventSpec struct {
	// Provider selects the adapter. Empty means the selected default provider.
	Provider  Source
	Title     string
	Location  string
	Notes     string
	Start     time.Time
	Duration  time.Duration
	AllDay    bool
	Attendees []string
}

// End returns the end of the event described by the spec, with all-day
// events counted in the zone of Start.
func (s EventSpec) End() time.Time {
	return s.EndIn(s.Start.Location())
}

// EndIn is End with all-day events counted in civil days of loc.
func (s EventSpec) EndIn(loc *time.Location) time.Time {
	if s.AllDay {
		return AllDayEnd(s.Start, s.Duration, loc)
	}
	if s.Duration <= 0 {
		return s.Start.Add(DefaultDuration)
	}
	return s.Start.Add(s.Duration)
}

// EventPatch holds the fields to change on an existing event. Nil fields are
// left untouched.
type EventPatch struct {
	Title    *string
	Location *string
	Start    *time.Time
	Duration *time.Duration
}

// EventResult is what callers keep to refer back to an event they created.
type EventResult struct {
	ID      string
	Source  Source
	WebLink string
}

// AuthState is the authorization state of one provider.
type AuthState int

const (
	Unauthorized AuthState = iota
	Authorized
	Revoked // session lost while the process was running
)

func (s AuthState) String() string {
	switch s {
	case Unauthorized:
		return "unauthorized"
	case Authorized:
		return "authorized"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Authorization is the outcome of a successful authorize or restore.
type Authorization struct {
	Source  Source
	Account string // display identity, e.g. the account email
}

// Provider is implemented by every calendar adapter.
type Provider interface {
	Source() Source
	State() AuthState
	Account() string

	Authorize(ctx context.Context) (Authorization, error)
	Restore(ctx context.Context) (Authorization, error)
	SignOut(ctx context.Context) error

	ListCalendars(ctx context.Context) ([]Calendar, error)
	FetchEvents(ctx context.Context, start, end time.Time) ([]Event, error)
	CreateEvent(ctx context.Context, spec EventSpec) (EventResult, error)
	UpdateEvent(ctx context.Context, id string, patch EventPatch) error
	DeleteEvent(ctx context.Context, id string) error
}
