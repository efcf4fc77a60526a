// Package google is the cloud calendar provider backed by the Google
// Calendar API v3.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/beekhof/hangout-calendar/internal/auth"
	"github.com/beekhof/hangout-calendar/internal/calendar"
)

const source = calendar.SourceCloud

// Authorizer yields OAuth HTTP clients. *auth.Flow implements it.
type Authorizer interface {
	Authorize(ctx context.Context) (*http.Client, error)
	Restore(ctx context.Context) (*http.Client, error)
	Revoke() error
}

// Client is a wrapper around the Google Calendar API service implementing
// calendar.Provider.
type Client struct {
	authorizer  Authorizer
	calendarID  string
	loc         *time.Location
	log         zerolog.Logger
	serviceOpts []option.ClientOption
	cb          *gobreaker.CircuitBreaker

	mu      sync.Mutex
	service *gcal.Service
	state   calendar.AuthState
	account string
}

type Option func(*Client)

// WithCalendarID selects the calendar events are read from and written to.
// Default: "primary".
func WithCalendarID(id string) Option {
	return func(c *Client) { c.calendarID = id }
}

// WithLocation sets the zone all-day dates are read in.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) { c.loc = loc }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithServiceOptions adds options used when building the API service, on
// top of the authorized HTTP client.
func WithServiceOptions(opts ...option.ClientOption) Option {
	return func(c *Client) { c.serviceOpts = append(c.serviceOpts, opts...) }
}

// NewClient creates a cloud calendar client. No request is made until
// Authorize or Restore succeeds.
func NewClient(authorizer Authorizer, opts ...Option) *Client {
	c := &Client{
		authorizer: authorizer,
		calendarID: "primary",
		loc:        time.UTC,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("provider", string(source)).Logger()

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "google-calendar",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors say nothing about the health of the API.
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	return c
}

func isClientError(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
}

var _ calendar.Provider = (*Client)(nil)

func (c *Client) Source() calendar.Source {
	return source
}

func (c *Client) State() calendar.AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Account() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != calendar.Authorized {
		return ""
	}
	return c.account
}

// Authorize runs the consent flow, reusing a stored token when there is one.
// It does nothing when the client is already authorized.
func (c *Client) Authorize(ctx context.Context) (calendar.Authorization, error) {
	c.mu.Lock()
	if c.state == calendar.Authorized {
		a := calendar.Authorization{Source: source, Account: c.account}
		c.mu.Unlock()
		return a, nil
	}
	c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		hc, err := c.authorizer.Authorize(ctx)
		if err != nil {
			if errors.Is(err, auth.ErrAccessDenied) {
				return calendar.Authorization{}, calendar.Errorf(source, "authorize", calendar.ErrAccessDenied, err)
			}
			return calendar.Authorization{}, calendar.Errorf(source, "authorize", calendar.ErrProviderUnavailable, err)
		}
		a, err := c.connect(ctx, "authorize", hc)
		if err == nil || attempt > 0 || !tokenRejected(err) {
			return a, err
		}
		// connect dropped the stored token, so the next round asks for consent.
		c.log.Info().Msg("Stored token was rejected, asking for consent again")
	}
}

// Restore reuses the stored token without user interaction.
func (c *Client) Restore(ctx context.Context) (calendar.Authorization, error) {
	hc, err := c.authorizer.Restore(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNoToken) {
			return calendar.Authorization{}, calendar.Errorf(source, "restore", calendar.ErrNoSession, err)
		}
		return calendar.Authorization{}, calendar.Errorf(source, "restore", calendar.ErrProviderUnavailable, err)
	}
	return c.connect(ctx, "restore", hc)
}

// connect builds the API service and reads the account identity from the
// primary calendar.
func (c *Client) connect(ctx context.Context, op string, hc *http.Client) (calendar.Authorization, error) {
	opts := append([]option.ClientOption{option.WithHTTPClient(hc)}, c.serviceOpts...)
	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return calendar.Authorization{}, calendar.Errorf(source, op, calendar.ErrProviderUnavailable,
			fmt.Errorf("failed to create calendar service: %w", err))
	}

	var primary *gcal.Calendar
	err = c.call(func() error {
		var err error
		primary, err = service.Calendars.Get("primary").Context(ctx).Do()
		return err
	})
	if err != nil {
		if tokenRejected(err) {
			if err := c.authorizer.Revoke(); err != nil {
				c.log.Warn().Err(err).Msg("Failed to delete rejected token")
			}
			return calendar.Authorization{}, calendar.Errorf(source, op, calendar.ErrAccessDenied, err)
		}
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden {
			return calendar.Authorization{}, calendar.Errorf(source, op, calendar.ErrAccessDenied, err)
		}
		return calendar.Authorization{}, calendar.Errorf(source, op, calendar.ErrProviderUnavailable, err)
	}

	c.mu.Lock()
	c.service = service
	c.state = calendar.Authorized
	c.account = primary.Id
	c.mu.Unlock()

	c.log.Info().Str("account", primary.Id).Str("op", op).Msg("Authorized cloud calendar")
	return calendar.Authorization{Source: source, Account: primary.Id}, nil
}

// SignOut forgets the stored token. Events are left alone.
func (c *Client) SignOut(ctx context.Context) error {
	err := c.authorizer.Revoke()

	c.mu.Lock()
	c.service = nil
	c.state = calendar.Unauthorized
	c.account = ""
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to remove stored token: %w", err)
	}
	return nil
}

// authorized returns the API service, or ErrUnauthorized.
func (c *Client) authorized(op string) (*gcal.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != calendar.Authorized || c.service == nil {
		return nil, calendar.Errorf(source, op, calendar.ErrUnauthorized, nil)
	}
	return c.service, nil
}

// call runs one API request through the circuit breaker.
func (c *Client) call(fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// tokenRejected reports whether the server refused the stored credentials,
// either when refreshing them or when they were presented.
func tokenRejected(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return true
	}
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}

// mapError translates an API error. fallback is the sentinel for transport
// and server failures.
func (c *Client) mapError(op string, err error, fallback error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return calendar.Errorf(source, op, calendar.ErrProviderUnavailable, err)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		c.revoked(op)
		return calendar.Errorf(source, op, calendar.ErrUnauthorized, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			c.revoked(op)
			return calendar.Errorf(source, op, calendar.ErrUnauthorized, err)
		case http.StatusNotFound, http.StatusGone:
			if fallback != calendar.ErrFetchFailed {
				return calendar.Errorf(source, op, calendar.ErrEventNotFound, err)
			}
		}
	}
	return calendar.Errorf(source, op, fallback, err)
}

func (c *Client) revoked(op string) {
	c.mu.Lock()
	c.state = calendar.Revoked
	c.mu.Unlock()
	c.log.Warn().Str("op", op).Msg("Cloud calendar session revoked")
}

// ListCalendars returns the calendars in the user's calendar list. It returns
// nothing when the client is not authorized.
func (c *Client) ListCalendars(ctx context.Context) ([]calendar.Calendar, error) {
	const op = "list calendars"
	service, err := c.authorized(op)
	if err != nil {
		return nil, nil
	}

	var cals []calendar.Calendar
	pageToken := ""
	for {
		call := service.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var page *gcal.CalendarList
		err := c.call(func() error {
			var err error
			page, err = call.Do()
			return err
		})
		if err != nil {
			return nil, c.mapError(op, err, calendar.ErrFetchFailed)
		}

		for _, item := range page.Items {
			name := item.Summary
			if item.SummaryOverride != "" {
				name = item.SummaryOverride
			}
			cals = append(cals, calendar.Calendar{
				ID:       item.Id,
				Name:     name,
				Source:   source,
				Color:    item.BackgroundColor,
				Primary:  item.Primary,
				ReadOnly: item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
			})
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return cals, nil
}

// FetchEvents retrieves the events overlapping [start, end). Recurring events
// are expanded by the API; cancelled events are skipped.
func (c *Client) FetchEvents(ctx context.Context, start, end time.Time) ([]calendar.Event, error) {
	const op = "fetch events"
	service, err := c.authorized(op)
	if err != nil {
		return nil, err
	}

	events := []calendar.Event{}
	pageToken := ""
	for {
		call := service.Events.List(c.calendarID).
			TimeMin(start.Format(time.RFC3339)).
			TimeMax(end.Format(time.RFC3339)).
			SingleEvents(true). // Expand recurring events
			OrderBy("startTime").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var page *gcal.Events
		err := c.call(func() error {
			var err error
			page, err = call.Do()
			return err
		})
		if err != nil {
			return nil, c.mapError(op, err, calendar.ErrFetchFailed)
		}

		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			e, err := toEvent(item, c.calendarID, c.loc)
			if err != nil {
				c.log.Warn().Err(err).Str("event_id", item.Id).Msg("Skipping invalid event")
				continue
			}
			if e.Overlaps(start, end) {
				events = append(events, e)
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return events, nil
}

// CreateEvent inserts a new event and sends invitations to its attendees.
func (c *Client) CreateEvent(ctx context.Context, spec calendar.EventSpec) (calendar.EventResult, error) {
	const op = "create event"
	service, err := c.authorized(op)
	if err != nil {
		return calendar.EventResult{}, err
	}

	ev := &gcal.Event{
		Summary:     spec.Title,
		Location:    spec.Location,
		Description: spec.Notes,
		Start:       eventTime(spec.Start, spec.AllDay, c.loc),
		End:         eventTime(spec.EndIn(c.loc), spec.AllDay, c.loc),
	}
	for _, addr := range spec.Attendees {
		ev.Attendees = append(ev.Attendees, &gcal.EventAttendee{Email: addr})
	}

	var created *gcal.Event
	err = c.call(func() error {
		var err error
		created, err = service.Events.Insert(c.calendarID, ev).
			SendUpdates("all").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return calendar.EventResult{}, c.mapError(op, err, calendar.ErrProviderUnavailable)
	}

	c.log.Info().Str("event_id", created.Id).Str("title", spec.Title).Msg("Created cloud event")
	return calendar.EventResult{ID: created.Id, Source: source, WebLink: created.HtmlLink}, nil
}

// UpdateEvent patches an existing event. Changing the start or duration
// reads the event first to keep the fields that were not given.
func (c *Client) UpdateEvent(ctx context.Context, id string, patch calendar.EventPatch) error {
	const op = "update event"
	service, err := c.authorized(op)
	if err != nil {
		return err
	}

	ev := &gcal.Event{}
	if patch.Title != nil {
		ev.Summary = *patch.Title
		ev.ForceSendFields = append(ev.ForceSendFields, "Summary")
	}
	if patch.Location != nil {
		ev.Location = *patch.Location
		ev.ForceSendFields = append(ev.ForceSendFields, "Location")
	}

	if patch.Start != nil || patch.Duration != nil {
		var current *gcal.Event
		err := c.call(func() error {
			var err error
			current, err = service.Events.Get(c.calendarID, id).Context(ctx).Do()
			return err
		})
		if err != nil {
			return c.mapError(op, err, calendar.ErrProviderUnavailable)
		}
		existing, err := toEvent(current, c.calendarID, c.loc)
		if err != nil {
			return calendar.Errorf(source, op, calendar.ErrProviderUnavailable, err)
		}

		start := existing.StartAt
		dur := existing.EndAt.Sub(existing.StartAt)
		if patch.Start != nil {
			start = *patch.Start
		}
		if patch.Duration != nil {
			dur = *patch.Duration
		}
		if dur < 0 {
			dur = 0
		}
		ev.Start = eventTime(start, existing.IsAllDay, c.loc)
		end := start.Add(dur)
		if existing.IsAllDay {
			end = calendar.AllDayEnd(start, dur, c.loc)
		}
		ev.End = eventTime(end, existing.IsAllDay, c.loc)
	}

	err = c.call(func() error {
		_, err := service.Events.Patch(c.calendarID, id, ev).
			SendUpdates("all").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return c.mapError(op, err, calendar.ErrProviderUnavailable)
	}
	c.log.Info().Str("event_id", id).Msg("Updated cloud event")
	return nil
}

// DeleteEvent deletes an event and notifies its attendees.
func (c *Client) DeleteEvent(ctx context.Context, id string) error {
	const op = "delete event"
	service, err := c.authorized(op)
	if err != nil {
		return err
	}

	err = c.call(func() error {
		return service.Events.Delete(c.calendarID, id).
			SendUpdates("all").
			Context(ctx).
			Do()
	})
	if err != nil {
		return c.mapError(op, err, calendar.ErrProviderUnavailable)
	}
	c.log.Info().Str("event_id", id).Msg("Deleted cloud event")
	return nil
}
