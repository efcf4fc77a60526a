// Package apple is the local calendar provider: Apple Calendar / iCloud
// reached over CalDAV.
package apple

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beekhof/hangout-calendar/internal/calendar"
)

const source = calendar.SourceLocal

// Client is a CalDAV client for Apple Calendar/iCloud. It implements
// calendar.Provider and, through Poll, acts as a change source.
type Client struct {
	httpClient *http.Client
	serverURL  string
	username   string
	password   string
	homePath   string
	// calendarPath is the collection new events are written to. When empty
	// the first writable calendar is used.
	calendarPath string
	loc          *time.Location
	now          func() time.Time
	log          zerolog.Logger

	mu        sync.Mutex
	state     calendar.AuthState
	calendars []calendar.Calendar
	ctags     map[string]string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLocation sets the zone floating times and all-day dates are read in.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) { c.loc = loc }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHomePath overrides the calendar home, "/{username}/calendars/" by default.
func WithHomePath(path string) Option {
	return func(c *Client) { c.homePath = path }
}

func WithCalendarPath(path string) Option {
	return func(c *Client) { c.calendarPath = path }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a new Apple Calendar client using CalDAV.
// serverURL should be the CalDAV server URL (e.g., "https://caldav.icloud.com" for iCloud)
// username and password are the iCloud credentials (password should be an app-specific password)
func NewClient(serverURL, username, password string, opts ...Option) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid CalDAV server URL %q", serverURL)
	}

	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		serverURL:  strings.TrimSuffix(serverURL, "/"),
		username:   username,
		password:   password,
		homePath:   fmt.Sprintf("/%s/calendars/", username),
		loc:        time.UTC,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("provider", string(source)).Logger()
	return c, nil
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
	if c.State() != calendar.Authorized {
		return ""
	}
	return c.username
}

// Authorize checks the credentials against the calendar home. It does
// nothing when the client is already authorized.
func (c *Client) Authorize(ctx context.Context) (calendar.Authorization, error) {
	if c.State() == calendar.Authorized {
		return calendar.Authorization{Source: source, Account: c.username}, nil
	}

	resp, err := c.do(ctx, "PROPFIND", c.homePath, "0", strings.NewReader(propfindHome), nil)
	if err != nil {
		return calendar.Authorization{}, calendar.Errorf(source, "authorize", calendar.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.setState(calendar.Unauthorized)
		return calendar.Authorization{}, calendar.Errorf(source, "authorize", calendar.ErrAccessDenied, httpStatus(resp))
	case resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK:
		return calendar.Authorization{}, calendar.Errorf(source, "authorize", calendar.ErrProviderUnavailable, httpStatus(resp))
	}

	c.setState(calendar.Authorized)
	c.log.Info().Str("account", c.username).Msg("Authorized local calendar")
	return calendar.Authorization{Source: source, Account: c.username}, nil
}

// Restore re-establishes the session from the configured credentials.
func (c *Client) Restore(ctx context.Context) (calendar.Authorization, error) {
	if c.password == "" {
		return calendar.Authorization{}, calendar.Errorf(source, "restore", calendar.ErrNoSession, nil)
	}
	return c.Authorize(ctx)
}

// SignOut forgets the session. Events on the server are left alone.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = calendar.Unauthorized
	c.calendars = nil
	c.ctags = nil
	return nil
}

func (c *Client) setState(s calendar.AuthState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// ListCalendars returns the calendar collections under the home. It returns
// nothing when the client is not authorized.
func (c *Client) ListCalendars(ctx context.Context) ([]calendar.Calendar, error) {
	if c.State() != calendar.Authorized {
		return nil, nil
	}
	cals, _, err := c.discover(ctx, "list calendars")
	if err != nil {
		return nil, err
	}
	return cals, nil
}

// discover lists the calendar collections together with their ctags and
// remembers them.
func (c *Client) discover(ctx context.Context, op string) ([]calendar.Calendar, map[string]string, error) {
	resp, err := c.do(ctx, "PROPFIND", c.homePath, "1", strings.NewReader(propfindCalendars), nil)
	if err != nil {
		return nil, nil, calendar.Errorf(source, op, calendar.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, nil, c.statusError(op, resp, calendar.ErrFetchFailed)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, calendar.Errorf(source, op, calendar.ErrFetchFailed, err)
	}
	ms, err := parseMultistatus(body)
	if err != nil {
		return nil, nil, calendar.Errorf(source, op, calendar.ErrFetchFailed, err)
	}

	var cals []calendar.Calendar
	ctags := make(map[string]string)
	for _, r := range ms.Responses {
		p := r.prop()
		if p.ResourceType.Calendar == nil {
			continue
		}
		path := r.path()
		name := p.DisplayName
		if name == "" {
			name = strings.Trim(strings.TrimPrefix(path, c.homePath), "/")
		}
		cals = append(cals, calendar.Calendar{
			ID:       path,
			Name:     name,
			Source:   source,
			Color:    p.Color,
			ReadOnly: !p.Privileges.writable(),
		})
		ctags[path] = p.CTag
	}

	primary := c.primaryPath(cals)
	for i := range cals {
		cals[i].Primary = cals[i].ID == primary
	}

	c.mu.Lock()
	c.calendars = cals
	c.mu.Unlock()
	return cals, ctags, nil
}

func (c *Client) primaryPath(cals []calendar.Calendar) string {
	if c.calendarPath != "" {
		return c.calendarPath
	}
	for _, cal := range cals {
		if !cal.ReadOnly {
			return cal.ID
		}
	}
	return ""
}

// collections returns the calendars seen last, discovering them when there
// are none yet.
func (c *Client) collections(ctx context.Context, op string) ([]calendar.Calendar, error) {
	c.mu.Lock()
	cals := c.calendars
	c.mu.Unlock()
	if cals != nil {
		return cals, nil
	}
	cals, _, err := c.discover(ctx, op)
	return cals, err
}

// FetchEvents retrieves the events overlapping [start, end) from every
// calendar, with recurring events expanded into their instances.
func (c *Client) FetchEvents(ctx context.Context, start, end time.Time) ([]calendar.Event, error) {
	if c.State() != calendar.Authorized {
		return nil, calendar.Errorf(source, "fetch events", calendar.ErrUnauthorized, nil)
	}
	cals, err := c.collections(ctx, "fetch events")
	if err != nil {
		return nil, err
	}

	events := []calendar.Event{}
	for _, cal := range cals {
		evs, err := c.fetchCalendar(ctx, cal.ID, start, end)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

func (c *Client) fetchCalendar(ctx context.Context, calendarPath string, start, end time.Time) ([]calendar.Event, error) {
	const op = "fetch events"

	resp, err := c.do(ctx, "REPORT", calendarPath, "1", strings.NewReader(calendarQueryBody(start, end)), nil)
	if err != nil {
		return nil, calendar.Errorf(source, op, calendar.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return nil, c.statusError(op, resp, calendar.ErrFetchFailed)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, calendar.Errorf(source, op, calendar.ErrFetchFailed, err)
	}
	ms, err := parseMultistatus(body)
	if err != nil {
		return nil, calendar.Errorf(source, op, calendar.ErrFetchFailed, err)
	}

	var events []calendar.Event
	for _, r := range ms.Responses {
		p := r.prop()
		if p.CalendarData == "" {
			continue
		}
		res := resource{href: r.path(), etag: p.ETag, calendarID: calendarPath}

		cal, err := ical.NewDecoder(strings.NewReader(p.CalendarData)).Decode()
		if err != nil {
			c.log.Warn().Err(err).Str("href", res.href).Msg("Skipping unparsable calendar object")
			continue
		}
		evs, errs := expand(cal, res, start, end, c.loc)
		for _, err := range errs {
			c.log.Warn().Err(err).Msg("Skipping invalid event")
		}
		events = append(events, evs...)
	}
	return events, nil
}

// CreateEvent stores a new event in the default calendar. Attendees are
// recorded on the event; no invitations are sent.
func (c *Client) CreateEvent(ctx context.Context, spec calendar.EventSpec) (calendar.EventResult, error) {
	const op = "create event"
	if c.State() != calendar.Authorized {
		return calendar.EventResult{}, calendar.Errorf(source, op, calendar.ErrUnauthorized, nil)
	}

	cals, err := c.collections(ctx, op)
	if err != nil {
		return calendar.EventResult{}, err
	}
	calendarPath := c.primaryPath(cals)
	if calendarPath == "" {
		return calendar.EventResult{}, calendar.Errorf(source, op, calendar.ErrProviderUnavailable,
			errors.New("no writable calendar found"))
	}

	uid := uuid.NewString()
	cal := newEventCalendar(uid, spec, spec.EndIn(c.loc), c.now(), c.loc)
	href := strings.TrimSuffix(calendarPath, "/") + "/" + uid + ".ics"

	hdr := http.Header{}
	hdr.Set("If-None-Match", "*")
	if err := c.put(ctx, op, href, cal, hdr); err != nil {
		return calendar.EventResult{}, err
	}

	c.log.Info().Str("href", href).Str("title", spec.Title).Msg("Created local event")
	return calendar.EventResult{ID: href, Source: source}, nil
}

// UpdateEvent applies patch to the event. For an instance of a recurring
// event the patch applies to the series.
func (c *Client) UpdateEvent(ctx context.Context, id string, patch calendar.EventPatch) error {
	const op = "update event"
	return c.modify(ctx, op, id, func(cal *ical.Calendar, occurrence time.Time) error {
		master, ok := masterEvent(cal)
		if !ok {
			return calendar.Errorf(source, op, calendar.ErrEventNotFound, fmt.Errorf("%s has no VEVENT", id))
		}
		if err := applyPatch(master, patch, occurrence, c.now(), c.loc); err != nil {
			return calendar.Errorf(source, op, calendar.ErrProviderUnavailable, err)
		}
		return nil
	})
}

// DeleteEvent removes the event. An instance of a recurring event is
// excluded from its series instead.
func (c *Client) DeleteEvent(ctx context.Context, id string) error {
	const op = "delete event"
	if c.State() != calendar.Authorized {
		return calendar.Errorf(source, op, calendar.ErrUnauthorized, nil)
	}

	href, occurrence, err := splitID(id, c.loc)
	if err != nil {
		return calendar.Errorf(source, op, calendar.ErrEventNotFound, err)
	}
	if !occurrence.IsZero() {
		return c.modify(ctx, op, id, func(cal *ical.Calendar, occurrence time.Time) error {
			master, ok := masterEvent(cal)
			if !ok {
				return calendar.Errorf(source, op, calendar.ErrEventNotFound, fmt.Errorf("%s has no VEVENT", id))
			}
			excludeOccurrence(master, occurrence, c.now(), c.loc)
			return nil
		})
	}

	resp, err := c.do(ctx, "DELETE", href, "", nil, nil)
	if err != nil {
		return calendar.Errorf(source, op, calendar.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.statusError(op, resp, calendar.ErrProviderUnavailable)
	}
	c.log.Info().Str("href", href).Msg("Deleted local event")
	return nil
}

// modify fetches the resource behind id, lets edit change it and writes it
// back guarded by its ETag.
func (c *Client) modify(ctx context.Context, op, id string, edit func(*ical.Calendar, time.Time) error) error {
	if c.State() != calendar.Authorized {
		return calendar.Errorf(source, op, calendar.ErrUnauthorized, nil)
	}

	href, occurrence, err := splitID(id, c.loc)
	if err != nil {
		return calendar.Errorf(source, op, calendar.ErrEventNotFound, err)
	}

	resp, err := c.do(ctx, http.MethodGet, href, "", nil, nil)
	if err != nil {
		return calendar.Errorf(source, op, calendar.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(op, resp, calendar.ErrProviderUnavailable)
	}

	cal, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		return calendar.Errorf(source, op, calendar.ErrProviderUnavailable, fmt.Errorf("failed to parse iCalendar: %w", err))
	}
	if err := edit(cal, occurrence); err != nil {
		return err
	}

	hdr := http.Header{}
	if etag := resp.Header.Get("ETag"); etag != "" {
		hdr.Set("If-Match", etag)
	}
	if err := c.put(ctx, op, href, cal, hdr); err != nil {
		return err
	}
	c.log.Info().Str("href", href).Str("op", op).Msg("Modified local event")
	return nil
}

func (c *Client) put(ctx context.Context, op, href string, cal *ical.Calendar, hdr http.Header) error {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return calendar.Errorf(source, op, calendar.ErrProviderUnavailable, fmt.Errorf("failed to encode iCalendar: %w", err))
	}

	hdr.Set("Content-Type", "text/calendar; charset=utf-8")
	resp, err := c.do(ctx, http.MethodPut, href, "", &buf, hdr)
	if err != nil {
		return calendar.Errorf(source, op, calendar.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.statusError(op, resp, calendar.ErrProviderUnavailable)
	}
	return nil
}

// Poll reports whether any calendar changed since the previous poll by
// comparing collection ctags. The first poll only records them.
func (c *Client) Poll(ctx context.Context) (bool, error) {
	if c.State() != calendar.Authorized {
		return false, nil
	}
	_, ctags, err := c.discover(ctx, "poll")
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.ctags
	c.ctags = ctags
	if prev == nil {
		return false, nil
	}
	if len(prev) != len(ctags) {
		return true, nil
	}
	for path, tag := range ctags {
		if old, ok := prev[path]; !ok || old != tag {
			return true, nil
		}
	}
	return false, nil
}

// do makes an authenticated HTTP request to the CalDAV server.
func (c *Client) do(ctx context.Context, method, path, depth string, body io.Reader, hdr http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}

	req.SetBasicAuth(c.username, c.password)
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}
	if depth != "" {
		req.Header.Set("Depth", depth)
	}

	return c.httpClient.Do(req)
}

// statusError maps an unexpected HTTP status. A 401 means the session was
// lost and marks the client revoked.
func (c *Client) statusError(op string, resp *http.Response, fallback error) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		c.setState(calendar.Revoked)
		c.log.Warn().Str("op", op).Msg("Local calendar session revoked")
		return calendar.Errorf(source, op, calendar.ErrUnauthorized, httpStatus(resp))
	case http.StatusNotFound, http.StatusGone:
		// On reads a missing collection is a fetch failure, on writes the
		// event id is stale.
		if fallback != calendar.ErrFetchFailed {
			return calendar.Errorf(source, op, calendar.ErrEventNotFound, httpStatus(resp))
		}
	}
	return calendar.Errorf(source, op, fallback, httpStatus(resp))
}

func httpStatus(resp *http.Response) error {
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}
