// Package aggregator merges the events of every authorized calendar provider
// into one per-day cache and routes writes to the right provider.
package aggregator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/beekhof/hangout-calendar/internal/calendar"
	"github.com/beekhof/hangout-calendar/internal/monitor"
)

// DefaultTTL is how long a fetched day is served from the cache.
const DefaultTTL = 300 * time.Second

// fetchTimeout bounds one shared fetch. The fetch is cancelled early once
// every caller waiting on it has gone away.
const fetchTimeout = 30 * time.Second

// ErrDegraded is returned together with the last known events (possibly
// none) when every queried provider failed.
var ErrDegraded = errors.New("all calendar providers failed, events may be stale")

// Preferences persists the default provider and connected accounts.
// *store.Storage implements it.
type Preferences interface {
	DefaultProvider(ctx context.Context) (calendar.Source, error)
	SetDefaultProvider(ctx context.Context, source calendar.Source) error
	SaveAccount(ctx context.Context, source calendar.Source, identity string) error
	RemoveAccount(ctx context.Context, source calendar.Source) error
}

// Watcher keeps track of change sources. *monitor.Monitor implements it.
type Watcher interface {
	Register(src monitor.Source) bool
	Unregister(source calendar.Source)
}

type Options struct {
	Providers []calendar.Provider
	// Preferences and Watcher are optional.
	Preferences Preferences
	Watcher     Watcher
	// Location is the reference timezone for day keys. Default: UTC.
	Location *time.Location
	// TTL defaults to DefaultTTL.
	TTL time.Duration
	// DefaultDuration is used for timed events created without a duration.
	// Default: calendar.DefaultDuration.
	DefaultDuration time.Duration
	Now             func() time.Time
	Logger          zerolog.Logger
}

type entry struct {
	fetchedAt time.Time
	events    []calendar.Event
}

// flight is the context of one shared fetch and the number of callers
// waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type Aggregator struct {
	providers       map[calendar.Source]calendar.Provider
	order           []calendar.Source
	prefs           Preferences
	watcher         Watcher
	loc             *time.Location
	ttl             time.Duration
	defaultDuration time.Duration
	now             func() time.Time
	log             zerolog.Logger
	group           singleflight.Group

	mu    sync.Mutex
	cache map[calendar.Day]*entry
	// gens counts invalidations per day and epoch counts ClearAll calls. A
	// fetch only stores its result if neither moved while it ran.
	gens      map[calendar.Day]uint64
	epoch     uint64
	flights   map[string]*flight
	calendars map[calendar.Source][]calendar.Calendar
	selected  calendar.Source
}

// New creates an Aggregator over the given providers.
func New(opts Options) *Aggregator {
	a := &Aggregator{
		providers:       make(map[calendar.Source]calendar.Provider),
		prefs:           opts.Preferences,
		watcher:         opts.Watcher,
		loc:             opts.Location,
		ttl:             opts.TTL,
		defaultDuration: opts.DefaultDuration,
		now:             opts.Now,
		log:             opts.Logger.With().Str("component", "aggregator").Logger(),
		cache:           make(map[calendar.Day]*entry),
		gens:            make(map[calendar.Day]uint64),
		flights:         make(map[string]*flight),
		calendars:       make(map[calendar.Source][]calendar.Calendar),
		selected:        calendar.SourceLocal,
	}
	if a.loc == nil {
		a.loc = time.UTC
	}
	if a.ttl <= 0 {
		a.ttl = DefaultTTL
	}
	if a.defaultDuration <= 0 {
		a.defaultDuration = calendar.DefaultDuration
	}
	if a.now == nil {
		a.now = time.Now
	}
	for _, p := range opts.Providers {
		if _, ok := a.providers[p.Source()]; !ok {
			a.order = append(a.order, p.Source())
		}
		a.providers[p.Source()] = p
	}
	return a
}

// GetEvents returns the merged events of the day date falls on, sorted by
// start time. A valid cache entry is returned without any provider I/O.
// Providers that fail are skipped. When all of them fail the last known
// events are returned with ErrDegraded.
func (a *Aggregator) GetEvents(ctx context.Context, date time.Time) ([]calendar.Event, error) {
	day := calendar.DayOf(date, a.loc)

	a.mu.Lock()
	if e, ok := a.cache[day]; ok && a.now().Sub(e.fetchedAt) < a.ttl {
		events := cloneEvents(e.events)
		a.mu.Unlock()
		a.log.Debug().Str("day", day.String()).Int("events", len(events)).Msg("Cache hit")
		return events, nil
	}
	gen, epoch := a.gens[day], a.epoch
	// Callers arriving after an invalidation must not join a fetch that
	// started before it.
	key := fmt.Sprintf("%s/%d/%d", day, gen, epoch)
	f := a.join(ctx, key)
	a.mu.Unlock()
	defer a.leave(key, f)

	ch := a.group.DoChan(key, func() (interface{}, error) {
		return a.fetch(f.ctx, day, gen, epoch)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		events, _ := r.Val.([]calendar.Event)
		return cloneEvents(events), r.Err
	}
}

// join registers a caller on the shared fetch of key. a.mu must be held.
func (a *Aggregator) join(ctx context.Context, key string) *flight {
	f, ok := a.flights[key]
	if !ok {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		f = &flight{ctx: fctx, cancel: cancel}
		a.flights[key] = f
	}
	f.waiters++
	return f
}

// leave unregisters a caller. The last one to leave cancels the fetch and
// makes sure the next caller starts a fresh one.
func (a *Aggregator) leave(key string, f *flight) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if a.flights[key] == f {
		delete(a.flights, key)
	}
	a.group.Forget(key)
}

func (a *Aggregator) fetch(ctx context.Context, day calendar.Day, gen, epoch uint64) ([]calendar.Event, error) {
	providers := a.authorizedProviders()
	start, end := day.Start(a.loc), day.End(a.loc)

	results := make([][]calendar.Event, len(providers))
	failed := make([]bool, len(providers))
	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			events, err := p.FetchEvents(ctx, start, end)
			if err != nil {
				failed[i] = true
				a.log.Warn().Err(err).Str("provider", string(p.Source())).Str("day", day.String()).
					Msg("Provider fetch failed, continuing without it")
				return nil
			}
			results[i] = events
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		a.log.Debug().Str("day", day.String()).Msg("Fetch cancelled, not caching")
		return nil, ctx.Err()
	}
	if len(providers) > 0 && !slices.Contains(failed, false) {
		a.mu.Lock()
		var stale []calendar.Event
		if e, ok := a.cache[day]; ok {
			stale = cloneEvents(e.events)
		}
		a.mu.Unlock()
		a.log.Warn().Str("day", day.String()).Int("stale_events", len(stale)).Msg("All providers failed")
		return stale, ErrDegraded
	}

	merged := merge(results, start, end)

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case ctx.Err() != nil:
		a.log.Debug().Str("day", day.String()).Msg("Fetch cancelled, not caching")
	case a.gens[day] != gen || a.epoch != epoch:
		a.log.Debug().Str("day", day.String()).Msg("Day invalidated during fetch, not caching")
	default:
		a.cache[day] = &entry{fetchedAt: a.now(), events: merged}
	}
	return cloneEvents(merged), nil
}

// merge concatenates provider results, drops events outside [start, end)
// and sorts by start, then source, then id.
func merge(results [][]calendar.Event, start, end time.Time) []calendar.Event {
	merged := []calendar.Event{}
	for _, events := range results {
		for _, e := range events {
			if e.Overlaps(start, end) {
				merged = append(merged, e)
			}
		}
	}
	slices.SortStableFunc(merged, func(x, y calendar.Event) int {
		if c := x.StartAt.Compare(y.StartAt); c != 0 {
			return c
		}
		if c := cmp.Compare(x.Source, y.Source); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return merged
}

func cloneEvents(events []calendar.Event) []calendar.Event {
	if events == nil {
		return nil
	}
	out := make([]calendar.Event, len(events))
	for i, e := range events {
		e.Attendees = slices.Clone(e.Attendees)
		out[i] = e
	}
	return out
}

func (a *Aggregator) authorizedProviders() []calendar.Provider {
	var out []calendar.Provider
	for _, source := range a.order {
		if p := a.providers[source]; p.State() == calendar.Authorized {
			out = append(out, p)
		}
	}
	return out
}

// Invalidate drops the cache entry of the day date falls on.
func (a *Aggregator) Invalidate(date time.Time) {
	a.invalidateDays(calendar.DayOf(date, a.loc))
}

func (a *Aggregator) invalidateDays(days ...calendar.Day) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, day := range days {
		delete(a.cache, day)
		a.gens[day]++
	}
}

// ClearAll drops every cache entry.
func (a *Aggregator) ClearAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = make(map[calendar.Day]*entry)
	a.gens = make(map[calendar.Day]uint64)
	a.epoch++
}

// cachedEvent looks the event up in the cache and returns it with every
// cached day holding it.
func (a *Aggregator) cachedEvent(source calendar.Source, id string) (calendar.Event, []calendar.Day) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var found calendar.Event
	var days []calendar.Day
	for day, e := range a.cache {
		for _, ev := range e.events {
			if ev.Source == source && ev.ID == id {
				found = ev
				days = append(days, day)
				break
			}
		}
	}
	return found, days
}

// Follow invalidates and refetches today whenever a change arrives, passing
// each result to refreshed if it is not nil. It returns when ctx is done or
// changes is closed.
func (a *Aggregator) Follow(ctx context.Context, changes <-chan monitor.Change, refreshed func([]calendar.Event, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			now := a.now()
			a.Invalidate(now)
			events, err := a.GetEvents(ctx, now)
			if err != nil {
				a.log.Warn().Err(err).Str("source", string(c.Source)).Msg("Refetch after change failed")
			} else {
				a.log.Info().Str("source", string(c.Source)).Int("events", len(events)).Msg("Refreshed today after change")
			}
			if refreshed != nil {
				refreshed(events, err)
			}
		}
	}
}
