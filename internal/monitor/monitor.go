// Package monitor watches calendar providers for external changes and
// publishes a Change message whenever one is seen.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/beekhof/hangout-calendar/internal/calendar"
)

// DefaultInterval is how often sources are polled when no interval is given.
const DefaultInterval = 30 * time.Second

// subscriberBuffer is the number of undelivered changes kept per subscriber.
// Further changes are dropped until the subscriber catches up.
const subscriberBuffer = 8

// Source is a provider that can tell whether its data changed.
type Source interface {
	Source() calendar.Source
	// Poll reports whether anything changed since the previous call.
	Poll(ctx context.Context) (bool, error)
}

// Change says that a provider's data changed outside this process.
type Change struct {
	Source calendar.Source
	At     time.Time
}

type Monitor struct {
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
	cron     *cron.Cron

	mu          sync.Mutex
	sources     map[calendar.Source]Source
	subscribers []chan Change
	running     bool
}

// New creates a monitor polling every interval. Intervals below one second
// are raised to one second.
func New(interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < time.Second {
		interval = time.Second
	}
	log = log.With().Str("component", "monitor").Logger()

	cl := cronLogger{log: log}
	return &Monitor{
		interval: interval,
		log:      log,
		now:      time.Now,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sources: make(map[calendar.Source]Source),
	}
}

// Register adds a change source. Registering a provider that is already
// registered does nothing and returns false.
func (m *Monitor) Register(src Source) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[src.Source()]; ok {
		return false
	}
	m.sources[src.Source()] = src
	m.log.Debug().Str("source", string(src.Source())).Msg("Registered change source")
	return true
}

func (m *Monitor) Unregister(source calendar.Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, source)
}

// Registered reports whether a source is registered for the provider.
func (m *Monitor) Registered(source calendar.Source) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sources[source]
	return ok
}

// Subscribe returns a channel receiving every change published from now on.
func (m *Monitor) Subscribe() <-chan Change {
	ch := make(chan Change, subscriberBuffer)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Publish delivers a change to every subscriber without blocking.
func (m *Monitor) Publish(c Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- c:
		default:
			m.log.Debug().Str("source", string(c.Source)).Msg("Subscriber full, dropping change")
		}
	}
}

// Poll checks every registered source once and publishes a change for each
// that reports one. It returns the number of changes seen. Poll errors are
// logged and otherwise ignored; cache expiry bounds how stale data can get.
func (m *Monitor) Poll(ctx context.Context) int {
	m.mu.Lock()
	sources := make([]Source, 0, len(m.sources))
	for _, src := range m.sources {
		sources = append(sources, src)
	}
	m.mu.Unlock()

	changes := 0
	for _, src := range sources {
		changed, err := src.Poll(ctx)
		if err != nil {
			m.log.Debug().Err(err).Str("source", string(src.Source())).Msg("Poll failed")
			continue
		}
		if changed {
			changes++
			m.log.Info().Str("source", string(src.Source())).Msg("Calendar changed")
			m.Publish(Change{Source: src.Source(), At: m.now()})
		}
	}
	return changes
}

// Start begins polling in the background.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		defer cancel()
		m.Poll(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule polling: %w", err)
	}
	m.cron.Start()
	m.running = true
	m.log.Info().Dur("interval", m.interval).Msg("Change monitor started")
	return nil
}

// Stop stops polling and waits for a running poll to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	<-m.cron.Stop().Done()
	for _, e := range m.cron.Entries() {
		m.cron.Remove(e.ID)
	}
}

// cronLogger routes the scheduler's logs to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
