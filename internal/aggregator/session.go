package aggregator

import (
	"context"
	"errors"
	"slices"

	"github.com/beekhof/hangout-calendar/internal/calendar"
	"github.com/beekhof/hangout-calendar/internal/monitor"
)

// Status is the read-only state published to callers.
type Status struct {
	IsLocalAuthorized bool
	IsCloudAuthorized bool
	LocalAccount      string
	CloudAccount      string
	// ConnectedCalendars lists the calendars of authorized providers only.
	ConnectedCalendars []calendar.Calendar
	SelectedProvider   calendar.Source
}

// Session is the outcome of restoring one provider.
type Session struct {
	Source   calendar.Source
	Restored bool
	Account  string
	// Err is nil when the provider simply had nothing stored.
	Err error
}

// RestoreResult is returned by RestoreSession.
type RestoreResult struct {
	Sessions []Session
}

// Restored reports whether the provider has a session after the restore.
func (r RestoreResult) Restored(source calendar.Source) bool {
	for _, s := range r.Sessions {
		if s.Source == source {
			return s.Restored
		}
	}
	return false
}

// Err joins the errors of every provider that failed to restore.
func (r RestoreResult) Err() error {
	var errs []error
	for _, s := range r.Sessions {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}

// SelectedProvider returns the provider new events go to by default.
func (a *Aggregator) SelectedProvider() calendar.Source {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selected
}

// SetSelectedProvider changes the default provider and persists it.
func (a *Aggregator) SetSelectedProvider(ctx context.Context, source calendar.Source) error {
	if _, err := calendar.ParseSource(string(source)); err != nil {
		return err
	}
	if a.prefs != nil {
		if err := a.prefs.SetDefaultProvider(ctx, source); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.selected = source
	a.mu.Unlock()
	a.log.Info().Str("provider", string(source)).Msg("Default provider changed")
	return nil
}

// LoadPreferences reads the persisted default provider.
func (a *Aggregator) LoadPreferences(ctx context.Context) error {
	if a.prefs == nil {
		return nil
	}
	source, err := a.prefs.DefaultProvider(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.selected = source
	a.mu.Unlock()
	return nil
}

// RequestAccess authorizes the local provider. Calling it again once
// authorized has no further effect.
func (a *Aggregator) RequestAccess(ctx context.Context) (calendar.Authorization, error) {
	auth, _, err := a.authorize(ctx, calendar.SourceLocal, false)
	return auth, err
}

// RequestCloudAccess signs in to the cloud provider and makes it the default
// provider for new events.
func (a *Aggregator) RequestCloudAccess(ctx context.Context) (calendar.Authorization, error) {
	auth, connected, err := a.authorize(ctx, calendar.SourceCloud, false)
	if err != nil || !connected {
		return auth, err
	}
	if err := a.SetSelectedProvider(ctx, calendar.SourceCloud); err != nil {
		a.log.Warn().Err(err).Msg("Failed to persist default provider")
	}
	return auth, nil
}

// SignOutCloud signs out of the cloud provider.
func (a *Aggregator) SignOutCloud(ctx context.Context) error {
	return a.SignOut(ctx, calendar.SourceCloud)
}

// SignOut clears the session of one provider. Events it created are left in
// place. If it was the default provider, the default falls back to local.
func (a *Aggregator) SignOut(ctx context.Context, source calendar.Source) error {
	p, ok := a.providers[source]
	if !ok {
		return calendar.Errorf(source, "sign out", calendar.ErrUnauthorized, nil)
	}
	if err := p.SignOut(ctx); err != nil {
		return err
	}

	if a.prefs != nil {
		if err := a.prefs.RemoveAccount(ctx, source); err != nil {
			a.log.Warn().Err(err).Str("provider", string(source)).Msg("Failed to remove account")
		}
	}
	if a.watcher != nil {
		a.watcher.Unregister(source)
	}

	a.mu.Lock()
	delete(a.calendars, source)
	fallback := a.selected == source && source != calendar.SourceLocal
	a.mu.Unlock()
	a.ClearAll()

	if fallback {
		if err := a.SetSelectedProvider(ctx, calendar.SourceLocal); err != nil {
			a.log.Warn().Err(err).Msg("Failed to persist default provider")
		}
	}
	a.log.Info().Str("provider", string(source)).Msg("Signed out")
	return nil
}

// RestoreSession loads the persisted default provider and restores every
// provider from its stored credentials without prompting. Providers with
// nothing stored are reported as not restored and without an error.
func (a *Aggregator) RestoreSession(ctx context.Context) RestoreResult {
	var result RestoreResult
	if err := a.LoadPreferences(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Failed to load preferences")
	}

	for _, source := range a.order {
		s := Session{Source: source}
		auth, _, err := a.authorize(ctx, source, true)
		switch {
		case err == nil:
			s.Restored = true
			s.Account = auth.Account
		case errors.Is(err, calendar.ErrNoSession):
			a.log.Debug().Str("provider", string(source)).Msg("No stored session")
		default:
			s.Err = err
			a.log.Warn().Err(err).Str("provider", string(source)).Msg("Failed to restore session")
		}
		result.Sessions = append(result.Sessions, s)
	}
	return result
}

// authorize runs an interactive authorization, or a restore, of the given
// provider. connected is true when the provider went from unauthorized to
// authorized, in which case the account is saved, the provider is watched
// for changes, its calendars are listed and the cache is cleared.
func (a *Aggregator) authorize(ctx context.Context, source calendar.Source, restore bool) (auth calendar.Authorization, connected bool, err error) {
	p, ok := a.providers[source]
	if !ok {
		return calendar.Authorization{}, false, calendar.Errorf(source, "authorize", calendar.ErrUnauthorized, nil)
	}

	wasAuthorized := p.State() == calendar.Authorized
	if restore {
		auth, err = p.Restore(ctx)
	} else {
		auth, err = p.Authorize(ctx)
	}
	if err != nil {
		return calendar.Authorization{}, false, err
	}
	if wasAuthorized {
		return auth, false, nil
	}

	if a.prefs != nil {
		if err := a.prefs.SaveAccount(ctx, source, auth.Account); err != nil {
			a.log.Warn().Err(err).Str("provider", string(source)).Msg("Failed to save account")
		}
	}
	if src, ok := p.(monitor.Source); ok && a.watcher != nil {
		a.watcher.Register(src)
	}
	a.refreshCalendars(ctx, p)
	a.ClearAll()

	a.log.Info().Str("provider", string(source)).Str("account", auth.Account).Msg("Connected calendar provider")
	return auth, true, nil
}

func (a *Aggregator) refreshCalendars(ctx context.Context, p calendar.Provider) {
	cals, err := p.ListCalendars(ctx)
	if err != nil {
		a.log.Warn().Err(err).Str("provider", string(p.Source())).Msg("Failed to list calendars")
		return
	}
	a.mu.Lock()
	a.calendars[p.Source()] = cals
	a.mu.Unlock()
}

// Status returns a snapshot of the published state.
func (a *Aggregator) Status() Status {
	st := Status{SelectedProvider: a.SelectedProvider()}
	for _, source := range a.order {
		p := a.providers[source]
		authorized := p.State() == calendar.Authorized
		switch source {
		case calendar.SourceLocal:
			st.IsLocalAuthorized = authorized
			if authorized {
				st.LocalAccount = p.Account()
			}
		case calendar.SourceCloud:
			st.IsCloudAuthorized = authorized
			if authorized {
				st.CloudAccount = p.Account()
			}
		}
		if !authorized {
			continue
		}
		a.mu.Lock()
		st.ConnectedCalendars = append(st.ConnectedCalendars, slices.Clone(a.calendars[source])...)
		a.mu.Unlock()
	}
	return st
}
