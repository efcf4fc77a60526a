package aggregator

import (
	"context"

	"github.com/beekhof/hangout-calendar/internal/calendar"
)

// writable returns the provider for source if it is authorized.
func (a *Aggregator) writable(source calendar.Source, op string) (calendar.Provider, error) {
	p, ok := a.providers[source]
	if !ok || p.State() != calendar.Authorized {
		return nil, calendar.Errorf(source, op, calendar.ErrUnauthorized, nil)
	}
	return p, nil
}

// CreateHangoutEvent creates an event with spec.Provider, or with the
// selected default provider when none is given. Every day the event covers
// is invalidated on success. Errors are returned as the provider reported
// them.
func (a *Aggregator) CreateHangoutEvent(ctx context.Context, spec calendar.EventSpec) (calendar.EventResult, error) {
	const op = "create event"
	if spec.Provider == "" {
		spec.Provider = a.SelectedProvider()
	}
	p, err := a.writable(spec.Provider, op)
	if err != nil {
		return calendar.EventResult{}, err
	}
	if spec.Duration <= 0 && !spec.AllDay {
		spec.Duration = a.defaultDuration
	}

	res, err := p.CreateEvent(ctx, spec)
	if err != nil {
		a.log.Error().Err(err).Str("provider", string(spec.Provider)).Str("title", spec.Title).Msg("Failed to create event")
		return calendar.EventResult{}, err
	}

	a.invalidateDays(calendar.DaysSpanned(spec.Start, spec.EndIn(a.loc), a.loc)...)
	a.log.Info().Str("provider", string(spec.Provider)).Str("event_id", res.ID).Msg("Created event")
	return res, nil
}

// UpdateEvent patches an event of the given provider and invalidates the
// days it was cached on as well as the days it moves to.
func (a *Aggregator) UpdateEvent(ctx context.Context, source calendar.Source, id string, patch calendar.EventPatch) error {
	const op = "update event"
	p, err := a.writable(source, op)
	if err != nil {
		return err
	}

	cached, days := a.cachedEvent(source, id)
	if err := p.UpdateEvent(ctx, id, patch); err != nil {
		a.log.Error().Err(err).Str("provider", string(source)).Str("event_id", id).Msg("Failed to update event")
		return err
	}

	if patch.Start != nil || patch.Duration != nil {
		start, d := cached.StartAt, cached.EndAt.Sub(cached.StartAt)
		if patch.Start != nil {
			start = *patch.Start
		}
		if patch.Duration != nil {
			d = *patch.Duration
		}
		if !start.IsZero() {
			days = append(days, calendar.DaysSpanned(start, start.Add(d), a.loc)...)
		}
	}
	a.invalidateDays(days...)
	return nil
}

// DeleteEvent deletes an event of the given provider and invalidates the
// days it was cached on.
func (a *Aggregator) DeleteEvent(ctx context.Context, source calendar.Source, id string) error {
	const op = "delete event"
	p, err := a.writable(source, op)
	if err != nil {
		return err
	}

	_, days := a.cachedEvent(source, id)
	if err := p.DeleteEvent(ctx, id); err != nil {
		a.log.Error().Err(err).Str("provider", string(source)).Str("event_id", id).Msg("Failed to delete event")
		return err
	}
	a.invalidateDays(days...)
	return nil
}
