package calendar

import (
	"errors"
	"fmt"
)

var (
	// ErrAccessDenied means the user declined consent or the credentials were rejected.
	ErrAccessDenied = errors.New("calendar access denied")
	// ErrProviderUnavailable means the provider could not be reached.
	ErrProviderUnavailable = errors.New("calendar provider unavailable")
	// ErrFetchFailed means reading events failed on transport or auth.
	ErrFetchFailed = errors.New("failed to fetch events")
	// ErrEventNotFound means the event id is stale.
	ErrEventNotFound = errors.New("event not found")
	// ErrUnauthorized means the provider has no valid session.
	ErrUnauthorized = errors.New("calendar provider not authorized")
	// ErrNoSession means there are no stored credentials to restore.
	ErrNoSession = errors.New("no stored calendar session")
)

// ProviderError records which provider and operation failed.
type ProviderError struct {
	Source Source
	Op     string
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Errorf wraps a sentinel together with its underlying cause so that both
// match errors.Is.
func Errorf(source Source, op string, sentinel, cause error) error {
	if cause == nil {
		return &ProviderError{Source: source, Op: op, Err: sentinel}
	}
	return &ProviderError{Source: source, Op: op, Err: fmt.Errorf("%w: %w", sentinel, cause)}
}
