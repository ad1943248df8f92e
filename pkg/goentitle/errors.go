package goentitle

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no subscription exists for a provider key
	ErrNotFound = errors.New("subscription not found")

	// ErrMalformedEvent is returned when an event lacks data required to apply it
	ErrMalformedEvent = errors.New("malformed event")

	// ErrTransientStore is returned when the storage backend fails in a retryable way
	ErrTransientStore = errors.New("transient storage failure")

	// ErrDuplicateEvent is returned by storage when a ledger entry already exists
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrUnhandledTransition is returned when an event has no edge from the current status
	ErrUnhandledTransition = errors.New("unhandled transition")

	// ErrInvariantViolation is returned when a transition would leave a subscription inconsistent
	ErrInvariantViolation = errors.New("subscription invariant violated")

	// ErrStorageUnavailable is returned when no storage is configured
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// EventError attributes a failure to the provider key and event that caused it.
type EventError struct {
	Platform    Platform
	ProviderKey string
	Event       EventKind
	Err         error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Platform, e.Event, e.ProviderKey, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}

func wrapEventError(ev *Event, err error) error {
	if err == nil {
		return nil
	}
	var ee *EventError
	if errors.As(err, &ee) {
		return err
	}
	return &EventError{
		Platform:    ev.Platform,
		ProviderKey: ev.ProviderKey,
		Event:       ev.Kind,
		Err:         err,
	}
}
