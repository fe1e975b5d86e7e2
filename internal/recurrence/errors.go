package recurrence

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingField marks an event without a usable date or time.
	ErrMissingField = errors.New("missing or invalid field")
	// ErrUnknownRecurrence marks a recurrence type the expander cannot step.
	ErrUnknownRecurrence = errors.New("unknown recurrence type")
	// ErrInvalidRecurrence marks a recurrence whose end bound is unusable.
	ErrInvalidRecurrence = errors.New("invalid recurrence end")
	// ErrNotAnOccurrence is returned when a date is not produced by a rule.
	ErrNotAnOccurrence = errors.New("date is not an occurrence of the event")
)

// MalformedEventError reports a base event the expander skipped or stopped
// early. It never aborts the expansion of other events.
type MalformedEventError struct {
	EventID string
	Field   string
	Err     error
}

func (e *MalformedEventError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed event %s: %v", e.EventID, e.Err)
	}
	return fmt.Sprintf("malformed event %s: %s: %v", e.EventID, e.Field, e.Err)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

func malformed(eventID, field string, err error) *MalformedEventError {
	return &MalformedEventError{EventID: eventID, Field: field, Err: err}
}
