package models

import (
	"errors"
	"fmt"
)

// NotFoundError reports a lookup of an unknown id (trace, profiling session,
// alert or debug session).
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidStateError reports an operation that the entity's current state
// does not allow, e.g. stopping a completed profiling session.
type InvalidStateError struct {
	Kind  string
	ID    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s", e.Kind, e.ID, e.State)
}

// InvalidArgumentError reports a malformed filter, search or configuration.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	if e.Field == "" {
		return "invalid argument: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ActionDeliveryError wraps a webhook or email failure raised while
// dispatching alert actions. It is logged and attached to the trigger record,
// never returned from TrackError.
type ActionDeliveryError struct {
	AlertID string
	Channel string
	Err     error
}

func (e *ActionDeliveryError) Error() string {
	return fmt.Sprintf("alert %s: %s delivery failed: %v", e.AlertID, e.Channel, e.Err)
}

func (e *ActionDeliveryError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsInvalidState reports whether err wraps an *InvalidStateError.
func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

// IsInvalidArgument reports whether err wraps an *InvalidArgumentError.
func IsInvalidArgument(err error) bool {
	var target *InvalidArgumentError
	return errors.As(err, &target)
}
