package provider

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError reports a sandbox ID that was absent from a non-empty
// listing: the sandbox was deleted on the provider side and retrying
// cannot bring it back.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sandbox %s not found in Daytona, likely deleted", e.ID)
}

// IsNotFound reports whether err is a permanent sandbox-deleted error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// UnreachableError is returned when the transient retry budget is exhausted.
// It wraps the last transient error observed.
type UnreachableError struct {
	Last error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("sandbox provider unreachable: %v", e.Last)
}

func (e *UnreachableError) Unwrap() error { return e.Last }

// IsUnreachable reports whether err is an exhausted-retries provider error.
func IsUnreachable(err error) bool {
	var u *UnreachableError
	return errors.As(err, &u)
}

// StartError is returned when a stopped sandbox could not be brought back
// to a running state. It is terminal within one EnsureRunning call.
type StartError struct {
	ID  string
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("sandbox %s is stopped and could not be started: %v", e.ID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// transientMarkers are substrings of provider/transport errors that indicate
// infrastructure flakiness worth retrying.
var transientMarkers = []string{
	"502",
	"503",
	"504",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"too many requests",
	"eof",
}

// IsTransient reports whether err looks like transient provider
// infrastructure failure (overload, network blip, brief outage).
// Permanent conditions (deletion, quota exhaustion) never match.
func IsTransient(err error) bool {
	if err == nil || IsNotFound(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// stoppedMarkers indicate a sandbox that exists but is not running.
var stoppedMarkers = []string{
	"not running",
	"is stopped",
	"state stopped",
	"must be started",
}

// IsStopped reports whether err indicates a sandbox in a stopped state,
// recoverable in-place by issuing a start command.
func IsStopped(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range stoppedMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
