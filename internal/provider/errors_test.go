package provider

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	transient := []error{
		errors.New("daytona API returned 502 Bad Gateway: upstream error"),
		errors.New("daytona API returned 503 Service Unavailable: "),
		errors.New("Get \"https://app.daytona.io\": connection refused"),
		errors.New("context deadline exceeded"),
		errors.New("unexpected EOF"),
		errors.New("daytona API returned 429 Too Many Requests: slow down"),
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Errorf("expected transient: %v", err)
		}
	}

	permanent := []error{
		&NotFoundError{ID: "abc123"},
		errors.New("daytona API returned 403 Forbidden: account suspended"),
		errors.New("quota exhausted"),
		nil,
	}
	for _, err := range permanent {
		if IsTransient(err) {
			t.Errorf("expected not transient: %v", err)
		}
	}
}

func TestIsStopped(t *testing.T) {
	if !IsStopped(errors.New("sandbox is stopped, must be started")) {
		t.Error("expected stopped classification")
	}
	if !IsStopped(errors.New("daytona API returned 400 Bad Request: sandbox not running")) {
		t.Error("expected stopped classification for not-running message")
	}
	if IsStopped(errors.New("502 Bad Gateway")) {
		t.Error("502 should not classify as stopped")
	}
}

func TestNotFoundError(t *testing.T) {
	err := fmt.Errorf("resolving sandbox: %w", &NotFoundError{ID: "abc123"})
	if !IsNotFound(err) {
		t.Error("expected IsNotFound through wrapping")
	}
	if IsTransient(err) {
		t.Error("not-found must never classify as transient")
	}
}

func TestUnreachableError(t *testing.T) {
	last := errors.New("daytona API returned 503 Service Unavailable")
	err := &UnreachableError{Last: last}
	if !IsUnreachable(err) {
		t.Error("expected IsUnreachable")
	}
	if !errors.Is(err, last) {
		t.Error("expected Unwrap to expose the last transient error")
	}
}
