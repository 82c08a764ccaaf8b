package zaptec

import (
	"fmt"
	"strings"
)

// AuthError means the cloud rejected the credentials. It is surfaced to the
// host as unrecoverable until the account is reconfigured.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "zaptec: authentication failed"
	}
	return "zaptec: authentication failed: " + e.Reason
}

// ConnectionError means the request never produced a usable response after
// the bounded retry budget (network failures, timeouts).
type ConnectionError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("zaptec: request to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RateLimitedError means the cloud kept answering 429 for the whole retry
// budget.
type RateLimitedError struct {
	URL      string
	Attempts int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("zaptec: rate limited on %s after %d attempts", e.URL, e.Attempts)
}

// APIError is a non-OK HTTP response that is not retried.
type APIError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("zaptec: %s %s returned %d", e.Method, e.URL, e.Status)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

// ValidationError means the response payload did not match the expected
// shape. The stale cached value is kept; the poll is not retried.
type ValidationError struct {
	URL string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("zaptec: invalid response from %s: %v", e.URL, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// CommandRejectedError is raised when the state-machine gate (or the vendor)
// refuses a command. Never retried automatically.
type CommandRejectedError struct {
	DeviceID string
	Command  Command
	Reason   string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("zaptec: command %s rejected for %s: %s", e.Command, e.DeviceID, e.Reason)
}

// UnknownCodeError flags a numeric code the catalog has no name for. The
// value is still passed through under a synthesized key.
type UnknownCodeError struct {
	Category string
	Code     int
}

func (e *UnknownCodeError) Error() string {
	return fmt.Sprintf("zaptec: unknown %s code %d", e.Category, e.Code)
}
