// Package tokenserver exchanges BrowserID assertions for sync storage tokens.
package tokenserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// TokenServerError is the failure side of an exchange. It is either a
// *LocalError or a *RemoteError; no other implementations exist.
//
//nolint:revive // TokenServerError is the name callers already switch on
type TokenServerError interface {
	error
	tokenServerError()
}

// LocalError reports an exchange that failed without a structured server
// response: transport failure, unreadable or malformed body, or a success
// body that did not validate. Cause is nil for validation-only failures.
type LocalError struct {
	Cause error
}

// Error renders the cause verbatim so no detail is hidden from logs.
func (e *LocalError) Error() string {
	cause := "nil"
	if e.Cause != nil {
		cause = e.Cause.Error()
	}
	return fmt.Sprintf("<TokenServerError.Local %s>", cause)
}

// Unwrap returns the underlying cause.
func (e *LocalError) Unwrap() error {
	return e.Cause
}

func (*LocalError) tokenServerError() {}

// RemoteError reports a request the token server answered and refused.
type RemoteError struct {
	Code            int
	Status          *string
	RemoteTimestamp *uint64
}

// Error implements the error interface for RemoteError.
func (e *RemoteError) Error() string {
	status := "nil"
	if e.Status != nil {
		status = *e.Status
	}
	timestamp := "nil"
	if e.RemoteTimestamp != nil {
		timestamp = strconv.FormatUint(*e.RemoteTimestamp, 10)
	}
	return fmt.Sprintf("<TokenServerError.Remote %d: %s (%s)>", e.Code, status, timestamp)
}

func (*RemoteError) tokenServerError() {}

// IsUnauthorized reports whether err is a remote 401, which callers treat as
// a signal to obtain a fresh assertion.
func IsUnauthorized(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Code == http.StatusUnauthorized
}

func localError(cause error) *LocalError {
	return &LocalError{Cause: cause}
}
