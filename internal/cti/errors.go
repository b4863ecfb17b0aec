package cti

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned when a call needs a token and login has not succeeded.
	ErrNotAuthenticated = errors.New("cti: not authenticated")
	// ErrUnexpectedStatus is wrapped by every StatusError.
	ErrUnexpectedStatus = errors.New("cti: unexpected status")
	// ErrInvalidTarget is returned by InitiateCall for targets that are not phone numbers.
	ErrInvalidTarget = errors.New("cti: invalid dial target")
	// ErrMissingCredentials is returned by NewClient without username or password.
	ErrMissingCredentials = errors.New("cti: username and password are required")
)

// StatusError is a non-2xx response from the PBX API.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cti: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }
