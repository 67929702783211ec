// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/protopm/protopm/pkg/manifest"
)

var (
	// ErrNotFound is returned when the registry has no such package or version.
	ErrNotFound = errors.New("not found in registry")
	// ErrConflict is returned when publishing a version that already exists.
	ErrConflict = errors.New("version already published")
	// ErrUnauthenticated is returned when no credential exists for the registry host.
	// It is raised before any network call.
	ErrUnauthenticated = errors.New("no credential for registry")
	// ErrUnauthorized is returned when the registry rejects the credential (401/403).
	ErrUnauthorized = errors.New("registry rejected credential")
	// ErrRegistryUnavailable is returned once the retry budget is exhausted or
	// the circuit breaker for the host is open.
	ErrRegistryUnavailable = errors.New("registry unavailable")
	// ErrRateLimited marks a 429 response. It is retried.
	ErrRateLimited = errors.New("rate limited by registry")
	// ErrUpstream marks a 5xx response. It is retried.
	ErrUpstream = errors.New("registry server error")
	// ErrUnexpectedStatus marks any other non-success status. It is not retried.
	ErrUnexpectedStatus = errors.New("unexpected registry response")
)

type (
	// HTTPError describes a non-success registry response.
	HTTPError struct {
		Method     string
		URL        string
		StatusCode int
		Body       string
	}

	// NotFoundError names the package (and version, if any) the registry does not have.
	NotFoundError struct {
		Name    manifest.PackageName
		Version manifest.Version
		Source  Source
		Err     error
	}

	// ConflictError is returned when the published version already exists with
	// different content.
	ConflictError struct {
		Name    manifest.PackageName
		Version manifest.Version
		Reason  string
	}

	// UnavailableError is returned when every attempt of an operation failed
	// with a transient error.
	UnavailableError struct {
		Op       string
		Host     string
		Attempts int
		Err      error
	}

	// UnauthenticatedError is returned when the credential store has no token for Host.
	UnauthenticatedError struct {
		Host string
		Err  error
	}
)

// Error implements the error interface for HTTPError.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Unwrap maps the status code to a sentinel error.
func (e *HTTPError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusConflict:
		return ErrConflict
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrUpstream
	default:
		return ErrUnexpectedStatus
	}
}

// Error implements the error interface for NotFoundError.
func (e *NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("%s@%s not found in %s", e.Name, e.Version, e.Source)
	}
	return fmt.Sprintf("%s not found in %s", e.Name, e.Source)
}

// Unwrap returns ErrNotFound for errors.Is() compatibility.
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Error implements the error interface for ConflictError.
func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s@%s is already published", e.Name, e.Version)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap returns ErrConflict for errors.Is() compatibility.
func (e *ConflictError) Unwrap() error { return ErrConflict }

// Error implements the error interface for UnavailableError.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("registry %s unavailable: %s failed after %d attempt(s): %v", e.Host, e.Op, e.Attempts, e.Err)
}

// Unwrap exposes ErrRegistryUnavailable and the last transient error.
func (e *UnavailableError) Unwrap() []error {
	return []error{ErrRegistryUnavailable, e.Err}
}

// Error implements the error interface for UnauthenticatedError.
func (e *UnauthenticatedError) Error() string {
	return fmt.Sprintf("no credential stored for %s, run 'protopm login --registry <url>'", e.Host)
}

// Unwrap exposes ErrUnauthenticated and the credential store error.
func (e *UnauthenticatedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnauthenticated}
	}
	return []error{ErrUnauthenticated, e.Err}
}

// transportError wraps failures below HTTP (dial, reset, timeout).
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

// retryable reports whether err is transient.
func retryable(err error) bool {
	var te *transportError
	return errors.As(err, &te) || errors.Is(err, ErrUpstream) || errors.Is(err, ErrRateLimited)
}

// ambiguous reports whether a publish attempt that failed with err may still
// have been applied by the registry.
func ambiguous(err error) bool {
	var te *transportError
	return errors.As(err, &te) || errors.Is(err, ErrUpstream)
}

// tripsBreaker reports whether err indicates the host itself is failing.
func tripsBreaker(err error) bool {
	var te *transportError
	return errors.As(err, &te) || errors.Is(err, ErrUpstream)
}
