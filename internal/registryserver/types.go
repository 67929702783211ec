// SPDX-License-Identifier: MPL-2.0

package registryserver

import (
	"errors"
	"fmt"
	"strings"
)

// Permission levels granted to a token.
const (
	PermissionRead Permission = iota + 1
	PermissionWrite
)

var (
	// ErrInvalidAuthToken is the sentinel error wrapped by InvalidAuthTokenError.
	ErrInvalidAuthToken = errors.New("invalid auth token")

	// ErrObjectNotFound is returned by Storage.Get for missing keys.
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectExists is returned by Storage.Create when the key is taken.
	ErrObjectExists = errors.New("object already exists")
)

type (
	// AuthToken is a bearer token accepted by the server.
	AuthToken string

	// Permission is what a token may do. Write implies read.
	Permission int

	// InvalidAuthTokenError is returned when an AuthToken value is
	// empty or contains whitespace.
	InvalidAuthTokenError struct {
		Value AuthToken
	}
)

// String returns the string representation of the AuthToken.
func (t AuthToken) String() string { return string(t) }

// Validate returns nil if the token is non-empty and has no whitespace.
func (t AuthToken) Validate() error {
	if t == "" || strings.ContainsFunc(string(t), func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }) {
		return &InvalidAuthTokenError{Value: t}
	}
	return nil
}

// Error implements the error interface for InvalidAuthTokenError.
func (e *InvalidAuthTokenError) Error() string {
	return fmt.Sprintf("invalid auth token: must be non-empty without whitespace (length %d)", len(e.Value))
}

// Unwrap returns ErrInvalidAuthToken for errors.Is() compatibility.
func (e *InvalidAuthTokenError) Unwrap() error { return ErrInvalidAuthToken }

func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

// allows reports whether p covers need.
func (p Permission) allows(need Permission) bool {
	return p >= need
}
