// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/protopm/protopm/pkg/manifest"
)

var (
	// ErrVersionConflict is returned when two requirements on one package cannot
	// be satisfied by a single version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrCyclicDependency is returned when a package transitively requires itself.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrUnresolvableRequirement is returned when no published version satisfies a constraint.
	ErrUnresolvableRequirement = errors.New("unresolvable requirement")
	// ErrKindMismatch is returned when a fetched package has a different kind than declared.
	ErrKindMismatch = errors.New("package kind mismatch")
)

type (
	// VersionConflictError names two requirements on Name that no single version,
	// source or kind satisfies.
	VersionConflictError struct {
		Name   manifest.PackageName
		A      Requirement
		B      Requirement
		Reason string
	}

	// CyclicDependencyError carries the cycle, first and last element equal.
	CyclicDependencyError struct {
		Path []manifest.PackageName
	}

	// UnresolvableRequirementError is returned when Requirement admits none of Available.
	UnresolvableRequirementError struct {
		Requirement Requirement
		Available   []manifest.Version
	}

	// KindMismatchError is returned when the published package kind differs from the declaration.
	KindMismatchError struct {
		Requirement Requirement
		Actual      manifest.PackageKind
	}
)

// Error implements the error interface for VersionConflictError.
func (e *VersionConflictError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "no version satisfies both"
	}
	return fmt.Sprintf("version conflict on %s: %s and %s: %s", e.Name, e.A, e.B, reason)
}

// Unwrap returns ErrVersionConflict for errors.Is() compatibility.
func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// Error implements the error interface for CyclicDependencyError.
func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", joinNames(e.Path))
}

// Unwrap returns ErrCyclicDependency for errors.Is() compatibility.
func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

// Error implements the error interface for UnresolvableRequirementError.
func (e *UnresolvableRequirementError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("no published version of %s satisfies %s", e.Requirement.Dependency.Name, e.Requirement)
	}
	vs := make([]string, len(e.Available))
	for i, v := range e.Available {
		vs[i] = string(v)
	}
	return fmt.Sprintf("no published version of %s satisfies %s (available: %s)",
		e.Requirement.Dependency.Name, e.Requirement, strings.Join(vs, ", "))
}

// Unwrap returns ErrUnresolvableRequirement for errors.Is() compatibility.
func (e *UnresolvableRequirementError) Unwrap() error { return ErrUnresolvableRequirement }

// Error implements the error interface for KindMismatchError.
func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("%s is declared as %s but the registry package is %s",
		e.Requirement, e.Requirement.Dependency.Kind, e.Actual)
}

// Unwrap returns ErrKindMismatch for errors.Is() compatibility.
func (e *KindMismatchError) Unwrap() error { return ErrKindMismatch }

func joinNames(names []manifest.PackageName) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, " -> ")
}
