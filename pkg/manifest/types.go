// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/github/go-spdx/v2/spdxexp"
)

const (
	// KindLib is a library package: reusable definitions with no service surface.
	KindLib PackageKind = "lib"
	// KindAPI is an api package: service definitions built on libraries.
	KindAPI PackageKind = "api"

	// MinNameLength is the shortest accepted package name.
	MinNameLength = 2
	// MaxNameLength is the longest accepted package name.
	MaxNameLength = 128
)

var (
	// ErrInvalidPackageName is the sentinel error wrapped by InvalidPackageNameError.
	ErrInvalidPackageName = errors.New("invalid package name")
	// ErrInvalidPackageKind is the sentinel error wrapped by InvalidPackageKindError.
	ErrInvalidPackageKind = errors.New("invalid package kind")
	// ErrInvalidVersion is the sentinel error wrapped by InvalidVersionError.
	ErrInvalidVersion = errors.New("invalid version")
	// ErrInvalidConstraint is the sentinel error wrapped by InvalidConstraintError.
	ErrInvalidConstraint = errors.New("invalid version constraint")
	// ErrInvalidRepository is returned when a repository is not lower-kebab-case.
	ErrInvalidRepository = errors.New("invalid repository")
	// ErrInvalidRegistry is returned when a registry reference is not an http(s) URL.
	ErrInvalidRegistry = errors.New("invalid registry url")
	// ErrInvalidLicense is returned when a license is not a valid SPDX expression.
	ErrInvalidLicense = errors.New("invalid license expression")

	namePattern       = regexp.MustCompile(`^[a-z][a-z0-9-]*(\.[a-z][a-z0-9-]*)*$`)
	repositoryPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

type (
	// PackageName is the namespaced, registry-unique name of a package.
	// Segments are separated by dots, e.g. "physics" or "acme.units".
	PackageName string

	// PackageKind is the closed set of package kinds: KindLib or KindAPI.
	PackageKind string

	// Version is a concrete semantic version (major.minor.patch[-pre][+build]).
	Version string

	// Constraint is a semantic version constraint such as "^1.2", "~1.2.3",
	// ">=1.0.0, <2.0.0" or an exact version.
	Constraint string

	// Repository is the registry repository a package is published to.
	Repository string

	// PackageID identifies a package: its name plus its kind.
	PackageID struct {
		Name PackageName
		Kind PackageKind
	}

	// InvalidPackageNameError is returned when a PackageName fails validation.
	InvalidPackageNameError struct {
		Value  PackageName
		Reason string
	}

	// InvalidPackageKindError is returned when a PackageKind is not lib or api.
	InvalidPackageKindError struct {
		Value PackageKind
	}

	// InvalidVersionError is returned when a Version is not a semantic version.
	InvalidVersionError struct {
		Value Version
		Err   error
	}

	// InvalidConstraintError is returned when a Constraint cannot be parsed.
	InvalidConstraintError struct {
		Value Constraint
		Err   error
	}
)

// String returns the string representation of the PackageName.
func (n PackageName) String() string { return string(n) }

// Validate returns nil if the name matches the package name charset and length bounds.
func (n PackageName) Validate() error {
	switch {
	case len(n) < MinNameLength:
		return &InvalidPackageNameError{Value: n, Reason: fmt.Sprintf("must be at least %d characters", MinNameLength)}
	case len(n) > MaxNameLength:
		return &InvalidPackageNameError{Value: n, Reason: fmt.Sprintf("must be at most %d characters", MaxNameLength)}
	case !namePattern.MatchString(string(n)):
		return &InvalidPackageNameError{Value: n, Reason: "must be lowercase dot-separated segments of [a-z0-9-] starting with a letter"}
	}
	return nil
}

// Error implements the error interface for InvalidPackageNameError.
func (e *InvalidPackageNameError) Error() string {
	return fmt.Sprintf("invalid package name %q: %s", e.Value, e.Reason)
}

// Unwrap returns ErrInvalidPackageName for errors.Is() compatibility.
func (e *InvalidPackageNameError) Unwrap() error { return ErrInvalidPackageName }

// String returns the string representation of the PackageKind.
func (k PackageKind) String() string { return string(k) }

// Validate returns nil if the kind is KindLib or KindAPI.
func (k PackageKind) Validate() error {
	switch k {
	case KindLib, KindAPI:
		return nil
	default:
		return &InvalidPackageKindError{Value: k}
	}
}

// MayDependOn reports whether a package of kind k may declare a dependency on
// a package of kind dep. An api may depend on anything; a lib only on libs.
func (k PackageKind) MayDependOn(dep PackageKind) bool {
	switch k {
	case KindAPI:
		return true
	case KindLib:
		return dep == KindLib
	default:
		return false
	}
}

// Error implements the error interface for InvalidPackageKindError.
func (e *InvalidPackageKindError) Error() string {
	return fmt.Sprintf("invalid package kind %q (must be %q or %q)", e.Value, KindLib, KindAPI)
}

// Unwrap returns ErrInvalidPackageKind for errors.Is() compatibility.
func (e *InvalidPackageKindError) Unwrap() error { return ErrInvalidPackageKind }

// String returns the string representation of the Version.
func (v Version) String() string { return string(v) }

// Semver parses the version. Only full major.minor.patch versions are accepted.
func (v Version) Semver() (*semver.Version, error) {
	sv, err := semver.StrictNewVersion(string(v))
	if err != nil {
		return nil, &InvalidVersionError{Value: v, Err: err}
	}
	return sv, nil
}

// Validate returns nil if the version is a valid semantic version.
func (v Version) Validate() error {
	_, err := v.Semver()
	return err
}

// Error implements the error interface for InvalidVersionError.
func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid version %q: %v", e.Value, e.Err)
}

// Unwrap returns ErrInvalidVersion for errors.Is() compatibility.
func (e *InvalidVersionError) Unwrap() error { return ErrInvalidVersion }

// String returns the string representation of the Constraint.
func (c Constraint) String() string { return string(c) }

// Parse compiles the constraint.
func (c Constraint) Parse() (*semver.Constraints, error) {
	if c == "" {
		return nil, &InvalidConstraintError{Value: c, Err: errors.New("must not be empty")}
	}
	sc, err := semver.NewConstraint(string(c))
	if err != nil {
		return nil, &InvalidConstraintError{Value: c, Err: err}
	}
	return sc, nil
}

// Validate returns nil if the constraint parses.
func (c Constraint) Validate() error {
	_, err := c.Parse()
	return err
}

// Allows reports whether version v satisfies the constraint. Unparseable
// input on either side never satisfies.
func (c Constraint) Allows(v Version) bool {
	sc, err := c.Parse()
	if err != nil {
		return false
	}
	sv, err := v.Semver()
	if err != nil {
		return false
	}
	return sc.Check(sv)
}

// Error implements the error interface for InvalidConstraintError.
func (e *InvalidConstraintError) Error() string {
	return fmt.Sprintf("invalid version constraint %q: %v", e.Value, e.Err)
}

// Unwrap returns ErrInvalidConstraint for errors.Is() compatibility.
func (e *InvalidConstraintError) Unwrap() error { return ErrInvalidConstraint }

// String returns the string representation of the Repository.
func (r Repository) String() string { return string(r) }

// Validate returns nil if the repository is lower-kebab-case.
func (r Repository) Validate() error {
	if !repositoryPattern.MatchString(string(r)) {
		return fmt.Errorf("%w %q: must be lower-kebab-case", ErrInvalidRepository, r)
	}
	return nil
}

// String renders the identity as "name (kind)".
func (id PackageID) String() string {
	return fmt.Sprintf("%s (%s)", id.Name, id.Kind)
}

// ValidateRegistry checks that a registry reference is an absolute http(s) URL.
func ValidateRegistry(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidRegistry, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w %q: must be an absolute http(s) URL", ErrInvalidRegistry, raw)
	}
	return nil
}

// ValidateLicense checks that expr is a valid SPDX license expression.
func ValidateLicense(expr string) error {
	valid, invalid := spdxexp.ValidateLicenses([]string{expr})
	if !valid {
		return fmt.Errorf("%w %q: unknown identifiers %v", ErrInvalidLicense, expr, invalid)
	}
	return nil
}
