// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"errors"
	"fmt"

	"github.com/protopm/protopm/pkg/manifest"
)

var (
	// ErrCorruptArchive is the sentinel error wrapped by CorruptArchiveError.
	ErrCorruptArchive = errors.New("corrupt archive")
	// ErrPathTraversal is the sentinel error wrapped by PathTraversalError.
	ErrPathTraversal = errors.New("archive entry escapes target directory")
	// ErrIdentityMismatch is the sentinel error wrapped by IdentityMismatchError.
	ErrIdentityMismatch = errors.New("archive identity mismatch")
	// ErrMissingPackage is returned when packing a manifest without a [package] section.
	ErrMissingPackage = errors.New("manifest does not declare a package")
)

type (
	// CorruptArchiveError describes a structurally invalid archive.
	CorruptArchiveError struct {
		Reason string
		Err    error
	}

	// PathTraversalError is returned for entries whose path is absolute,
	// contains ".." segments, backslashes, or is otherwise not a clean relative path.
	PathTraversalError struct {
		Path string
	}

	// IdentityMismatchError is returned when the embedded manifest does not
	// describe the package and version the archive was fetched as.
	IdentityMismatchError struct {
		ExpectedName    manifest.PackageName
		ExpectedVersion manifest.Version
		ActualName      manifest.PackageName
		ActualVersion   manifest.Version
	}
)

// Error implements the error interface for CorruptArchiveError.
func (e *CorruptArchiveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt archive: %s: %v", e.Reason, e.Err)
	}
	return "corrupt archive: " + e.Reason
}

// Unwrap exposes ErrCorruptArchive and the underlying cause.
func (e *CorruptArchiveError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorruptArchive}
	}
	return []error{ErrCorruptArchive, e.Err}
}

// Error implements the error interface for PathTraversalError.
func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("archive entry %q escapes target directory", e.Path)
}

// Unwrap returns ErrPathTraversal for errors.Is() compatibility.
func (e *PathTraversalError) Unwrap() error { return ErrPathTraversal }

// Error implements the error interface for IdentityMismatchError.
func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("archive fetched as %s@%s contains %s@%s",
		e.ExpectedName, e.ExpectedVersion, e.ActualName, e.ActualVersion)
}

// Unwrap returns ErrIdentityMismatch for errors.Is() compatibility.
func (e *IdentityMismatchError) Unwrap() error { return ErrIdentityMismatch }

func corrupt(reason string, err error) error {
	return &CorruptArchiveError{Reason: reason, Err: err}
}
