// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/protopm/protopm/internal/config"
	"github.com/protopm/protopm/internal/issue"
	"github.com/protopm/protopm/pkg/archive"
	"github.com/protopm/protopm/pkg/installer"
	"github.com/protopm/protopm/pkg/lockfile"
	"github.com/protopm/protopm/pkg/manifest"
	"github.com/protopm/protopm/pkg/project"
	"github.com/protopm/protopm/pkg/registry"
	"github.com/protopm/protopm/pkg/resolver"
)

// classifyError maps a failure to the issue catalog. Zero means no entry fits.
// Checks run from the most specific cause outward: a frozen install wraps a
// stale lockfile, and an unresolvable requirement wraps a registry 404.
func classifyError(err error) issue.Id {
	var ae *issue.ActionableError
	if errors.As(err, &ae) && ae.Issue != 0 {
		return ae.Issue
	}

	switch {
	case errors.Is(err, project.ErrFrozenLockfile):
		return issue.LockfileFrozenId
	case errors.Is(err, installer.ErrDigestMismatch),
		errors.Is(err, archive.ErrIdentityMismatch),
		errors.Is(err, archive.ErrPathTraversal),
		errors.Is(err, archive.ErrCorruptArchive):
		return issue.IntegrityFailedId
	case errors.Is(err, resolver.ErrVersionConflict):
		return issue.VersionConflictId
	case errors.Is(err, resolver.ErrCyclicDependency):
		return issue.DependencyCycleId
	case errors.Is(err, resolver.ErrKindMismatch):
		return issue.KindMismatchId
	case errors.Is(err, resolver.ErrUnresolvableRequirement):
		return issue.UnresolvableRequirementId
	case errors.Is(err, lockfile.ErrMalformedLockfile),
		errors.Is(err, lockfile.ErrUnsupportedVersion):
		return issue.LockfileInvalidId
	case errors.Is(err, manifest.ErrMalformedManifest),
		errors.Is(err, manifest.ErrUnknownField),
		errors.Is(err, manifest.ErrKindRule),
		errors.Is(err, manifest.ErrDuplicateDependency),
		errors.Is(err, manifest.ErrInvalidPackageName),
		errors.Is(err, manifest.ErrInvalidVersion),
		errors.Is(err, manifest.ErrInvalidConstraint),
		errors.Is(err, manifest.ErrInvalidLicense):
		return issue.ManifestInvalidId
	case errors.Is(err, registry.ErrConflict):
		return issue.PublishConflictId
	case errors.Is(err, registry.ErrUnauthenticated):
		return issue.AuthenticationRequiredId
	case errors.Is(err, registry.ErrUnauthorized), errors.Is(err, fs.ErrPermission):
		return issue.PermissionDeniedId
	case errors.Is(err, registry.ErrRegistryUnavailable):
		return issue.RegistryUnavailableId
	case errors.Is(err, project.ErrNotPublishable):
		return issue.NotPublishableId
	case errors.Is(err, config.ErrInvalidConfig):
		return issue.ConfigLoadFailedId
	}
	return 0
}

// formatErrorForDisplay uses ActionableError.Format when available.
func formatErrorForDisplay(err error, verbose bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verbose)
	}
	return err.Error()
}

// renderError prints err and, when one applies, the catalog guidance.
func (a *App) renderError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("Error:"), formatErrorForDisplay(err, a.verbose()))

	id := classifyError(err)
	if id == 0 {
		return
	}
	if entry := issue.Get(id); entry != nil {
		rendered, rerr := entry.Render(a.issueStyle)
		if rerr != nil {
			a.logger.Warn("failed to render issue guidance", "issue", id, "err", rerr)
			return
		}
		fmt.Fprint(w, rendered)
	}
}

// run adapts a handler to cobra: failures are rendered here and returned as
// an ExitError so cobra and fang stay quiet.
func (a *App) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err == nil {
			return nil
		}
		a.renderError(a.stderr, err)
		cmd.SilenceErrors = true
		cmd.SilenceUsage = true
		return &ExitError{Code: 1, Err: err}
	}
}
