// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

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

func TestClassifyError(t *testing.T) {
	t.Parallel()

	wrap := func(err error) error { return fmt.Errorf("install: %w", err) }
	tests := []struct {
		name string
		err  error
		want issue.Id
	}{
		{name: "frozen wins over stale", err: &project.FrozenLockfileError{Err: lockfile.ErrStale}, want: issue.LockfileFrozenId},
		{name: "digest mismatch", err: wrap(installer.ErrDigestMismatch), want: issue.IntegrityFailedId},
		{name: "path traversal", err: wrap(archive.ErrPathTraversal), want: issue.IntegrityFailedId},
		{name: "conflict", err: wrap(resolver.ErrVersionConflict), want: issue.VersionConflictId},
		{name: "cycle", err: wrap(resolver.ErrCyclicDependency), want: issue.DependencyCycleId},
		{name: "unresolvable wraps not found", err: wrap(errors.Join(resolver.ErrUnresolvableRequirement, registry.ErrNotFound)), want: issue.UnresolvableRequirementId},
		{name: "kind mismatch", err: wrap(resolver.ErrKindMismatch), want: issue.KindMismatchId},
		{name: "malformed lockfile", err: wrap(lockfile.ErrMalformedLockfile), want: issue.LockfileInvalidId},
		{name: "unknown manifest field", err: wrap(manifest.ErrUnknownField), want: issue.ManifestInvalidId},
		{name: "publish conflict", err: wrap(registry.ErrConflict), want: issue.PublishConflictId},
		{name: "no credential", err: wrap(registry.ErrUnauthenticated), want: issue.AuthenticationRequiredId},
		{name: "rejected credential", err: wrap(registry.ErrUnauthorized), want: issue.PermissionDeniedId},
		{name: "filesystem permission", err: wrap(fs.ErrPermission), want: issue.PermissionDeniedId},
		{name: "unavailable", err: wrap(registry.ErrRegistryUnavailable), want: issue.RegistryUnavailableId},
		{name: "not publishable", err: wrap(project.ErrNotPublishable), want: issue.NotPublishableId},
		{name: "config", err: wrap(config.ErrInvalidConfig), want: issue.ConfigLoadFailedId},
		{
			name: "explicit issue",
			err:  issue.NewErrorContext().WithOperation("open project").WithIssue(issue.ManifestNotFoundId).Wrap(fs.ErrNotExist).BuildError(),
			want: issue.ManifestNotFoundId,
		},
		{name: "unclassified", err: errors.New("boom"), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRenderError(t *testing.T) {
	t.Parallel()

	app := NewApp(Dependencies{IssueStyle: "notty"})
	var buf bytes.Buffer
	app.renderError(&buf, fmt.Errorf("publish: %w", registry.ErrConflict))

	out := buf.String()
	if !strings.Contains(out, "Error:") || !strings.Contains(out, "version already published") {
		t.Errorf("missing error line:\n%s", out)
	}
	if !strings.Contains(out, "Version already published") {
		t.Errorf("missing issue guidance:\n%s", out)
	}

	buf.Reset()
	app.renderError(&buf, errors.New("plain failure"))
	if strings.Count(buf.String(), "\n") != 1 {
		t.Errorf("unclassified errors render one line, got:\n%s", buf.String())
	}
}
