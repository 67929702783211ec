// SPDX-License-Identifier: MPL-2.0

// Package lockfile persists a resolved dependency graph as Proto.lock.
//
// The file is TOML with one [[packages]] table per resolved package, sorted by
// name, and carries no timestamps: its bytes are a pure function of the graph.
package lockfile

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
	packageurl "github.com/package-url/packageurl-go"
	"github.com/pelletier/go-toml/v2"

	"github.com/protopm/protopm/pkg/manifest"
	"github.com/protopm/protopm/pkg/resolver"
)

const (
	// FileName is the lockfile name next to Proto.toml.
	FileName = "Proto.lock"
	// CurrentVersion is the format version this package reads and writes.
	CurrentVersion = 1
)

var (
	// ErrMalformedLockfile is returned for lockfiles that cannot be decoded or fail validation.
	ErrMalformedLockfile = errors.New("malformed lockfile")
	// ErrUnsupportedVersion is returned for lockfiles written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported lockfile version")
	// ErrStale is returned when the lockfile no longer matches the manifest or graph.
	ErrStale = errors.New("lockfile is stale")
)

type (
	// Lockfile is the persisted resolution result.
	Lockfile struct {
		Version  int             `toml:"version"`
		Packages []LockedPackage `toml:"packages"`
	}

	// LockedPackage is the snapshot of one resolved node.
	LockedPackage struct {
		Name         manifest.PackageName   `toml:"name"`
		Kind         manifest.PackageKind   `toml:"kind"`
		Version      manifest.Version       `toml:"version"`
		Digest       digest.Digest          `toml:"digest"`
		Registry     string                 `toml:"registry"`
		Repository   manifest.Repository    `toml:"repository"`
		Dependencies []manifest.PackageName `toml:"dependencies"`
		Dependents   []manifest.PackageName `toml:"dependents"`
	}

	// MalformedLockfileError wraps a decode or validation failure.
	MalformedLockfileError struct {
		Err error
	}

	// UnsupportedVersionError carries the version found in the file.
	UnsupportedVersionError struct {
		Version int
	}

	// StaleError explains why a lockfile must be regenerated.
	StaleError struct {
		Reason string
	}

	header struct {
		Version int `toml:"version"`
	}
)

// Error implements the error interface for MalformedLockfileError.
func (e *MalformedLockfileError) Error() string {
	return fmt.Sprintf("malformed lockfile: %v", e.Err)
}

// Unwrap exposes ErrMalformedLockfile and the underlying error.
func (e *MalformedLockfileError) Unwrap() []error {
	return []error{ErrMalformedLockfile, e.Err}
}

// Error implements the error interface for UnsupportedVersionError.
func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("lockfile version %d is not supported (this protopm reads version %d); upgrade protopm",
		e.Version, CurrentVersion)
}

// Unwrap returns ErrUnsupportedVersion for errors.Is() compatibility.
func (e *UnsupportedVersionError) Unwrap() error { return ErrUnsupportedVersion }

// Error implements the error interface for StaleError.
func (e *StaleError) Error() string {
	return "lockfile is stale: " + e.Reason
}

// Unwrap returns ErrStale for errors.Is() compatibility.
func (e *StaleError) Unwrap() error { return ErrStale }

func stale(format string, args ...any) error {
	return &StaleError{Reason: fmt.Sprintf(format, args...)}
}

// FromGraph snapshots a resolved graph.
func FromGraph(g *resolver.Graph) *Lockfile {
	l := &Lockfile{Version: CurrentVersion, Packages: make([]LockedPackage, 0, g.Len())}
	for _, n := range g.Nodes() {
		l.Packages = append(l.Packages, LockedPackage{
			Name:         n.Name,
			Kind:         n.Kind,
			Version:      n.Version,
			Digest:       n.Digest,
			Registry:     n.Source.URL,
			Repository:   n.Source.Repository,
			Dependencies: cloneNames(n.Dependencies),
			Dependents:   cloneNames(n.Dependents),
		})
	}
	return l
}

// Parse decodes a lockfile. The format version is read first so that files
// from newer releases fail with UnsupportedVersionError rather than a decode error.
func Parse(data []byte) (*Lockfile, error) {
	var h header
	if err := toml.Unmarshal(data, &h); err != nil {
		return nil, &MalformedLockfileError{Err: err}
	}
	switch {
	case h.Version > CurrentVersion:
		return nil, &UnsupportedVersionError{Version: h.Version}
	case h.Version < 1:
		return nil, &MalformedLockfileError{Err: fmt.Errorf("missing or invalid version %d", h.Version)}
	}

	var l Lockfile
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		return nil, &MalformedLockfileError{Err: err}
	}
	l.normalize()
	if err := l.Validate(); err != nil {
		return nil, &MalformedLockfileError{Err: err}
	}
	return &l, nil
}

// Load reads the lockfile at path. A missing file satisfies errors.Is(err, os.ErrNotExist).
func Load(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lockfile: %w", err)
	}
	l, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

// Marshal renders the lockfile in canonical form.
func (l *Lockfile) Marshal() ([]byte, error) {
	c := l.clone()
	c.normalize()
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(false)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode lockfile: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes the lockfile to path atomically.
func (l *Lockfile) Save(path string) error {
	f, err := l.Stage(path)
	if err != nil {
		return err
	}
	return f.Commit()
}

// Stage validates and writes the lockfile next to path without replacing it,
// so callers can commit it together with other changes.
func (l *Lockfile) Stage(path string) (*manifest.StagedFile, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	data, err := l.Marshal()
	if err != nil {
		return nil, err
	}
	return manifest.StageFile(path, data)
}

// Validate checks every entry. Problems are reported together.
func (l *Lockfile) Validate() error {
	var errs []error
	if l.Version != CurrentVersion {
		errs = append(errs, fmt.Errorf("version %d, want %d", l.Version, CurrentVersion))
	}
	seen := make(map[manifest.PackageName]bool, len(l.Packages))
	for i, p := range l.Packages {
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("packages[%d]: duplicate package %q", i, p.Name))
		}
		seen[p.Name] = true
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("packages[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Package returns the entry for name.
func (l *Lockfile) Package(name manifest.PackageName) (*LockedPackage, bool) {
	i, found := slices.BinarySearchFunc(l.Packages, name, func(p LockedPackage, n manifest.PackageName) int {
		return cmp.Compare(p.Name, n)
	})
	if !found {
		// Entries built by hand may not be sorted yet.
		i = slices.IndexFunc(l.Packages, func(p LockedPackage) bool { return p.Name == name })
		if i < 0 {
			return nil, false
		}
	}
	return &l.Packages[i], true
}

// Verify reports ErrStale when the lockfile differs from the snapshot of g.
func Verify(l *Lockfile, g *resolver.Graph) error {
	want := FromGraph(g)
	if len(l.Packages) != len(want.Packages) {
		return stale("locked %d packages, resolved %d", len(l.Packages), len(want.Packages))
	}
	for _, w := range want.Packages {
		got, ok := l.Package(w.Name)
		switch {
		case !ok:
			return stale("%s is not locked", w.Name)
		case got.Version != w.Version:
			return stale("%s locked at %s, resolved %s", w.Name, got.Version, w.Version)
		case got.Digest != w.Digest:
			return stale("%s digest changed from %s to %s", w.Name, got.Digest, w.Digest)
		case got.Source() != w.Source():
			return stale("%s source changed from %s to %s", w.Name, got.Source(), w.Source())
		case got.Kind != w.Kind:
			return stale("%s kind changed from %s to %s", w.Name, got.Kind, w.Kind)
		case !slices.Equal(sortedNames(got.Dependencies), w.Dependencies):
			return stale("%s dependencies changed", w.Name)
		}
	}
	return nil
}

// CheckFresh reports ErrStale when the locked versions no longer satisfy the
// direct requirements of m, or the locked graph is not exactly the closure of
// those requirements.
func (l *Lockfile) CheckFresh(m *manifest.Manifest, defaultRegistry string) error {
	var queue []manifest.PackageName
	for _, d := range m.Dependencies {
		p, ok := l.Package(d.Name)
		switch {
		case !ok:
			return stale("%s is not locked", d.Name)
		case p.Kind != d.Kind:
			return stale("%s is locked as %s but declared as %s", d.Name, p.Kind, d.Kind)
		case p.Source() != d.Source(defaultRegistry):
			return stale("%s is locked from %s but declared from %s", d.Name, p.Source(), d.Source(defaultRegistry))
		case !d.Version.Allows(p.Version):
			return stale("%s is locked at %s which does not satisfy %s", d.Name, p.Version, d.Version)
		}
		queue = append(queue, d.Name)
	}

	reached := make(map[manifest.PackageName]bool, len(l.Packages))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if reached[name] {
			continue
		}
		p, ok := l.Package(name)
		if !ok {
			return stale("%s is required but not locked", name)
		}
		reached[name] = true
		queue = append(queue, p.Dependencies...)
	}
	if len(reached) != len(l.Packages) {
		var unused []string
		for _, p := range l.Packages {
			if !reached[p.Name] {
				unused = append(unused, string(p.Name))
			}
		}
		return stale("no longer required: %s", strings.Join(unused, ", "))
	}
	return nil
}

// Source returns the registry reference of the package.
func (p *LockedPackage) Source() manifest.Source {
	return manifest.Source{URL: p.Registry, Repository: p.Repository}
}

// Validate checks the fields of one entry.
func (p *LockedPackage) Validate() error {
	var errs []error
	if err := p.Name.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("name: %w", err))
	}
	if err := p.Kind.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kind: %w", err))
	}
	if err := p.Version.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("version: %w", err))
	}
	if err := p.Digest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("digest: %w", err))
	}
	if err := manifest.ValidateRegistry(p.Registry); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}
	if err := p.Repository.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("repository: %w", err))
	}
	return errors.Join(errs...)
}

// PURL renders the entry as a package URL,
// pkg:generic/<name>@<version>?checksum=<digest>&repository_url=<registry>/<repository>.
func (p *LockedPackage) PURL() string {
	u := packageurl.PackageURL{
		Type:    "generic",
		Name:    string(p.Name),
		Version: string(p.Version),
		Qualifiers: packageurl.QualifiersFromMap(map[string]string{
			"checksum":       p.Digest.String(),
			"repository_url": p.Source().String(),
		}),
	}
	return u.ToString()
}

func (l *Lockfile) normalize() {
	for i := range l.Packages {
		l.Packages[i].Dependencies = sortedNames(l.Packages[i].Dependencies)
		l.Packages[i].Dependents = sortedNames(l.Packages[i].Dependents)
	}
	slices.SortFunc(l.Packages, func(a, b LockedPackage) int { return cmp.Compare(a.Name, b.Name) })
}

func (l *Lockfile) clone() *Lockfile {
	c := &Lockfile{Version: l.Version, Packages: slices.Clone(l.Packages)}
	for i := range c.Packages {
		c.Packages[i].Dependencies = cloneNames(c.Packages[i].Dependencies)
		c.Packages[i].Dependents = cloneNames(c.Packages[i].Dependents)
	}
	return c
}

// cloneNames copies names into a non-nil slice so empty lists encode as [].
func cloneNames(names []manifest.PackageName) []manifest.PackageName {
	out := make([]manifest.PackageName, len(names))
	copy(out, names)
	return out
}

func sortedNames(names []manifest.PackageName) []manifest.PackageName {
	out := cloneNames(names)
	slices.Sort(out)
	return slices.Compact(out)
}
