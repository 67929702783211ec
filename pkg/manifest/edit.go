// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var (
	// ErrDependencyNotFound is returned when removing a dependency that is not declared.
	ErrDependencyNotFound = errors.New("dependency not found")
	// ErrInvalidDependencySpec is returned for malformed "<repository>/<package>@<constraint>" strings.
	ErrInvalidDependencySpec = errors.New("invalid dependency specification")
)

// Load reads and parses the manifest at path.
// A missing file yields an error satisfying errors.Is(err, os.ErrNotExist).
func Load(path string, opts ...ParseOption) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := Parse(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Save validates the manifest and writes it to path atomically.
func (m *Manifest) Save(path string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// StagedFile is file content written next to its destination but not yet
// visible under the destination name.
type StagedFile struct {
	path string
	tmp  string
}

// WriteFileAtomic writes data next to path and renames it into place,
// so readers never observe a partially written file.
func WriteFileAtomic(path string, data []byte) error {
	f, err := StageFile(path, data)
	if err != nil {
		return err
	}
	return f.Commit()
}

// StageFile writes data to a temporary file in the directory of path. The
// destination is untouched until Commit; Discard removes the temporary file.
// Staging surfaces write errors (full disk, permissions) before the caller
// mutates anything else, leaving only a same-directory rename for Commit.
func StageFile(path string, data []byte) (*StagedFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	f := &StagedFile{path: path, tmp: tmp.Name()}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		f.Discard()
		return nil, fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		f.Discard()
		return nil, fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(f.tmp, 0o644); err != nil {
		f.Discard()
		return nil, fmt.Errorf("failed to set permissions: %w", err)
	}
	return f, nil
}

// Path returns the destination path.
func (f *StagedFile) Path() string { return f.path }

// Commit renames the staged content into place.
func (f *StagedFile) Commit() error {
	if err := os.Rename(f.tmp, f.path); err != nil {
		f.Discard()
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(f.path), err)
	}
	return nil
}

// Discard removes the staged content. It is a no-op after Commit.
func (f *StagedFile) Discard() {
	_ = os.Remove(f.tmp)
}

// AddDependency declares dep, replacing an existing declaration with the same
// name in place. The manifest is left unchanged when the result would be invalid.
func (m *Manifest) AddDependency(dep Dependency) error {
	if dep.Kind == "" {
		dep.Kind = KindLib
	}
	if err := dep.Validate(); err != nil {
		return err
	}
	if err := m.checkKindRule(dep); err != nil {
		return err
	}

	idx := slices.IndexFunc(m.Dependencies, func(d Dependency) bool { return d.Name == dep.Name })
	if idx >= 0 {
		m.Dependencies[idx] = dep
		return nil
	}
	m.Dependencies = append(m.Dependencies, dep)
	return nil
}

// RemoveDependency removes the declaration for name and returns it.
func (m *Manifest) RemoveDependency(name PackageName) (Dependency, error) {
	idx := slices.IndexFunc(m.Dependencies, func(d Dependency) bool { return d.Name == name })
	if idx < 0 {
		return Dependency{}, fmt.Errorf("%w: %q", ErrDependencyNotFound, name)
	}
	removed := m.Dependencies[idx]
	m.Dependencies = slices.Delete(m.Dependencies, idx, idx+1)
	return removed, nil
}

// ParseDependencySpec parses the command-line form "<repository>/<package>@<constraint>".
func ParseDependencySpec(spec string) (Dependency, error) {
	repo, rest, ok := strings.Cut(strings.TrimSpace(spec), "/")
	if !ok || repo == "" {
		return Dependency{}, fmt.Errorf("%w %q: expected <repository>/<package>@<version>", ErrInvalidDependencySpec, spec)
	}
	name, constraint, ok := strings.Cut(rest, "@")
	if !ok || name == "" || constraint == "" {
		return Dependency{}, fmt.Errorf("%w %q: expected <repository>/<package>@<version>", ErrInvalidDependencySpec, spec)
	}

	dep := Dependency{
		Name:       PackageName(name),
		Kind:       KindLib,
		Repository: Repository(repo),
		Version:    Constraint(constraint),
	}
	if err := dep.Validate(); err != nil {
		return Dependency{}, fmt.Errorf("%w %q: %w", ErrInvalidDependencySpec, spec, err)
	}
	return dep, nil
}
