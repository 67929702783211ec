// SPDX-License-Identifier: MPL-2.0

package registryserver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/protopm/protopm/pkg/manifest"
)

const (
	archiveExt  = ".tgz"
	manifestExt = ".toml"
)

type (
	// Storage holds registry objects under slash-separated keys.
	// Keys have the form <repository>/<name>/<version><ext>.
	Storage interface {
		// Get returns the object at key or ErrObjectNotFound.
		Get(ctx context.Context, key string) ([]byte, error)
		// Create stores data at key unless the key exists, in which case it
		// returns ErrObjectExists and leaves the stored object untouched.
		Create(ctx context.Context, key string, data []byte) error
		// List returns the base names of the objects directly under dir.
		// A missing dir lists as empty.
		List(ctx context.Context, dir string) ([]string, error)
	}

	// FSStorage keeps objects as files below Root.
	FSStorage struct {
		Root string
	}
)

func packageDir(repo manifest.Repository, name manifest.PackageName) string {
	return path.Join(string(repo), string(name))
}

func archiveKey(repo manifest.Repository, name manifest.PackageName, version manifest.Version) string {
	return path.Join(packageDir(repo, name), string(version)+archiveExt)
}

func manifestKey(repo manifest.Repository, name manifest.PackageName, version manifest.Version) string {
	return path.Join(packageDir(repo, name), string(version)+manifestExt)
}

// NewFSStorage returns a storage rooted at dir, creating it if needed.
func NewFSStorage(dir string) (*FSStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FSStorage{Root: dir}, nil
}

// Get implements Storage.
func (s *FSStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return data, err
}

// Create implements Storage. The object is written to a temporary file and
// hard-linked into place, so readers never observe a partial object and a
// concurrent Create of the same key fails with ErrObjectExists.
func (s *FSStorage) Create(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", key, err)
	}

	if err := os.Link(tmpName, p); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", key, ErrObjectExists)
		}
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

// List implements Storage. Temporary upload files are skipped.
func (s *FSStorage) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// path maps a key below Root, rejecting keys that would leave it.
func (s *FSStorage) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || clean != "/"+strings.TrimSuffix(key, "/") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.Root, filepath.FromSlash(clean[1:])), nil
}
