// SPDX-License-Identifier: MPL-2.0

// Package cache is a content-addressed store of package archives on local disk.
//
// Entries live at <dir>/archives/<algorithm>/<hex>.tgz and are keyed by the
// canonical archive digest. Every read re-verifies the digest; an entry that
// fails verification is discarded and reported as a miss.
package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"

	"github.com/protopm/protopm/pkg/archive"
	"github.com/protopm/protopm/pkg/manifest"
)

const (
	// DirEnv overrides the default cache directory.
	DirEnv = "PROTOPM_CACHE"

	archivesDir = "archives"
)

type (
	// Cache stores verified archives by digest.
	Cache struct {
		dir    string
		logger *log.Logger
	}

	// Option configures a Cache.
	Option func(*Cache)
)

// WithLogger sets the logger used to report discarded entries.
func WithLogger(l *log.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// New returns a cache rooted at dir. The directory is created lazily.
func New(dir string, opts ...Option) *Cache {
	c := &Cache{dir: dir, logger: log.New(io.Discard)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultDir returns the cache directory: $PROTOPM_CACHE when set,
// otherwise <user cache dir>/protopm.
func DefaultDir() (string, error) {
	return DefaultDirWith(os.Getenv)
}

// DefaultDirWith resolves the default directory using the provided getenv function.
func DefaultDirWith(getenv func(string) string) (string, error) {
	if env := getenv(DirEnv); env != "" {
		return env, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache directory: %w", err)
	}
	return filepath.Join(base, "protopm"), nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// Path returns the file an archive with digest d is stored at.
func (c *Cache) Path(d digest.Digest) string {
	return filepath.Join(c.dir, archivesDir, string(d.Algorithm()), d.Encoded()+".tgz")
}

// Get returns the archive stored under d. The second result is false on a miss,
// including when the stored bytes no longer match d.
func (c *Cache) Get(d digest.Digest) (*archive.Archive, bool) {
	if err := d.Validate(); err != nil {
		return nil, false
	}
	path := c.Path(d)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("cache read failed", "digest", d, "error", err)
		}
		return nil, false
	}

	a, err := archive.Unpack(data)
	if err != nil || a.Digest != d {
		c.logger.Warn("discarding corrupt cache entry", "digest", d, "path", path)
		_ = os.Remove(path)
		return nil, false
	}
	return a, true
}

// Put stores an archive under its digest. Existing entries are left untouched.
func (c *Cache) Put(a *archive.Archive) error {
	if err := a.Digest.Validate(); err != nil {
		return fmt.Errorf("invalid archive digest: %w", err)
	}
	path := c.Path(a.Digest)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := manifest.WriteFileAtomic(path, a.Data); err != nil {
		return fmt.Errorf("failed to cache %s: %w", a.Digest, err)
	}
	c.logger.Debug("cached archive", "package", a.Name(), "version", a.Version(), "digest", a.Digest)
	return nil
}
