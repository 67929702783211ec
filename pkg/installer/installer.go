// SPDX-License-Identifier: MPL-2.0

// Package installer materializes a lockfile into a local include tree.
//
// Each locked package is written to <dir>/<name>. A package already on disk
// whose recomputed digest matches the lock is kept; everything else is fetched,
// verified against the locked digest and extracted into a staging directory
// next to dir. Only when every package is in place does the staging directory
// replace dir. A failed or canceled install leaves dir untouched.
//
// Concurrent installs into the same directory are not supported.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/protopm/protopm/pkg/archive"
	"github.com/protopm/protopm/pkg/cache"
	"github.com/protopm/protopm/pkg/lockfile"
	"github.com/protopm/protopm/pkg/manifest"
)

// DefaultConcurrency bounds concurrent archive downloads.
const DefaultConcurrency = 8

// ErrDigestMismatch is returned when fetched content does not hash to the locked digest.
var ErrDigestMismatch = errors.New("digest mismatch")

type (
	// Registry is the subset of the registry client the installer needs.
	Registry interface {
		FetchArchive(ctx context.Context, src manifest.Source, name manifest.PackageName, version manifest.Version) (*archive.Archive, error)
	}

	// Installer writes locked packages below one directory.
	Installer struct {
		reg         Registry
		dir         string
		concurrency int
		cache       *cache.Cache
		collector   FileCollector
		logger      *log.Logger
	}

	// Option configures an Installer.
	Option func(*Installer)

	// DigestMismatchError reports content that does not match the lockfile.
	DigestMismatchError struct {
		Name     manifest.PackageName
		Version  manifest.Version
		Expected digest.Digest
		Actual   digest.Digest
	}

	// installed is a package already on disk with the locked digest.
	installed struct {
		manifestBytes []byte
		files         []archive.File
	}
)

// Error implements the error interface for DigestMismatchError.
func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch for %s@%s: lockfile has %s, registry served %s",
		e.Name, e.Version, e.Expected, e.Actual)
}

// Unwrap returns ErrDigestMismatch for errors.Is() compatibility.
func (e *DigestMismatchError) Unwrap() error { return ErrDigestMismatch }

// WithConcurrency bounds concurrent downloads.
func WithConcurrency(n int) Option {
	return func(i *Installer) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// WithCache reads archives from c before going to the registry and stores
// downloaded archives in it.
func WithCache(c *cache.Cache) Option {
	return func(i *Installer) {
		i.cache = c
	}
}

// WithCollector replaces the collector used to read installed packages.
func WithCollector(c FileCollector) Option {
	return func(i *Installer) {
		i.collector = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(i *Installer) {
		i.logger = l
	}
}

// New creates an installer writing below dir.
func New(reg Registry, dir string, opts ...Option) *Installer {
	i := &Installer{
		reg:         reg,
		dir:         dir,
		concurrency: DefaultConcurrency,
		collector:   DirCollector{},
		logger:      log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Dir returns the install directory.
func (i *Installer) Dir() string { return i.dir }

// Install materializes every package of lock and returns the package
// directories in name order. When the tree already matches the lock it
// returns without touching the registry or the filesystem.
//
// Otherwise it:
//
//  1. Keeps packages whose installed files hash to the locked digest
//  2. Takes the remaining archives from the cache or the registry, with at
//     most the configured number of fetches in flight
//  3. Rejects any archive whose digest differs from the lock (DigestMismatchError)
//  4. Builds the complete tree in a staging directory next to dir
//  5. Swaps the staging directory into place
//
// On any error or cancellation the staging directory is removed and dir is
// left as it was.
func (i *Installer) Install(ctx context.Context, lock *lockfile.Lockfile) ([]string, error) {
	paths := make([]string, 0, len(lock.Packages))
	for _, p := range lock.Packages {
		paths = append(paths, filepath.Join(i.dir, string(p.Name)))
	}
	slices.Sort(paths)

	present := make(map[manifest.PackageName]*installed, len(lock.Packages))
	var missing []*lockfile.LockedPackage
	for idx := range lock.Packages {
		p := &lock.Packages[idx]
		if inst := i.satisfied(p); inst != nil {
			present[p.Name] = inst
			continue
		}
		missing = append(missing, p)
	}

	extraneous, err := i.extraneous(lock)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 && len(extraneous) == 0 {
		i.logger.Debug("install tree up to date", "dir", i.dir, "packages", len(lock.Packages))
		return paths, nil
	}

	archives, err := i.fetch(ctx, missing)
	if err != nil {
		return nil, err
	}

	if err := i.commit(ctx, lock, present, archives); err != nil {
		return nil, err
	}
	i.logger.Info("installed packages", "dir", i.dir, "fetched", len(missing), "kept", len(present), "removed", len(extraneous))
	return paths, nil
}

// Uninstall removes the install directory.
func (i *Installer) Uninstall() error {
	if err := os.RemoveAll(i.dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", i.dir, err)
	}
	return nil
}

// satisfied returns the on-disk content of p when it hashes to the locked digest.
func (i *Installer) satisfied(p *lockfile.LockedPackage) *installed {
	pdir := filepath.Join(i.dir, string(p.Name))
	manifestBytes, err := os.ReadFile(filepath.Join(pdir, manifest.FileName))
	if err != nil {
		return nil
	}
	files, err := i.collector.Collect(pdir)
	if err != nil {
		i.logger.Debug("cannot read installed package", "package", p.Name, "error", err)
		return nil
	}
	files = slices.DeleteFunc(files, func(f archive.File) bool { return f.Path == manifest.FileName })

	d, err := archive.Digest(manifestBytes, files)
	if err != nil || d != p.Digest {
		i.logger.Debug("installed package differs from lock", "package", p.Name, "digest", d, "locked", p.Digest)
		return nil
	}
	return &installed{manifestBytes: manifestBytes, files: files}
}

// extraneous lists entries of dir that do not belong to a locked package.
func (i *Installer) extraneous(lock *lockfile.Lockfile) ([]string, error) {
	entries, err := os.ReadDir(i.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", i.dir, err)
	}
	var out []string
	for _, e := range entries {
		if _, ok := lock.Package(manifest.PackageName(e.Name())); ok && e.IsDir() {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// fetch obtains and verifies archives for pkgs concurrently. Results are
// indexed like pkgs.
func (i *Installer) fetch(ctx context.Context, pkgs []*lockfile.LockedPackage) ([]*archive.Archive, error) {
	archives := make([]*archive.Archive, len(pkgs))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(i.concurrency)

	for idx, p := range pkgs {
		eg.Go(func() error {
			a, err := i.obtain(ectx, p)
			if err != nil {
				return err
			}
			archives[idx] = a
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return archives, nil
}

func (i *Installer) obtain(ctx context.Context, p *lockfile.LockedPackage) (*archive.Archive, error) {
	if i.cache != nil {
		if a, ok := i.cache.Get(p.Digest); ok {
			if err := a.CheckIdentity(p.Name, p.Version); err == nil {
				i.logger.Debug("using cached archive", "package", p.Name, "version", p.Version)
				return a, nil
			}
		}
	}

	a, err := i.reg.FetchArchive(ctx, p.Source(), p.Name, p.Version)
	if err != nil {
		return nil, fmt.Errorf("fetching %s@%s: %w", p.Name, p.Version, err)
	}
	if err := a.CheckIdentity(p.Name, p.Version); err != nil {
		return nil, err
	}
	if a.Digest != p.Digest {
		return nil, &DigestMismatchError{Name: p.Name, Version: p.Version, Expected: p.Digest, Actual: a.Digest}
	}
	if i.cache != nil {
		if err := i.cache.Put(a); err != nil {
			i.logger.Warn("failed to cache archive", "package", p.Name, "error", err)
		}
	}
	return a, nil
}

// commit builds the complete tree in a staging directory and swaps it into place.
func (i *Installer) commit(ctx context.Context, lock *lockfile.Lockfile, present map[manifest.PackageName]*installed, archives []*archive.Archive) (err error) {
	parent := filepath.Dir(filepath.Clean(i.dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", parent, err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(i.dir)+".staging-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging)
		}
	}()

	for name, inst := range present {
		a := &archive.Archive{ManifestBytes: inst.manifestBytes, Files: inst.files}
		if err := a.Extract(filepath.Join(staging, string(name))); err != nil {
			return fmt.Errorf("failed to stage %s: %w", name, err)
		}
	}
	for _, a := range archives {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.Extract(filepath.Join(staging, string(a.Name()))); err != nil {
			return fmt.Errorf("failed to extract %s@%s: %w", a.Name(), a.Version(), err)
		}
		i.logger.Debug("extracted package", "package", a.Name(), "version", a.Version(), "digest", a.Digest)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return swap(staging, i.dir)
}

// swap replaces dir with staging. The previous tree is moved aside first and
// restored if the final rename fails.
func swap(staging, dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.Rename(staging, dir); err != nil {
			return fmt.Errorf("failed to move install tree into place: %w", err)
		}
		return nil
	}

	backup := staging + ".old"
	if err := os.Rename(dir, backup); err != nil {
		return fmt.Errorf("failed to move previous install tree: %w", err)
	}
	if err := os.Rename(staging, dir); err != nil {
		if rerr := os.Rename(backup, dir); rerr != nil {
			return errors.Join(fmt.Errorf("failed to move install tree into place: %w", err),
				fmt.Errorf("failed to restore previous tree from %s: %w", backup, rerr))
		}
		return fmt.Errorf("failed to move install tree into place: %w", err)
	}
	_ = os.RemoveAll(backup)
	return nil
}
