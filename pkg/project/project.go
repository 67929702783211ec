// SPDX-License-Identifier: MPL-2.0

// Package project implements the workspace operations behind the protopm
// commands: editing Proto.toml, locking, installing, packaging and publishing.
//
// A project is a directory holding Proto.toml, an optional Proto.lock and a
// proto/ tree. Installed dependencies live below proto/vendor by default.
package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/protopm/protopm/pkg/archive"
	"github.com/protopm/protopm/pkg/cache"
	"github.com/protopm/protopm/pkg/credentials"
	"github.com/protopm/protopm/pkg/installer"
	"github.com/protopm/protopm/pkg/lockfile"
	"github.com/protopm/protopm/pkg/manifest"
	"github.com/protopm/protopm/pkg/resolver"
)

const (
	// ProtoDir holds the package's own schema files.
	ProtoDir = "proto"
	// DefaultInstallDir is where dependencies are installed, relative to the project.
	DefaultInstallDir = "proto/vendor"
)

var (
	// ErrAlreadyInitialized is returned by Init when Proto.toml already exists.
	ErrAlreadyInitialized = errors.New("project already initialized")
	// ErrNotPublishable is returned when packaging a manifest without a [package] section.
	ErrNotPublishable = errors.New("manifest declares no package")
	// ErrPartialInstall is returned when the install tree was replaced but
	// the new lockfile could not be committed.
	ErrPartialInstall = errors.New("partial install")
	// ErrFrozenLockfile is returned by a frozen install that would have to re-resolve.
	ErrFrozenLockfile = errors.New("lockfile must be updated but install is frozen")
	// ErrNoRegistry is returned when an operation needs a registry URL and none is configured.
	ErrNoRegistry = errors.New("no registry configured")
)

type (
	// Registry is the registry client surface the project operations use.
	Registry interface {
		resolver.Registry
		Publish(ctx context.Context, src manifest.Source, a *archive.Archive) error
	}

	// Project runs operations against one project directory.
	Project struct {
		dir               string
		reg               Registry
		creds             credentials.Store
		defaultRegistry   string
		defaultRepository manifest.Repository
		installDir        string
		concurrency       int
		cache             *cache.Cache
		collector         installer.FileCollector
		logger            *log.Logger
	}

	// Option configures a Project.
	Option func(*Project)

	// InitOptions describes a new project. An empty Kind creates a
	// consumer-only manifest without a [package] section.
	InitOptions struct {
		Dir     string
		Kind    manifest.PackageKind
		Name    manifest.PackageName
		Version manifest.Version
	}

	// AddOptions adjusts a dependency parsed from the command line.
	AddOptions struct {
		// Kind defaults to lib.
		Kind manifest.PackageKind
		// Registry overrides the configured default registry for this dependency.
		Registry string
	}

	// InstallResult describes a completed install.
	InstallResult struct {
		Lockfile *lockfile.Lockfile
		// Relocked is true when the lockfile was (re)written.
		Relocked bool
		// Paths are the installed package directories.
		Paths []string
	}

	// FrozenLockfileError explains why a frozen install could not proceed.
	FrozenLockfileError struct {
		Err error
	}

	// PartialInstallError reports an install tree that was committed while
	// the matching lockfile could not be written. Re-running install repairs it.
	PartialInstallError struct {
		Lockfile string
		Err      error
	}
)

// Error implements the error interface for FrozenLockfileError.
func (e *FrozenLockfileError) Error() string {
	return fmt.Sprintf("%s: %v", ErrFrozenLockfile, e.Err)
}

// Unwrap returns both ErrFrozenLockfile and the underlying cause.
func (e *FrozenLockfileError) Unwrap() []error {
	return []error{ErrFrozenLockfile, e.Err}
}

func (e *PartialInstallError) Error() string {
	return fmt.Sprintf("%s: install tree updated but %s was not written: %v", ErrPartialInstall, e.Lockfile, e.Err)
}

// Unwrap returns both ErrPartialInstall and the underlying cause.
func (e *PartialInstallError) Unwrap() []error {
	return []error{ErrPartialInstall, e.Err}
}

// WithDefaultRegistry sets the registry used by dependencies without an explicit one.
func WithDefaultRegistry(u string) Option {
	return func(p *Project) {
		p.defaultRegistry = strings.TrimRight(u, "/")
	}
}

// WithDefaultRepository sets the repository Publish uses when none is given.
func WithDefaultRepository(r manifest.Repository) Option {
	return func(p *Project) {
		p.defaultRepository = r
	}
}

// WithInstallDir sets the install directory. Relative paths are relative to the project.
func WithInstallDir(dir string) Option {
	return func(p *Project) {
		if dir != "" {
			p.installDir = dir
		}
	}
}

// WithConcurrency bounds resolver and installer fan-out.
func WithConcurrency(n int) Option {
	return func(p *Project) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithCache shares an archive cache between resolution and installation.
func WithCache(c *cache.Cache) Option {
	return func(p *Project) {
		p.cache = c
	}
}

// WithCollector replaces the collector used to gather package files.
func WithCollector(c installer.FileCollector) Option {
	return func(p *Project) {
		p.collector = c
	}
}

// WithLogger sets the logger passed down to every component.
func WithLogger(l *log.Logger) Option {
	return func(p *Project) {
		p.logger = l
	}
}

// Init creates Proto.toml and the proto/ directory in opts.Dir.
func Init(opts InitOptions) (*manifest.Manifest, error) {
	path := filepath.Join(opts.Dir, manifest.FileName)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s exists", ErrAlreadyInitialized, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to check %s: %w", path, err)
	}

	m := &manifest.Manifest{}
	if opts.Kind != "" {
		version := opts.Version
		if version == "" {
			version = "0.1.0"
		}
		m.Package = &manifest.PackageInfo{Kind: opts.Kind, Name: opts.Name, Version: version}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(opts.Dir, ProtoDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", ProtoDir, err)
	}
	if err := m.Save(path); err != nil {
		return nil, err
	}
	return m, nil
}

// Open returns a project rooted at dir. reg and creds may be nil for
// operations that never reach them.
func Open(dir string, reg Registry, creds credentials.Store, opts ...Option) *Project {
	p := &Project{
		dir:         dir,
		reg:         reg,
		creds:       creds,
		installDir:  DefaultInstallDir,
		concurrency: resolver.DefaultConcurrency,
		logger:      log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.collector == nil {
		p.collector = installer.DirCollector{
			Exclude:    p.vendorExclude(),
			Extensions: []string{".proto"},
		}
	}
	return p
}

// Dir returns the project directory.
func (p *Project) Dir() string { return p.dir }

// ManifestPath returns the path of Proto.toml.
func (p *Project) ManifestPath() string { return filepath.Join(p.dir, manifest.FileName) }

// LockfilePath returns the path of Proto.lock.
func (p *Project) LockfilePath() string { return filepath.Join(p.dir, lockfile.FileName) }

// InstallDir returns the absolute or project-relative install directory.
func (p *Project) InstallDir() string {
	if filepath.IsAbs(p.installDir) {
		return p.installDir
	}
	return filepath.Join(p.dir, p.installDir)
}

// Manifest loads Proto.toml.
func (p *Project) Manifest() (*manifest.Manifest, error) {
	return manifest.Load(p.ManifestPath())
}

// Lockfile loads Proto.lock.
func (p *Project) Lockfile() (*lockfile.Lockfile, error) {
	return lockfile.Load(p.LockfilePath())
}

// Add parses spec ("<repository>/<package>@<constraint>") and declares it,
// replacing an existing dependency of the same name.
func (p *Project) Add(spec string, opts AddOptions) (manifest.Dependency, error) {
	dep, err := manifest.ParseDependencySpec(spec)
	if err != nil {
		return manifest.Dependency{}, err
	}
	if opts.Kind != "" {
		dep.Kind = opts.Kind
	}
	if opts.Registry != "" {
		if err := manifest.ValidateRegistry(opts.Registry); err != nil {
			return manifest.Dependency{}, err
		}
		dep.Registry = strings.TrimRight(opts.Registry, "/")
	}

	m, err := p.Manifest()
	if err != nil {
		return manifest.Dependency{}, err
	}
	if err := m.AddDependency(dep); err != nil {
		return manifest.Dependency{}, err
	}
	if err := m.Save(p.ManifestPath()); err != nil {
		return manifest.Dependency{}, err
	}
	p.logger.Info("added dependency", "dependency", dep.String(), "kind", dep.Kind)
	return dep, nil
}

// Remove drops the dependency on name and deletes its installed directory.
// The lockfile is left as is and becomes stale.
func (p *Project) Remove(name manifest.PackageName) error {
	m, err := p.Manifest()
	if err != nil {
		return err
	}
	if _, err := m.RemoveDependency(name); err != nil {
		return err
	}
	if err := m.Save(p.ManifestPath()); err != nil {
		return err
	}

	installed := filepath.Join(p.InstallDir(), string(name))
	if err := os.RemoveAll(installed); err != nil {
		return fmt.Errorf("failed to remove %s: %w", installed, err)
	}
	p.logger.Info("removed dependency", "package", name)
	return nil
}

// Lock resolves the manifest and writes Proto.lock.
func (p *Project) Lock(ctx context.Context) (*lockfile.Lockfile, error) {
	m, err := p.Manifest()
	if err != nil {
		return nil, err
	}
	lock, err := p.resolve(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := lock.Save(p.LockfilePath()); err != nil {
		return nil, err
	}
	return lock, nil
}

// Install makes the install tree match the lockfile. A missing or stale
// lockfile is regenerated first unless frozen is set, in which case the
// install fails instead.
//
// A regenerated lockfile is staged next to Proto.lock before the tree is
// touched, then renamed into place once the tree is swapped. Neither changes
// when resolution, staging or installation fails. Should the final rename
// fail, the tree is already updated and a *PartialInstallError says so.
func (p *Project) Install(ctx context.Context, frozen bool) (*InstallResult, error) {
	m, err := p.Manifest()
	if err != nil {
		return nil, err
	}

	lock, err := p.Lockfile()
	if err == nil {
		err = lock.CheckFresh(m, p.defaultRegistry)
	}
	relock := err != nil
	if relock {
		if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, lockfile.ErrStale) {
			return nil, err
		}
		if frozen {
			return nil, &FrozenLockfileError{Err: err}
		}
		p.logger.Info("updating lockfile", "reason", err)
		if lock, err = p.resolve(ctx, m); err != nil {
			return nil, err
		}
	}

	var staged *manifest.StagedFile
	if relock {
		if staged, err = lock.Stage(p.LockfilePath()); err != nil {
			return nil, err
		}
	}

	paths, err := p.installer().Install(ctx, lock)
	if err != nil {
		if staged != nil {
			staged.Discard()
		}
		return nil, err
	}
	if staged != nil {
		if err := staged.Commit(); err != nil {
			return nil, &PartialInstallError{Lockfile: staged.Path(), Err: err}
		}
	}
	return &InstallResult{Lockfile: lock, Relocked: relock, Paths: paths}, nil
}

// Uninstall removes the install tree.
func (p *Project) Uninstall() error {
	return p.installer().Uninstall()
}

// Package packs the project's own package from the files below proto/,
// leaving out the install tree.
func (p *Project) Package() (*archive.Archive, error) {
	m, err := p.Manifest()
	if err != nil {
		return nil, err
	}
	if m.Package == nil {
		return nil, fmt.Errorf("%w: add a [package] section to %s", ErrNotPublishable, manifest.FileName)
	}

	files, err := p.collector.Collect(filepath.Join(p.dir, ProtoDir))
	if err != nil {
		return nil, err
	}
	a, err := archive.Pack(m, files)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("packed package", "package", a.Name(), "version", a.Version(), "files", len(a.Files), "digest", a.Digest)
	return a, nil
}

// Publish packs the project and uploads it to repository on the default
// registry. An empty repository falls back to the configured one. With
// dryRun the archive is built and returned without contacting the registry.
func (p *Project) Publish(ctx context.Context, repository manifest.Repository, dryRun bool) (*archive.Archive, error) {
	if repository == "" {
		repository = p.defaultRepository
	}
	if err := repository.Validate(); err != nil {
		return nil, err
	}
	a, err := p.Package()
	if err != nil {
		return nil, err
	}
	if dryRun {
		p.logger.Info("dry run, not publishing", "package", a.Name(), "version", a.Version())
		return a, nil
	}
	if p.defaultRegistry == "" {
		return nil, ErrNoRegistry
	}

	src := manifest.Source{URL: p.defaultRegistry, Repository: repository}
	if err := p.reg.Publish(ctx, src, a); err != nil {
		return nil, err
	}
	p.logger.Info("published package", "package", a.Name(), "version", a.Version(), "source", src.String())
	return a, nil
}

func (p *Project) resolve(ctx context.Context, m *manifest.Manifest) (*lockfile.Lockfile, error) {
	if p.defaultRegistry == "" && needsDefaultRegistry(m) {
		return nil, ErrNoRegistry
	}
	r := resolver.New(p.reg,
		resolver.WithConcurrency(p.concurrency),
		resolver.WithCache(p.cache),
		resolver.WithLogger(p.logger),
	)
	g, err := r.Resolve(ctx, m, p.defaultRegistry)
	if err != nil {
		return nil, err
	}
	return lockfile.FromGraph(g), nil
}

func (p *Project) installer() *installer.Installer {
	return installer.New(p.reg, p.InstallDir(),
		installer.WithConcurrency(p.concurrency),
		installer.WithCache(p.cache),
		installer.WithLogger(p.logger),
	)
}

// vendorExclude returns the install directory relative to proto/ when it is
// nested inside it.
func (p *Project) vendorExclude() []string {
	protoDir := filepath.Join(p.dir, ProtoDir)
	rel, err := filepath.Rel(protoDir, p.InstallDir())
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	return []string{filepath.ToSlash(rel)}
}

func needsDefaultRegistry(m *manifest.Manifest) bool {
	for _, d := range m.Dependencies {
		if d.Registry == "" {
			return true
		}
	}
	return false
}
