// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/protopm/protopm/pkg/archive"
	"github.com/protopm/protopm/pkg/manifest"
	"github.com/protopm/protopm/pkg/registry"
)

const (
	// Repository is the repository name used by Dep.
	Repository manifest.Repository = "proto-stable"
	// RegistryURL is the default registry of fake sources.
	RegistryURL = "https://registry.example.com"
)

type (
	// FakeRegistry serves packages from memory and counts calls per operation.
	// It ignores the source of a request: one fake is one registry.
	FakeRegistry struct {
		mu       sync.Mutex
		packages map[manifest.PackageName]map[manifest.Version]*archive.Archive
		calls    map[string]int
		// Jitter sleeps up to the given duration before answering, to shuffle
		// completion order of concurrent calls.
		Jitter time.Duration
		// Fail, when set, is consulted before each call; a non-nil result is returned.
		Fail func(op string, name manifest.PackageName) error
	}
)

// NewFakeRegistry returns an empty registry.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{
		packages: make(map[manifest.PackageName]map[manifest.Version]*archive.Archive),
		calls:    make(map[string]int),
	}
}

// Dep builds a lib dependency on name in the default repository.
func Dep(name, constraint string) manifest.Dependency {
	return manifest.Dependency{
		Name:       manifest.PackageName(name),
		Kind:       manifest.KindLib,
		Repository: Repository,
		Version:    manifest.Constraint(constraint),
	}
}

// APIDep builds an api dependency on name in the default repository.
func APIDep(name, constraint string) manifest.Dependency {
	d := Dep(name, constraint)
	d.Kind = manifest.KindAPI
	return d
}

// Pack builds a package archive with one proto file.
func Pack(t testing.TB, kind manifest.PackageKind, name, version string, deps ...manifest.Dependency) *archive.Archive {
	t.Helper()
	m := &manifest.Manifest{
		Package: &manifest.PackageInfo{
			Kind:    kind,
			Name:    manifest.PackageName(name),
			Version: manifest.Version(version),
		},
		Dependencies: deps,
	}
	files := []archive.File{{
		Path: name + ".proto",
		Data: []byte("syntax = \"proto3\";\n\npackage " + name + ";\n// " + version + "\n"),
	}}
	a, err := archive.Pack(m, files)
	if err != nil {
		t.Fatalf("failed to pack %s@%s: %v", name, version, err)
	}
	return a
}

// Add packs and stores a lib package.
func (r *FakeRegistry) Add(t testing.TB, name, version string, deps ...manifest.Dependency) *archive.Archive {
	t.Helper()
	a := Pack(t, manifest.KindLib, name, version, deps...)
	r.Store(a)
	return a
}

// AddAPI packs and stores an api package.
func (r *FakeRegistry) AddAPI(t testing.TB, name, version string, deps ...manifest.Dependency) *archive.Archive {
	t.Helper()
	a := Pack(t, manifest.KindAPI, name, version, deps...)
	r.Store(a)
	return a
}

// Store adds an archive, replacing any existing one with the same identity.
func (r *FakeRegistry) Store(a *archive.Archive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vs, ok := r.packages[a.Name()]
	if !ok {
		vs = make(map[manifest.Version]*archive.Archive)
		r.packages[a.Name()] = vs
	}
	vs[a.Version()] = a
}

// Calls returns how often op was invoked.
func (r *FakeRegistry) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// TotalCalls returns the number of calls of every operation.
func (r *FakeRegistry) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

// ListVersions returns the stored versions in unspecified order.
func (r *FakeRegistry) ListVersions(ctx context.Context, src registry.Source, name manifest.PackageName) ([]manifest.Version, error) {
	if err := r.enter(ctx, "ListVersions", name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vs, ok := r.packages[name]
	if !ok {
		return nil, &registry.NotFoundError{Name: name, Source: src}
	}
	out := make([]manifest.Version, 0, len(vs))
	for v := range vs {
		out = append(out, v)
	}
	// Map order is random; the resolver must not depend on it.
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out, nil
}

// FetchManifest returns the manifest embedded in the stored archive.
func (r *FakeRegistry) FetchManifest(ctx context.Context, src registry.Source, name manifest.PackageName, version manifest.Version) (*manifest.Manifest, error) {
	a, err := r.lookup(ctx, "FetchManifest", src, name, version)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(a.ManifestBytes)
}

// FetchArchive re-unpacks the stored archive bytes.
func (r *FakeRegistry) FetchArchive(ctx context.Context, src registry.Source, name manifest.PackageName, version manifest.Version) (*archive.Archive, error) {
	a, err := r.lookup(ctx, "FetchArchive", src, name, version)
	if err != nil {
		return nil, err
	}
	return archive.UnpackExpect(a.Data, name, version)
}

// Publish stores a, rejecting an existing version.
func (r *FakeRegistry) Publish(ctx context.Context, src registry.Source, a *archive.Archive) error {
	if err := r.enter(ctx, "Publish", a.Name()); err != nil {
		return err
	}
	r.mu.Lock()
	_, exists := r.packages[a.Name()][a.Version()]
	r.mu.Unlock()
	if exists {
		return &registry.ConflictError{Name: a.Name(), Version: a.Version()}
	}
	r.Store(a)
	return nil
}

// Versions returns the stored versions of name, sorted as strings.
func (r *FakeRegistry) Versions(name manifest.PackageName) []manifest.Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []manifest.Version
	for v := range r.packages[name] {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

func (r *FakeRegistry) lookup(ctx context.Context, op string, src registry.Source, name manifest.PackageName, version manifest.Version) (*archive.Archive, error) {
	if err := r.enter(ctx, op, name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.packages[name][version]
	if !ok {
		return nil, &registry.NotFoundError{Name: name, Version: version, Source: src}
	}
	return a, nil
}

func (r *FakeRegistry) enter(ctx context.Context, op string, name manifest.PackageName) error {
	r.mu.Lock()
	r.calls[op]++
	jitter, fail := r.Jitter, r.Fail
	r.mu.Unlock()

	if jitter > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rand.N(jitter)):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if fail != nil {
		return fail(op, name)
	}
	return nil
}
