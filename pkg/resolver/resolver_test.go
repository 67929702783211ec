// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/protopm/protopm/internal/testutil"
	"github.com/protopm/protopm/pkg/cache"
	"github.com/protopm/protopm/pkg/manifest"
	"github.com/protopm/protopm/pkg/registry"
)

func consumer(deps ...manifest.Dependency) *manifest.Manifest {
	return &manifest.Manifest{Dependencies: deps}
}

func resolve(t *testing.T, reg Registry, root *manifest.Manifest, opts ...Option) (*Graph, error) {
	t.Helper()
	return New(reg, opts...).Resolve(context.Background(), root, testutil.RegistryURL)
}

func TestResolve_SelectsHighestCompatible(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	for _, v := range []string{"1.0.0", "1.2.0", "2.0.0"} {
		reg.Add(t, "alpha", v)
	}

	g, err := resolve(t, reg, consumer(testutil.Dep("alpha", "^1.0")))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	n, ok := g.Node("alpha")
	if !ok {
		t.Fatal("node a missing")
	}
	if n.Version != "1.2.0" {
		t.Errorf("selected %s, want 1.2.0", n.Version)
	}
}

func TestResolve_TransitiveGraph(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	units := reg.Add(t, "units", "1.1.0")
	reg.Add(t, "geo", "1.0.0", testutil.Dep("units", "^1.0"))
	reg.AddAPI(t, "physics", "2.3.0", testutil.Dep("geo", "^1.0"), testutil.Dep("units", "^1.1"))

	root := &manifest.Manifest{
		Package:      &manifest.PackageInfo{Kind: manifest.KindAPI, Name: "app", Version: "0.1.0"},
		Dependencies: []manifest.Dependency{testutil.APIDep("physics", "^2.0")},
	}
	g, err := resolve(t, reg, root)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if g.Len() != 3 {
		t.Fatalf("expected 3 nodes, got %d", g.Len())
	}
	if !slices.Equal(g.Direct, []manifest.PackageName{"physics"}) {
		t.Errorf("Direct = %v", g.Direct)
	}

	physics, _ := g.Node("physics")
	if !slices.Equal(physics.Dependencies, []manifest.PackageName{"geo", "units"}) {
		t.Errorf("physics.Dependencies = %v", physics.Dependencies)
	}
	if !slices.Equal(physics.Dependents, []manifest.PackageName{"app"}) {
		t.Errorf("physics.Dependents = %v", physics.Dependents)
	}

	u, _ := g.Node("units")
	if !slices.Equal(u.Dependents, []manifest.PackageName{"geo", "physics"}) {
		t.Errorf("units.Dependents = %v", u.Dependents)
	}
	if u.Digest != units.Digest {
		t.Errorf("units digest = %s, want %s", u.Digest, units.Digest)
	}
	if u.Source.URL != testutil.RegistryURL || u.Source.Repository != testutil.Repository {
		t.Errorf("units source = %v", u.Source)
	}

	order, err := g.Order()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, n := range order {
		names = append(names, string(n.Name))
	}
	if want := []string{"units", "geo", "physics"}; !slices.Equal(names, want) {
		t.Errorf("Order() = %v, want %v", names, want)
	}
}

func TestResolve_VersionConflictNamesPackage(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	reg.Add(t, "beta", "2.1.0")
	reg.Add(t, "beta", "3.0.0")
	reg.Add(t, "alpha", "1.0.0", testutil.Dep("beta", "^2.0"))

	_, err := resolve(t, reg, consumer(testutil.Dep("alpha", "^1.0"), testutil.Dep("beta", "^3.0")))
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if conflict.Name != "beta" {
		t.Errorf("conflict names %s, want b", conflict.Name)
	}
	if !errors.Is(err, ErrVersionConflict) {
		t.Error("expected errors.Is(ErrVersionConflict)")
	}
	if conflict.B.RequiredBy() != "alpha" {
		t.Errorf("conflicting requirement declared by %q, want a", conflict.B.RequiredBy())
	}
}

// A version selected in an earlier level is final: a later requirement that
// excludes it conflicts even when another published version would satisfy
// every constraint.
func TestResolve_LaterLevelDoesNotReselect(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	reg.Add(t, "alpha", "1.2.3")
	reg.Add(t, "alpha", "1.9.0")
	reg.Add(t, "beta", "1.0.0", testutil.Dep("alpha", "~1.2"))

	_, err := resolve(t, reg, consumer(testutil.Dep("alpha", "^1.0"), testutil.Dep("beta", "^1.0")))
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if conflict.Name != "alpha" || conflict.B.RequiredBy() != "beta" {
		t.Errorf("unexpected conflict %v", conflict)
	}
	if !strings.Contains(err.Error(), "1.9.0 was selected") {
		t.Errorf("error %q does not name the selected version", err)
	}
}

func TestResolve_DirectCycle(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	reg.Add(t, "alpha", "1.0.0", testutil.Dep("beta", "^1.0"))
	reg.Add(t, "beta", "1.0.0", testutil.Dep("alpha", "^1.0"))

	_, err := resolve(t, reg, consumer(testutil.Dep("alpha", "^1.0")))
	var cycle *CyclicDependencyError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CyclicDependencyError, got %v", err)
	}
	if want := []manifest.PackageName{"alpha", "beta", "alpha"}; !slices.Equal(cycle.Path, want) {
		t.Errorf("cycle path = %v, want %v", cycle.Path, want)
	}
}

func TestResolve_CycleThroughRoot(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	reg.Add(t, "alpha", "1.0.0", testutil.Dep("app", "^1.0"))
	reg.Add(t, "app", "1.0.0")

	root := &manifest.Manifest{
		Package:      &manifest.PackageInfo{Kind: manifest.KindLib, Name: "app", Version: "1.0.0"},
		Dependencies: []manifest.Dependency{testutil.Dep("alpha", "^1.0")},
	}
	_, err := resolve(t, reg, root)
	var cycle *CyclicDependencyError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CyclicDependencyError, got %v", err)
	}
	if want := []manifest.PackageName{"app", "alpha", "app"}; !slices.Equal(cycle.Path, want) {
		t.Errorf("cycle path = %v, want %v", cycle.Path, want)
	}
}

func TestResolve_Unresolvable(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	reg.Add(t, "alpha", "1.0.0")

	tests := []struct {
		name string
		dep  manifest.Dependency
	}{
		{name: "no matching version", dep: testutil.Dep("alpha", "^3.0")},
		{name: "unknown package", dep: testutil.Dep("missing", "^1.0")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := resolve(t, reg, consumer(tt.dep))
			var unresolvable *UnresolvableRequirementError
			if !errors.As(err, &unresolvable) {
				t.Fatalf("expected UnresolvableRequirementError, got %v", err)
			}
			if unresolvable.Requirement.Dependency.Name != tt.dep.Name {
				t.Errorf("requirement = %s", unresolvable.Requirement)
			}
		})
	}
}

func TestResolve_IntersectsConstraintsWithinLevel(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	reg.Add(t, "zulu", "1.2.5")
	reg.Add(t, "zulu", "1.3.0")
	reg.Add(t, "xray", "1.0.0", testutil.Dep("zulu", "^1.0"))
	reg.Add(t, "yankee", "1.0.0", testutil.Dep("zulu", "~1.2"))

	g, err := resolve(t, reg, consumer(testutil.Dep("xray", "^1"), testutil.Dep("yankee", "^1")))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	z, _ := g.Node("zulu")
	if z.Version != "1.2.5" {
		t.Errorf("z = %s, want 1.2.5", z.Version)
	}
	if len(z.Requirements()) != 2 {
		t.Errorf("expected 2 requirements on z, got %d", len(z.Requirements()))
	}
}

func TestResolve_DisjointConstraintsWithinLevel(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	reg.Add(t, "zulu", "1.2.5")
	reg.Add(t, "zulu", "1.3.0")
	reg.Add(t, "xray", "1.0.0", testutil.Dep("zulu", "~1.2"))
	reg.Add(t, "yankee", "1.0.0", testutil.Dep("zulu", "^1.3"))

	_, err := resolve(t, reg, consumer(testutil.Dep("xray", "^1"), testutil.Dep("yankee", "^1")))
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if conflict.Name != "zulu" || conflict.A.RequiredBy() != "xray" || conflict.B.RequiredBy() != "yankee" {
		t.Errorf("unexpected conflict %v", conflict)
	}
}

func TestResolve_KindMismatch(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	reg.Add(t, "alpha", "1.0.0")

	_, err := resolve(t, reg, consumer(testutil.APIDep("alpha", "^1.0")))
	if !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	reg.Jitter = 2 * time.Millisecond
	for i := range 6 {
		name := fmt.Sprintf("leaf%d", i)
		reg.Add(t, name, "1.0.0")
		reg.Add(t, name, "1.1.0")
	}
	reg.Add(t, "mid", "1.0.0", testutil.Dep("leaf0", "^1.0"), testutil.Dep("leaf1", "^1.0"), testutil.Dep("leaf2", "^1"))
	reg.Add(t, "top", "2.0.0", testutil.Dep("mid", "^1"), testutil.Dep("leaf3", "^1"), testutil.Dep("leaf4", "^1"))
	root := consumer(testutil.Dep("top", "^2"), testutil.Dep("leaf5", "^1"), testutil.Dep("leaf1", "^1.0"))

	render := func(g *Graph) string {
		var b strings.Builder
		for _, n := range g.Nodes() {
			fmt.Fprintf(&b, "%s %s %s %v %v\n", n.Name, n.Version, n.Digest, n.Dependencies, n.Dependents)
		}
		return b.String()
	}

	var first string
	for i := range 8 {
		g, err := resolve(t, reg, root, WithConcurrency(4))
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if i == 0 {
			first = render(g)
			continue
		}
		if got := render(g); got != first {
			t.Fatalf("run %d differs:\n%s\nvs\n%s", i, got, first)
		}
	}
}

func TestResolve_PropagatesRegistryUnavailable(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	reg.Add(t, "alpha", "1.0.0")
	reg.Fail = func(op string, _ manifest.PackageName) error {
		return &registry.UnavailableError{Op: op, Host: "registry.example.com", Attempts: 4, Err: registry.ErrUpstream}
	}

	_, err := resolve(t, reg, consumer(testutil.Dep("alpha", "^1.0")))
	if !errors.Is(err, registry.ErrRegistryUnavailable) {
		t.Fatalf("expected ErrRegistryUnavailable, got %v", err)
	}
}

func TestResolve_Canceled(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	reg.Add(t, "alpha", "1.0.0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(reg).Resolve(ctx, consumer(testutil.Dep("alpha", "^1.0")), testutil.RegistryURL)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestResolve_FillsCache(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	a := reg.Add(t, "alpha", "1.0.0")
	c := cache.New(t.TempDir())

	if _, err := resolve(t, reg, consumer(testutil.Dep("alpha", "^1.0")), WithCache(c)); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(a.Digest); !ok {
		t.Error("resolved archive not cached")
	}
}

func TestResolve_EmptyManifest(t *testing.T) {
	t.Parallel()

	reg := testutil.NewFakeRegistry()
	g, err := resolve(t, reg, consumer())
	if err != nil {
		t.Fatal(err)
	}
	if g.Len() != 0 || reg.TotalCalls() != 0 {
		t.Errorf("expected empty graph and no calls, got %d nodes, %d calls", g.Len(), reg.TotalCalls())
	}
}
