// SPDX-License-Identifier: MPL-2.0

// Package resolver turns a root manifest into a dependency graph with exactly
// one version per package name.
//
// Resolution proceeds in levels. The requirements of one level are checked
// against the graph, versions of new names are listed concurrently, and then
// versions are chosen sequentially in a fixed order, so the outcome depends
// only on the registry's version lists and the constraints, never on which
// fetch finished first. The highest version satisfying every constraint on a
// name within the level wins; a later requirement that the chosen version does
// not satisfy is a conflict. There is no backtracking.
package resolver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/protopm/protopm/pkg/archive"
	"github.com/protopm/protopm/pkg/cache"
	"github.com/protopm/protopm/pkg/manifest"
	"github.com/protopm/protopm/pkg/registry"
)

// DefaultConcurrency bounds concurrent registry calls per level.
const DefaultConcurrency = 8

type (
	// Registry is the subset of the registry client the resolver needs.
	Registry interface {
		ListVersions(ctx context.Context, src manifest.Source, name manifest.PackageName) ([]manifest.Version, error)
		FetchManifest(ctx context.Context, src manifest.Source, name manifest.PackageName, version manifest.Version) (*manifest.Manifest, error)
		FetchArchive(ctx context.Context, src manifest.Source, name manifest.PackageName, version manifest.Version) (*archive.Archive, error)
	}

	// Resolver resolves manifests against a registry. It holds no state between passes.
	Resolver struct {
		reg         Registry
		concurrency int
		cache       *cache.Cache
		logger      *log.Logger
	}

	// Option configures a Resolver.
	Option func(*Resolver)

	candidate struct {
		version manifest.Version
		semver  *semver.Version
	}
)

// WithConcurrency bounds concurrent registry calls.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithCache stores fetched archives in c for reuse by the installer.
func WithCache(c *cache.Cache) Option {
	return func(r *Resolver) {
		r.cache = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// New creates a resolver backed by reg.
func New(reg Registry, opts ...Option) *Resolver {
	r := &Resolver{reg: reg, concurrency: DefaultConcurrency, logger: log.New(io.Discard)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve computes the dependency graph of root. Dependencies without an
// explicit registry use defaultRegistry at the root and their parent's
// registry below it.
//
// The frontier is processed one level at a time:
//
//  1. Each requirement is checked against its ancestor chain (CyclicDependencyError)
//  2. Requirements on names resolved in an earlier level must accept the
//     selected version; a version is never re-selected (VersionConflictError)
//  3. Versions of new names are listed concurrently
//  4. In order of first appearance, the highest version satisfying every
//     constraint on that name in the level is selected
//  5. Manifests and archives of the new nodes are fetched concurrently and
//     their identity, kind and digest recorded
//  6. The next level is built from the new nodes' dependencies in name order
//
// A final cycle check over the whole graph catches cycles closed through
// nodes resolved earlier. Selections depend only on version listings and
// constraints, so the same registry state always yields the same graph.
func (r *Resolver) Resolve(ctx context.Context, root *manifest.Manifest, defaultRegistry string) (*Graph, error) {
	if root == nil {
		return nil, errors.New("resolve: nil manifest")
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}

	var (
		rootID *manifest.PackageID
		chain  []manifest.PackageName
	)
	if id, ok := root.ID(); ok {
		rootID = &id
		chain = []manifest.PackageName{id.Name}
	}
	g := NewGraph(rootID)

	deps := slices.Clone(root.Dependencies)
	slices.SortFunc(deps, func(a, b manifest.Dependency) int { return cmp.Compare(a.Name, b.Name) })
	level := make([]Requirement, 0, len(deps))
	for _, d := range deps {
		level = append(level, Requirement{Dependency: d, Source: d.Source(defaultRegistry), Chain: chain, Direct: true})
	}

	for depth := 0; len(level) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.logger.Debug("resolving level", "depth", depth, "requirements", len(level))
		next, err := r.resolveLevel(ctx, g, level)
		if err != nil {
			return nil, err
		}
		level = next
	}

	if err := g.CheckAcyclic(); err != nil {
		return nil, err
	}
	r.logger.Debug("resolution complete", "packages", g.Len())
	return g, nil
}

// resolveLevel processes one frontier level and returns the next.
func (r *Resolver) resolveLevel(ctx context.Context, g *Graph, level []Requirement) ([]Requirement, error) {
	var names []manifest.PackageName
	groups := make(map[manifest.PackageName][]Requirement)

	for _, req := range level {
		name := req.Dependency.Name
		if i := slices.Index(req.Chain, name); i >= 0 {
			path := append(slices.Clone(req.Chain[i:]), name)
			return nil, &CyclicDependencyError{Path: path}
		}
		if n, ok := g.Node(name); ok {
			if err := matchNode(n, req); err != nil {
				return nil, err
			}
			n.requirements = append(n.requirements, req)
			g.link(req.RequiredBy(), name)
			continue
		}
		if _, seen := groups[name]; !seen {
			names = append(names, name)
		}
		groups[name] = append(groups[name], req)
	}
	if len(names) == 0 {
		return nil, nil
	}

	available, err := r.listAll(ctx, names, groups)
	if err != nil {
		return nil, err
	}

	nodes := make([]*Node, len(names))
	for i, name := range names {
		n, err := r.decide(groups[name], available[i])
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}

	if err := r.fetchAll(ctx, nodes); err != nil {
		return nil, err
	}

	for _, n := range nodes {
		g.AddNode(n)
	}
	for _, n := range nodes {
		for _, req := range n.requirements {
			g.link(req.RequiredBy(), n.Name)
		}
	}

	sorted := slices.Clone(nodes)
	slices.SortFunc(sorted, func(a, b *Node) int { return cmp.Compare(a.Name, b.Name) })
	var next []Requirement
	for _, n := range sorted {
		chain := append(slices.Clone(n.requirements[0].Chain), n.Name)
		for _, d := range n.Manifest.Dependencies {
			next = append(next, Requirement{Dependency: d, Source: d.Source(n.Source.URL), Chain: chain})
		}
	}
	return next, nil
}

// listAll fetches version lists for names concurrently. Results are indexed
// like names. A package unknown to the registry has no versions.
func (r *Resolver) listAll(ctx context.Context, names []manifest.PackageName, groups map[manifest.PackageName][]Requirement) ([][]manifest.Version, error) {
	available := make([][]manifest.Version, len(names))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(r.concurrency)

	for i, name := range names {
		req := groups[name][0]
		eg.Go(func() error {
			vs, err := r.reg.ListVersions(ectx, req.Source, name)
			if errors.Is(err, registry.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("listing versions for %s: %w", req, err)
			}
			available[i] = vs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return available, nil
}

// decide picks the highest version admitted by every requirement in reqs.
func (r *Resolver) decide(reqs []Requirement, available []manifest.Version) (*Node, error) {
	first := reqs[0]
	name := first.Dependency.Name

	for _, req := range reqs[1:] {
		if reason := incompatibleOrigin(first, req); reason != "" {
			return nil, &VersionConflictError{Name: name, A: first, B: req, Reason: reason}
		}
	}

	candidates := sortCandidates(available)
	versions := make([]manifest.Version, len(candidates))
	for i, c := range candidates {
		versions[i] = c.version
	}

	admitted := make([][]bool, len(reqs))
	for i, req := range reqs {
		c, err := req.Dependency.Version.Parse()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", req, err)
		}
		admitted[i] = make([]bool, len(candidates))
		satisfiable := false
		for j, cand := range candidates {
			admitted[i][j] = c.Check(cand.semver)
			satisfiable = satisfiable || admitted[i][j]
		}
		if !satisfiable {
			return nil, &UnresolvableRequirementError{Requirement: req, Available: slices.Clone(versions)}
		}
	}

	// Intersect constraints in order; the first requirement that empties the
	// intersection is reported together with the earliest requirement it
	// shares no version with.
	live := slices.Clone(admitted[0])
	for i := 1; i < len(reqs); i++ {
		empty := true
		for j := range live {
			live[j] = live[j] && admitted[i][j]
			empty = empty && !live[j]
		}
		if !empty {
			continue
		}
		partner := 0
		for k := range i {
			if !overlaps(admitted[k], admitted[i]) {
				partner = k
				break
			}
		}
		return nil, &VersionConflictError{Name: name, A: reqs[partner], B: reqs[i]}
	}

	idx := slices.Index(live, true)
	chosen := candidates[idx]
	r.logger.Debug("selected version", "package", name, "version", chosen.version,
		"requirements", len(reqs), "candidates", len(candidates))

	return &Node{
		Name:         name,
		Kind:         first.Dependency.Kind,
		Version:      chosen.version,
		Source:       first.Source,
		requirements: slices.Clone(reqs),
	}, nil
}

// fetchAll downloads manifest and archive of every node concurrently and
// validates them in node order.
func (r *Resolver) fetchAll(ctx context.Context, nodes []*Node) error {
	manifests := make([]*manifest.Manifest, len(nodes))
	archives := make([]*archive.Archive, len(nodes))

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(r.concurrency)
	for i, n := range nodes {
		eg.Go(func() error {
			m, err := r.reg.FetchManifest(ectx, n.Source, n.Name, n.Version)
			if err != nil {
				return fmt.Errorf("fetching manifest of %s@%s: %w", n.Name, n.Version, err)
			}
			manifests[i] = m
			return nil
		})
		eg.Go(func() error {
			a, err := r.reg.FetchArchive(ectx, n.Source, n.Name, n.Version)
			if err != nil {
				return fmt.Errorf("fetching archive of %s@%s: %w", n.Name, n.Version, err)
			}
			archives[i] = a
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, n := range nodes {
		if err := r.accept(n, manifests[i], archives[i]); err != nil {
			return err
		}
	}
	return nil
}

// accept checks the fetched manifest and archive against the decision and
// completes the node.
func (r *Resolver) accept(n *Node, m *manifest.Manifest, a *archive.Archive) error {
	if m.Package == nil || m.Package.Name != n.Name || m.Package.Version != n.Version {
		mismatch := &archive.IdentityMismatchError{ExpectedName: n.Name, ExpectedVersion: n.Version}
		if m.Package != nil {
			mismatch.ActualName, mismatch.ActualVersion = m.Package.Name, m.Package.Version
		}
		return mismatch
	}
	if m.Package.Kind != n.Kind {
		return &KindMismatchError{Requirement: n.requirements[0], Actual: m.Package.Kind}
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("manifest of %s@%s: %w", n.Name, n.Version, err)
	}
	if err := a.CheckIdentity(n.Name, n.Version); err != nil {
		return err
	}

	n.Manifest = m
	n.Digest = a.Digest
	if r.cache != nil {
		if err := r.cache.Put(a); err != nil {
			r.logger.Warn("failed to cache archive", "package", n.Name, "version", n.Version, "error", err)
		}
	}
	return nil
}

// matchNode checks a requirement against an already resolved node.
func matchNode(n *Node, req Requirement) error {
	first := n.requirements[0]
	if reason := incompatibleOrigin(first, req); reason != "" {
		return &VersionConflictError{Name: n.Name, A: first, B: req, Reason: reason}
	}
	if !req.Dependency.Version.Allows(n.Version) {
		return &VersionConflictError{
			Name:   n.Name,
			A:      first,
			B:      req,
			Reason: fmt.Sprintf("%s was selected", n.Version),
		}
	}
	return nil
}

// incompatibleOrigin explains why two requirements cannot refer to the same package.
func incompatibleOrigin(a, b Requirement) string {
	switch {
	case a.Source != b.Source:
		return fmt.Sprintf("different sources %s and %s", a.Source, b.Source)
	case a.Dependency.Kind != b.Dependency.Kind:
		return fmt.Sprintf("declared as %s and %s", a.Dependency.Kind, b.Dependency.Kind)
	default:
		return ""
	}
}

// sortCandidates parses versions and orders them highest first. Invalid and
// duplicate versions are dropped.
func sortCandidates(available []manifest.Version) []candidate {
	out := make([]candidate, 0, len(available))
	for _, v := range available {
		sv, err := v.Semver()
		if err != nil {
			continue
		}
		out = append(out, candidate{version: v, semver: sv})
	}
	slices.SortFunc(out, func(a, b candidate) int { return b.semver.Compare(a.semver) })
	return slices.CompactFunc(out, func(a, b candidate) bool { return a.semver.Equal(b.semver) })
}

func overlaps(a, b []bool) bool {
	for i := range a {
		if a[i] && b[i] {
			return true
		}
	}
	return false
}
