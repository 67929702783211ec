// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/opencontainers/go-digest"

	"github.com/protopm/protopm/internal/dag"
	"github.com/protopm/protopm/pkg/manifest"
)

type (
	// Requirement is a dependency declaration together with the chain of
	// packages that led to it. Chain starts with the root package name when the
	// root manifest declares one.
	Requirement struct {
		Dependency manifest.Dependency
		Source     manifest.Source
		Chain      []manifest.PackageName
		// Direct is set for requirements declared by the root manifest.
		Direct bool
	}

	// Node is one resolved package.
	Node struct {
		Name     manifest.PackageName
		Kind     manifest.PackageKind
		Version  manifest.Version
		Digest   digest.Digest
		Source   manifest.Source
		Manifest *manifest.Manifest
		// Dependencies and Dependents are sorted by name.
		Dependencies []manifest.PackageName
		Dependents   []manifest.PackageName

		// requirements that selected or matched this node, in decision order.
		requirements []Requirement
	}

	// Graph is the result of one resolution pass: exactly one node per name.
	Graph struct {
		// Root is the identity of the resolved manifest, if it declares a package.
		Root   *manifest.PackageID
		Direct []manifest.PackageName
		nodes  map[manifest.PackageName]*Node
	}
)

// String renders the requirement with the chain that introduced it.
func (r Requirement) String() string {
	s := fmt.Sprintf("%s@%s", r.Dependency.Name, r.Dependency.Version)
	if len(r.Chain) == 0 {
		return s + " (required by the root manifest)"
	}
	return fmt.Sprintf("%s (required by %s)", s, joinNames(r.Chain))
}

// RequiredBy returns the package declaring the requirement, or "" for the root.
func (r Requirement) RequiredBy() manifest.PackageName {
	if r.Direct || len(r.Chain) == 0 {
		return ""
	}
	return r.Chain[len(r.Chain)-1]
}

// Requirements returns the requirements matched against the node.
func (n *Node) Requirements() []Requirement {
	return slices.Clone(n.requirements)
}

// NewGraph returns an empty graph for a root with the given identity.
func NewGraph(root *manifest.PackageID) *Graph {
	return &Graph{Root: root, nodes: make(map[manifest.PackageName]*Node)}
}

// AddNode inserts n, replacing a node of the same name.
func (g *Graph) AddNode(n *Node) {
	g.nodes[n.Name] = n
}

// Node returns the node for name.
func (g *Graph) Node(name manifest.PackageName) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns all nodes sorted by name.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *Node) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Order returns the nodes dependencies-first.
func (g *Graph) Order() ([]*Node, error) {
	d := g.dag()
	names, err := d.TopologicalSort()
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(names))
	for _, name := range names {
		if n, ok := g.nodes[manifest.PackageName(name)]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// CheckAcyclic returns a CyclicDependencyError for any cycle, including cycles
// through the root package.
func (g *Graph) CheckAcyclic() error {
	cycle := g.dag().FindCycle()
	if cycle == nil {
		return nil
	}
	path := make([]manifest.PackageName, len(cycle))
	for i, n := range cycle {
		path[i] = manifest.PackageName(n)
	}
	return &CyclicDependencyError{Path: path}
}

func (g *Graph) dag() *dag.Graph {
	d := dag.New()
	if g.Root != nil {
		d.AddNode(string(g.Root.Name))
		for _, name := range g.Direct {
			d.AddEdge(string(g.Root.Name), string(name))
		}
	}
	for _, n := range g.Nodes() {
		d.AddNode(string(n.Name))
		for _, dep := range n.Dependencies {
			d.AddEdge(string(n.Name), string(dep))
		}
	}
	return d
}

// link records that from requires to. from is "" for the root.
func (g *Graph) link(from, to manifest.PackageName) {
	if from == "" {
		g.Direct = insertSorted(g.Direct, to)
	} else if n, ok := g.nodes[from]; ok {
		n.Dependencies = insertSorted(n.Dependencies, to)
	}

	dependent := from
	if from == "" {
		if g.Root == nil {
			return
		}
		dependent = g.Root.Name
	}
	if n, ok := g.nodes[to]; ok {
		n.Dependents = insertSorted(n.Dependents, dependent)
	}
}

func insertSorted(names []manifest.PackageName, name manifest.PackageName) []manifest.PackageName {
	i, found := slices.BinarySearch(names, name)
	if found {
		return names
	}
	return slices.Insert(names, i, name)
}
