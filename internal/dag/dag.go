// SPDX-License-Identifier: MPL-2.0

// Package dag holds the package dependency graph used for cycle detection and
// dependency-first ordering. An edge from A to B means "A requires B".
package dag

import (
	"fmt"
	"slices"
	"strings"
)

type (
	// CycleError reports a dependency cycle. Cycle starts and ends with the
	// same node, e.g. [a b a].
	CycleError struct {
		Cycle []string
	}

	// Graph is a directed graph keyed by package name.
	Graph struct {
		// adjacency maps each node to the nodes it requires.
		adjacency map[string][]string
		// nodes tracks all nodes in insertion order for deterministic output.
		nodes   []string
		nodeSet map[string]bool
	}

	// frame is one entry of the explicit DFS stack.
	frame struct {
		node string
		next int
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		adjacency: make(map[string][]string),
		nodeSet:   make(map[string]bool),
	}
}

// AddNode adds a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(name string) {
	if g.nodeSet[name] {
		return
	}
	g.nodeSet[name] = true
	g.nodes = append(g.nodes, name)
}

// AddEdge records that from requires to. Both nodes are added if missing;
// duplicate edges are ignored.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	if slices.Contains(g.adjacency[from], to) {
		return
	}
	g.adjacency[from] = append(g.adjacency[from], to)
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// FindCycle returns the first cycle reachable from the nodes in insertion
// order, or nil. It walks the graph with an explicit stack so deep chains
// cannot exhaust the goroutine stack.
func (g *Graph) FindCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(g.nodes))

	for _, start := range g.nodes {
		if state[start] != unvisited {
			continue
		}
		stack := []frame{{node: start}}
		state[start] = onStack

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := g.adjacency[top.node]
			if top.next == len(edges) {
				state[top.node] = done
				stack = stack[:len(stack)-1]
				continue
			}
			next := edges[top.next]
			top.next++

			switch state[next] {
			case onStack:
				cycle := []string{next}
				for i := len(stack) - 1; i >= 0 && stack[i].node != next; i-- {
					cycle = append(cycle, stack[i].node)
				}
				cycle = append(cycle, next)
				slices.Reverse(cycle)
				return cycle
			case unvisited:
				state[next] = onStack
				stack = append(stack, frame{node: next})
			}
		}
	}
	return nil
}

// Validate returns a CycleError when the graph is not acyclic.
func (g *Graph) Validate() error {
	if cycle := g.FindCycle(); cycle != nil {
		return &CycleError{Cycle: cycle}
	}
	return nil
}

// TopologicalSort returns the nodes dependencies-first using Kahn's algorithm.
// Nodes that become ready together are emitted in insertion order.
func (g *Graph) TopologicalSort() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	// Out-degree counts unmet requirements of each node.
	pending := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, node := range g.nodes {
		pending[node] = len(g.adjacency[node])
		for _, dep := range g.adjacency[node] {
			dependents[dep] = append(dependents[dep], node)
		}
	}

	queue := make([]string, 0, len(g.nodes))
	for _, node := range g.nodes {
		if pending[node] == 0 {
			queue = append(queue, node)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		for _, dependent := range dependents[node] {
			pending[dependent]--
			if pending[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, &CycleError{Cycle: g.FindCycle()}
	}
	return result, nil
}
