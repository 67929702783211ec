// SPDX-License-Identifier: MPL-2.0

package dag

import (
	"errors"
	"fmt"
	"slices"
	"testing"
)

func TestTopologicalSort_Empty(t *testing.T) {
	t.Parallel()

	order, err := New().TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order != nil {
		t.Errorf("expected nil, got %v", order)
	}
}

func TestTopologicalSort_DependenciesFirst(t *testing.T) {
	t.Parallel()

	g := New()
	// physics requires units and geo, geo requires units.
	g.AddEdge("physics", "units")
	g.AddEdge("physics", "geo")
	g.AddEdge("geo", "units")

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"units", "geo", "physics"}; !slices.Equal(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
}

func TestTopologicalSort_Disconnected(t *testing.T) {
	t.Parallel()

	g := New()
	g.AddEdge("a", "b")
	g.AddNode("c")
	g.AddEdge("a", "b")

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"b", "c", "a"}; !slices.Equal(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
}

func TestTopologicalSort_Cycle(t *testing.T) {
	t.Parallel()

	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", "a")

	_, err := g.TopologicalSort()
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
	if want := []string{"a", "b", "c", "a"}; !slices.Equal(cycleErr.Cycle, want) {
		t.Errorf("expected %v, got %v", want, cycleErr.Cycle)
	}
}

func TestFindCycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		edges [][2]string
		want  []string
	}{
		{name: "acyclic", edges: [][2]string{{"a", "b"}, {"b", "c"}, {"a", "c"}}},
		{name: "direct", edges: [][2]string{{"a", "b"}, {"b", "a"}}, want: []string{"a", "b", "a"}},
		{name: "self loop", edges: [][2]string{{"a", "a"}}, want: []string{"a", "a"}},
		{
			name:  "through shared node",
			edges: [][2]string{{"root", "x"}, {"root", "y"}, {"y", "z"}, {"z", "y"}},
			want:  []string{"y", "z", "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := New()
			for _, e := range tt.edges {
				g.AddEdge(e[0], e[1])
			}
			got := g.FindCycle()
			if !slices.Equal(got, tt.want) {
				t.Errorf("FindCycle() = %v, want %v", got, tt.want)
			}
			if err := g.Validate(); (err != nil) != (tt.want != nil) {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestFindCycle_DeepChain(t *testing.T) {
	t.Parallel()

	g := New()
	const depth = 100_000
	for i := range depth {
		g.AddEdge(fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", i+1))
	}
	if c := g.FindCycle(); c != nil {
		t.Fatalf("unexpected cycle %v", c[:3])
	}
	g.AddEdge(fmt.Sprintf("n%d", depth), "n0")
	if c := g.FindCycle(); len(c) != depth+2 {
		t.Errorf("cycle length = %d, want %d", len(c), depth+2)
	}
}

func TestCycleError_Message(t *testing.T) {
	t.Parallel()

	err := &CycleError{Cycle: []string{"a", "b", "a"}}
	if want := "dependency cycle detected: a -> b -> a"; err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
