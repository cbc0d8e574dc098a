package resolver

import (
	"reflect"
	"testing"
)

func TestDetectCycle(t *testing.T) {
	g := NewGraph()
	g.AddNode(&GraphNode{ModuleID: "a"})
	g.AddNode(&GraphNode{ModuleID: "b"})
	g.AddNode(&GraphNode{ModuleID: "c"})
	g.AddEdge(&GraphEdge{FromID: "a", ToID: "b"})
	g.AddEdge(&GraphEdge{FromID: "b", ToID: "c"})
	g.AddEdge(&GraphEdge{FromID: "c", ToID: "a"})

	cycle := DetectCycle(g)
	if cycle == nil {
		t.Fatalf("expected cycle")
	}
	if len(cycle) != 4 {
		t.Fatalf("expected closed three node cycle, got %v", cycle)
	}
	if cycle[0] != cycle[len(cycle)-1] {
		t.Fatalf("cycle path must close on its entry node, got %v", cycle)
	}
}

func TestDetectCycleNone(t *testing.T) {
	g := NewGraph()
	g.AddNode(&GraphNode{ModuleID: "a"})
	g.AddNode(&GraphNode{ModuleID: "b"})
	g.AddEdge(&GraphEdge{FromID: "a", ToID: "b"})

	if cycle := DetectCycle(g); cycle != nil {
		t.Fatalf("did not expect cycle, got %v", cycle)
	}
}

func TestDetectCycleSelfLoop(t *testing.T) {
	g := NewGraph()
	g.AddNode(&GraphNode{ModuleID: "a"})
	g.AddEdge(&GraphEdge{FromID: "a", ToID: "a"})

	cycle := DetectCycle(g)
	if !reflect.DeepEqual(cycle, []string{"a", "a"}) {
		t.Fatalf("unexpected self loop path: %v", cycle)
	}
}

func TestDetectCycleDiamondIsAcyclic(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.AddNode(&GraphNode{ModuleID: id})
	}
	g.AddEdge(&GraphEdge{FromID: "a", ToID: "b"})
	g.AddEdge(&GraphEdge{FromID: "a", ToID: "c"})
	g.AddEdge(&GraphEdge{FromID: "b", ToID: "d"})
	g.AddEdge(&GraphEdge{FromID: "c", ToID: "d"})

	if cycle := DetectCycle(g); cycle != nil {
		t.Fatalf("diamond is acyclic, got %v", cycle)
	}
}
