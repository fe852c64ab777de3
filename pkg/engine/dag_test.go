package engine

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"
)

func unitWithDeps(id string, deps ...string) Unit {
	return Unit{ID: id, DependsOn: deps}
}

func TestBuildGraphLevels(t *testing.T) {
	units := []Unit{
		unitWithDeps("app", "database", "network"),
		unitWithDeps("database", "network"),
		unitWithDeps("network"),
		unitWithDeps("dns"),
	}

	graph, err := NewDAGBuilder().BuildGraph(units)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	want := [][]string{
		{"dns", "network"},
		{"database"},
		{"app"},
	}
	if !reflect.DeepEqual(graph.Levels, want) {
		t.Errorf("levels = %v, want %v", graph.Levels, want)
	}
	if !reflect.DeepEqual(graph.Order, []string{"dns", "network", "database", "app"}) {
		t.Errorf("unexpected order: %v", graph.Order)
	}
}

func TestBuildGraphLexicalTieBreak(t *testing.T) {
	// All units are independent; the order must be lexical regardless of
	// declaration order.
	units := []Unit{
		unitWithDeps("zebra"),
		unitWithDeps("alpha"),
		unitWithDeps("mike"),
	}

	for i := 0; i < 5; i++ {
		graph, err := NewDAGBuilder().BuildGraph(units)
		if err != nil {
			t.Fatalf("BuildGraph failed: %v", err)
		}
		if !reflect.DeepEqual(graph.Order, []string{"alpha", "mike", "zebra"}) {
			t.Fatalf("order not deterministic: %v", graph.Order)
		}
	}
}

func TestBuildGraphCycleError(t *testing.T) {
	units := []Unit{
		unitWithDeps("a", "c"),
		unitWithDeps("b", "a"),
		unitWithDeps("c", "b"),
		unitWithDeps("standalone"),
	}

	_, err := NewDAGBuilder().BuildGraph(units)
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}

	// Every member of the cycle must be named.
	members := make(map[string]bool)
	for _, m := range cycle.Members {
		members[m] = true
	}
	for _, id := range []string{"a", "b", "c"} {
		if !members[id] {
			t.Errorf("cycle members %v missing %q", cycle.Members, id)
		}
	}
	if members["standalone"] {
		t.Errorf("cycle members %v must not include unrelated units", cycle.Members)
	}
	if !strings.Contains(cycle.Error(), "->") {
		t.Errorf("cycle error should show the path: %s", cycle.Error())
	}
}

func TestBuildGraphSelfDependency(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph([]Unit{unitWithDeps("a", "a")})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError for self-dependency, got %v", err)
	}
}

func TestBuildGraphUnresolvedDependency(t *testing.T) {
	units := []Unit{
		unitWithDeps("app", "nonexistent"),
	}

	_, err := NewDAGBuilder().BuildGraph(units)
	var unresolved *UnresolvedDependencyError
	if !errors.As(err, &unresolved) {
		t.Fatalf("expected UnresolvedDependencyError, got %v", err)
	}
	if unresolved.UnitID != "app" || unresolved.DependencyID != "nonexistent" {
		t.Errorf("unexpected error fields: %+v", unresolved)
	}
}

func TestBuildGraphDuplicateUnit(t *testing.T) {
	units := []Unit{
		unitWithDeps("app"),
		unitWithDeps("app"),
	}

	_, err := NewDAGBuilder().BuildGraph(units)
	var dup *DuplicateUnitError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateUnitError, got %v", err)
	}
	if dup.UnitID != "app" {
		t.Errorf("unexpected duplicate id: %q", dup.UnitID)
	}
}

func TestBuildGraphEmpty(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(nil)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	if len(graph.Order) != 0 || len(graph.Levels) != 0 {
		t.Errorf("empty input should yield empty graph: %+v", graph)
	}
}

func TestSubgraphKeepsTransitiveDependencies(t *testing.T) {
	units := []Unit{
		unitWithDeps("network"),
		unitWithDeps("database", "network"),
		unitWithDeps("app", "database"),
		unitWithDeps("unrelated"),
	}

	graph, err := NewDAGBuilder().BuildGraph(units)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	sub, err := graph.Subgraph([]string{"app"})
	if err != nil {
		t.Fatalf("Subgraph failed: %v", err)
	}

	var kept []string
	for id := range sub.Units {
		kept = append(kept, id)
	}
	sort.Strings(kept)
	if !reflect.DeepEqual(kept, []string{"app", "database", "network"}) {
		t.Errorf("unexpected subgraph units: %v", kept)
	}

	if _, err := graph.Subgraph([]string{"missing"}); err == nil {
		t.Error("unknown target should fail")
	}
}

func TestGraphToDOT(t *testing.T) {
	units := []Unit{
		unitWithDeps("network"),
		unitWithDeps("app", "network"),
	}

	graph, err := NewDAGBuilder().BuildGraph(units)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	dot := graph.ToDOT()
	if !strings.Contains(dot, `"network" -> "app"`) {
		t.Errorf("DOT output missing edge:\n%s", dot)
	}
	if !strings.HasPrefix(dot, "digraph") {
		t.Errorf("DOT output malformed:\n%s", dot)
	}
}
