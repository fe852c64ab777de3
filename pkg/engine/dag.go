package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the validated dependency DAG over a set of units.
type Graph struct {
	// Units maps unit IDs to their declarations.
	Units map[string]*Unit

	// Levels groups unit IDs by topological depth. Units within a level have
	// no dependency relation and may run in parallel. Each level is sorted
	// lexically so the order is deterministic.
	Levels [][]string

	// Order is the flattened deterministic topological order.
	Order []string

	// Dependents maps a unit ID to the units that depend on it.
	Dependents map[string][]string
}

// DAGBuilder builds a dependency graph from unit declarations. It validates
// identifiers, detects cycles, and computes execution levels.
type DAGBuilder struct {
	units      map[string]*Unit
	dependents map[string][]string
	inDegree   map[string]int
	levels     [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		units:      make(map[string]*Unit),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int),
	}
}

// BuildGraph constructs the dependency graph from unit declarations. Any
// error here is fatal to the whole run: a duplicate identifier, a dependency
// on an unknown unit, or a cycle.
func (b *DAGBuilder) BuildGraph(units []Unit) (*Graph, error) {
	if err := b.initialize(units); err != nil {
		return nil, err
	}

	if cycle := b.findCycle(); cycle != nil {
		return nil, &CycleError{Members: cycle}
	}

	b.computeLevels()

	graph := &Graph{
		Units:      b.units,
		Levels:     b.levels,
		Dependents: b.dependents,
	}
	for _, level := range b.levels {
		graph.Order = append(graph.Order, level...)
	}
	return graph, nil
}

// initialize indexes units and builds the adjacency structures.
func (b *DAGBuilder) initialize(units []Unit) error {
	for i := range units {
		unit := &units[i]
		if unit.ID == "" {
			return NewPermanentError("unit has empty identifier", nil).WithOperation("build-graph")
		}
		if _, exists := b.units[unit.ID]; exists {
			return &DuplicateUnitError{UnitID: unit.ID}
		}
		b.units[unit.ID] = unit
		b.dependents[unit.ID] = nil
		b.inDegree[unit.ID] = 0
	}

	// Sorted iteration keeps adjacency construction, and with it any error
	// reporting, deterministic.
	ids := make([]string, 0, len(b.units))
	for id := range b.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		unit := b.units[id]
		seen := make(map[string]bool, len(unit.DependsOn))
		for _, dep := range unit.DependsOn {
			if _, exists := b.units[dep]; !exists {
				return &UnresolvedDependencyError{UnitID: unit.ID, DependencyID: dep}
			}
			if dep == unit.ID {
				return &CycleError{Members: []string{unit.ID, unit.ID}}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			b.dependents[dep] = append(b.dependents[dep], unit.ID)
			b.inDegree[unit.ID]++
		}
	}

	return nil
}

// findCycle runs DFS over the dependency edges and returns the members of the
// first cycle found, in path order, or nil.
func (b *DAGBuilder) findCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(b.units))

	ids := make([]string, 0, len(b.units))
	for id := range b.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var path []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		path = append(path, id)

		deps := append([]string(nil), b.units[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case unvisited:
				if visit(dep) {
					return true
				}
			case inStack:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				found = append(append([]string(nil), path[start:]...), dep)
				return true
			}
		}

		state[id] = done
		path = path[:len(path)-1]
		return false
	}

	for _, id := range ids {
		if state[id] == unvisited && visit(id) {
			return found
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm, collecting units whose dependencies
// are all placed into successive levels. Levels are sorted lexically so runs
// over the same declarations schedule identically.
func (b *DAGBuilder) computeLevels() {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	var current []string
	for id, d := range inDegree {
		if d == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	for len(current) > 0 {
		b.levels = append(b.levels, current)

		var next []string
		for _, id := range current {
			for _, dependent := range b.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
}

// Subgraph returns the graph restricted to the named units and their
// transitive dependencies. Unknown targets yield an error.
func (g *Graph) Subgraph(targets []string) (*Graph, error) {
	if len(targets) == 0 {
		return g, nil
	}

	keep := make(map[string]bool)
	var mark func(id string) error
	mark = func(id string) error {
		unit, ok := g.Units[id]
		if !ok {
			return fmt.Errorf("unknown target unit %q", id)
		}
		if keep[id] {
			return nil
		}
		keep[id] = true
		for _, dep := range unit.DependsOn {
			if err := mark(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, t := range targets {
		if err := mark(t); err != nil {
			return nil, err
		}
	}

	units := make([]Unit, 0, len(keep))
	for id := range keep {
		units = append(units, *g.Units[id])
	}
	return NewDAGBuilder().BuildGraph(units)
}

// ToDOT renders the graph in DOT format for Graphviz tooling. Units are
// clustered by execution level.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph units {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			unit := g.Units[id]
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\"];\n", id, id, unit.Environment)
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.Order {
		deps := append([]string(nil), g.Units[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, id)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
