package compiler

import (
	"fmt"
	"strings"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/rule"
)

// CycleWarning represents a potential cycle in the rule set.
//
// Cycles are warnings, not errors, because they may be intentional:
// retry loops with a terminating guard, or self-correcting feedback
// rules. The depth quota bounds them at runtime either way.
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["rule-a", "rule-b", "rule-a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles performs static cycle analysis on compiled rules.
//
// The algorithm:
//  1. Build a rule → rule dependency graph: an edge A → B exists when a
//     then-template of A names an action that a when-pattern of B watches
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or a self-loop as a potential cycle
//
// A DAG (no cycles) returns an empty warning list. Guards are invisible
// to the analysis: a guard that would break the loop at runtime still
// leaves the static edge in place, which is why these are warnings.
//
// TODO: support a manifest annotation to suppress warnings for cycles
// that are known to terminate.
func AnalyzeCycles(rules []*rule.Rule) []CycleWarning {
	if len(rules) == 0 {
		return []CycleWarning{}
	}

	graph := buildDependencyGraph(rules)
	sccs := tarjanSCC(graph)

	var warnings []CycleWarning
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}

	return warnings
}

// dependencyGraph maps rule name → names of rules that could be triggered.
type dependencyGraph map[string][]string

// buildDependencyGraph constructs the rule dependency graph. Every
// when-pattern and every then-template contributes: a rule with three
// patterns is triggerable through any of the three refs.
func buildDependencyGraph(rules []*rule.Rule) dependencyGraph {
	graph := make(dependencyGraph)

	actionToRules := make(map[action.Ref][]string)
	for _, r := range rules {
		for _, p := range r.When {
			actionToRules[p.Ref] = append(actionToRules[p.Ref], r.Name)
		}
	}

	for _, r := range rules {
		if graph[r.Name] == nil {
			graph[r.Name] = []string{}
		}
		seen := make(map[string]bool)
		for _, t := range r.Then {
			for _, name := range actionToRules[t.Ref] {
				if !seen[name] {
					seen[name] = true
					graph[r.Name] = append(graph[r.Name], name)
				}
			}
		}
	}

	return graph
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns a list of SCCs, where each SCC is a list of rule names.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack into an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for node := range graph {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// cycleSCCToWarning converts an SCC to a CycleWarning. For self-loops the
// path is [rule, rule]; for multi-node cycles it is one traversal of the
// component.
func cycleSCCToWarning(scc []string, graph dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		name := scc[0]
		return CycleWarning{
			Path:    []string{name, name},
			Message: fmt.Sprintf("Self-triggering rule detected: %s → %s", name, name),
			Level:   "warning",
		}
	}

	path := reconstructCyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Potential cycle detected: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// reconstructCyclePath builds a representative cycle path through an SCC:
// start at the first node, follow edges within the component until the
// start node recurs.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	sccSet := make(map[string]bool)
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}

		if next == "" {
			break
		}

		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}

	return path
}
