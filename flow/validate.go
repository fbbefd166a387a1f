package flow

import (
	"fmt"
	"regexp"
	"strings"
)

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// ValidationError aggregates the problems found in a definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid flow definition: %s", strings.Join(e.Problems, "; "))
}

// Validate checks the structural invariants of a definition: unique node
// ids, edges referencing existing nodes, at least one trigger node, and no
// cycles. Cyclic definitions are rejected here at publication time; the
// scheduler does not detect cycles at runtime.
func (d *Definition) Validate() error {
	var problems []string

	if d.FlowID == "" {
		problems = append(problems, "flow_id is required")
	}
	if d.Version < 1 {
		problems = append(problems, "version must be >= 1")
	}
	if len(d.Nodes) == 0 {
		problems = append(problems, "at least one node is required")
	}

	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			problems = append(problems, "node id is required")
			continue
		}
		if !nodeIDPattern.MatchString(n.ID) {
			problems = append(problems, fmt.Sprintf("node %q: id must match %s", n.ID, nodeIDPattern))
		}
		if seen[n.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
		if n.Type == "" {
			problems = append(problems, fmt.Sprintf("node %q: type is required", n.ID))
		}
	}

	for _, e := range d.Edges {
		if !seen[e.Source] {
			problems = append(problems, fmt.Sprintf("edge references unknown source %q", e.Source))
		}
		if !seen[e.Target] {
			problems = append(problems, fmt.Sprintf("edge references unknown target %q", e.Target))
		}
		if e.Source == e.Target {
			problems = append(problems, fmt.Sprintf("self-edge on node %q", e.Source))
		}
	}

	if len(problems) == 0 {
		if len(d.TriggerNodes()) == 0 {
			problems = append(problems, "no trigger node: every node has incoming edges")
		}
		if cycle := d.findCycle(); len(cycle) > 0 {
			problems = append(problems, fmt.Sprintf("cycle detected: %s", strings.Join(cycle, " -> ")))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// findCycle runs Kahn's algorithm and returns the node ids left with
// unsatisfied dependencies, which together contain every cycle.
func (d *Definition) findCycle() []string {
	indeg := make(map[string]int, len(d.Nodes))
	adj := make(map[string][]string)
	for _, n := range d.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range d.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
		indeg[e.Target]++
	}

	var queue []string
	for id, deg := range indeg {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited == len(d.Nodes) {
		return nil
	}
	var cyclic []string
	for _, n := range d.Nodes {
		if indeg[n.ID] > 0 {
			cyclic = append(cyclic, n.ID)
		}
	}
	return cyclic
}
