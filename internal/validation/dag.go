// Package validation guards the task queue: dependency graphs must be acyclic
// and traversal parameters must match the declared schema for their action.
package validation

import (
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/models"
)

// DAGNode is the minimal shape needed for cycle detection.
type DAGNode struct {
	ID           string
	Dependencies []string
}

// DAGResult reports the outcome of a dependency check.
type DAGResult struct {
	HasCycle    bool
	CyclePath   []string
	SortedOrder []string
}

// CheckTaskGraph validates a batch of tasks before they enter the queue.
// Self-dependencies and references to tasks outside the batch are ignored;
// the queue treats unknown dependencies as already satisfied.
func CheckTaskGraph(tasks []*models.Task) DAGResult {
	nodes := make([]DAGNode, 0, len(tasks))
	for _, t := range tasks {
		nodes = append(nodes, DAGNode{ID: t.ID, Dependencies: t.Dependencies})
	}
	return CheckDAG(nodes)
}

// CheckDAG runs Kahn's algorithm over the dependency graph. A cycle would
// leave tasks permanently blocked, so callers must reject the batch when
// HasCycle is set.
func CheckDAG(nodes []DAGNode) DAGResult {
	if len(nodes) == 0 {
		return DAGResult{SortedOrder: []string{}}
	}

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	known := make(map[string]bool, len(nodes))

	for _, n := range nodes {
		known[n.ID] = true
		if _, ok := inDegree[n.ID]; !ok {
			inDegree[n.ID] = 0
		}
	}

	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if dep == n.ID || !known[dep] {
				continue
			}
			dependents[dep] = append(dependents[dep], n.ID)
			inDegree[n.ID]++
		}
	}

	queue := make([]string, 0, len(nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sorted = append(sorted, current)

		for _, next := range dependents[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) == len(known) {
		return DAGResult{SortedOrder: sorted}
	}

	var stuck []string
	for id, deg := range inDegree {
		if deg > 0 {
			stuck = append(stuck, id)
		}
	}

	return DAGResult{
		HasCycle:  true,
		CyclePath: tracePath(dependents, stuck),
	}
}

// Err converts a cyclic result into an error suitable for queue rejection.
func (r DAGResult) Err() error {
	if !r.HasCycle {
		return nil
	}
	return fmt.Errorf("circular dependency involving tasks: %s", strings.Join(r.CyclePath, " -> "))
}

// tracePath walks the residual graph to name a concrete cycle. Falls back to
// the unsorted node set when the walk finds nothing.
func tracePath(dependents map[string][]string, stuck []string) []string {
	if len(stuck) == 0 {
		return nil
	}

	inCycle := make(map[string]bool, len(stuck))
	for _, id := range stuck {
		inCycle[id] = true
	}

	var visited map[string]bool
	var walk func(node string, path []string) []string
	walk = func(node string, path []string) []string {
		if visited[node] {
			for i, n := range path {
				if n == node {
					return append(path[i:], node)
				}
			}
			return nil
		}
		if !inCycle[node] {
			return nil
		}

		visited[node] = true
		path = append(path, node)
		for _, next := range dependents[node] {
			if !inCycle[next] {
				continue
			}
			if found := walk(next, path); found != nil {
				return found
			}
		}
		return nil
	}

	for _, start := range stuck {
		visited = make(map[string]bool)
		if found := walk(start, nil); len(found) > 1 {
			return found
		}
	}
	return stuck
}
