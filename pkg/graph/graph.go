// Package graph maintains the task dependency graph: nodes, directed
// dependency edges, cycle detection, topological ordering and readiness.
// It knows nothing about execution; the scheduler layers lifecycle state on
// top of it and owns all synchronization.
package graph

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCircularDependency indicates a mutation would introduce a cycle.
	// The mutation is rolled back before the error is returned.
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrTaskNotFound indicates an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
)

// IsCircularDependency checks if an error is a cycle rejection.
func IsCircularDependency(err error) bool {
	return errors.Is(err, ErrCircularDependency)
}

// IsTaskNotFound checks if an error is an unknown-task error.
func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

// NodeStatus is the graph-local status of a task node, distinct from the
// scheduler's richer execution state.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
)

// Node is one schedulable unit's dependency relationships.
type Node struct {
	ID           string
	Dependencies []string
	Metadata     map[string]any
	Status       NodeStatus

	// seq is the insertion order, used to keep ReadyTasks, Dependents and
	// TopologicalOrder output deterministic.
	seq int
}

func (n *Node) addDependency(id string) {
	for _, dep := range n.Dependencies {
		if dep == id {
			return
		}
	}

	n.Dependencies = append(n.Dependencies, id)
}

func (n *Node) removeDependency(id string) {
	for i, dep := range n.Dependencies {
		if dep == id {
			n.Dependencies = append(n.Dependencies[:i], n.Dependencies[i+1:]...)

			return
		}
	}
}

func (n *Node) dependsOn(id string) bool {
	for _, dep := range n.Dependencies {
		if dep == id {
			return true
		}
	}

	return false
}

// Stats summarizes the current graph.
type Stats struct {
	TotalTasks     int                `json:"total_tasks"`
	CompletedTasks int                `json:"completed_tasks"`
	ReadyTasks     int                `json:"ready_tasks"`
	StatusCounts   map[NodeStatus]int `json:"status_counts"`
	HasCycle       bool               `json:"has_cycle"`
}

// Graph is the dependency graph. It is not safe for concurrent use; callers
// serialize access (the scheduler holds one mutex around every mutation so
// the cycle-check-then-commit sequence stays atomic).
type Graph struct {
	nodes     map[string]*Node
	completed map[string]struct{}
	nextSeq   int
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{
		nodes:     make(map[string]*Node),
		completed: make(map[string]struct{}),
	}
}

// AddTask inserts a node with the given dependencies. Dependency ids are not
// required to exist yet; forward references resolve through the completed
// set and the cycle check. If the insertion introduces a cycle it is rolled
// back and ErrCircularDependency is returned.
func (g *Graph) AddTask(id string, dependencies []string, metadata map[string]any) error {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	node := &Node{
		ID:           id,
		Dependencies: append([]string(nil), dependencies...),
		Metadata:     metadata,
		Status:       NodeStatusPending,
		seq:          g.nextSeq,
	}

	previous, existed := g.nodes[id]
	g.nodes[id] = node

	if g.HasCycle() {
		if existed {
			g.nodes[id] = previous
		} else {
			delete(g.nodes, id)
		}

		return fmt.Errorf("adding task %q: %w", id, ErrCircularDependency)
	}

	g.nextSeq++

	return nil
}

// AddDependency adds an edge meaning id depends on dependsOn. Both tasks must
// already exist. A cycle-introducing edge is removed again before
// ErrCircularDependency is returned.
func (g *Graph) AddDependency(id, dependsOn string) error {
	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("task %q: %w", id, ErrTaskNotFound)
	}

	if _, ok := g.nodes[dependsOn]; !ok {
		return fmt.Errorf("task %q: %w", dependsOn, ErrTaskNotFound)
	}

	if node.dependsOn(dependsOn) {
		return nil
	}

	node.addDependency(dependsOn)

	if g.HasCycle() {
		node.removeDependency(dependsOn)

		return fmt.Errorf("dependency %q -> %q: %w", id, dependsOn, ErrCircularDependency)
	}

	return nil
}

// RemoveDependency removes the edge id -> dependsOn. Removing an edge that
// does not exist is a no-op.
func (g *Graph) RemoveDependency(id, dependsOn string) {
	if node, ok := g.nodes[id]; ok {
		node.removeDependency(dependsOn)
	}
}

// RemoveTask deletes a node, strips it from every other node's dependency
// list and drops it from the completed set. Idempotent.
func (g *Graph) RemoveTask(id string) {
	delete(g.nodes, id)

	for _, node := range g.nodes {
		node.removeDependency(id)
	}

	delete(g.completed, id)
}

// HasCycle reports whether the dependency relation contains a cycle. It runs
// an iterative depth-first search with an explicit frame stack, so graph
// depth is not bounded by goroutine stack growth.
func (g *Graph) HasCycle() bool {
	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)

	state := make(map[string]int, len(g.nodes))

	type frame struct {
		id   string
		next int
	}

	for rootID := range g.nodes {
		if state[rootID] != unvisited {
			continue
		}

		stack := []frame{{id: rootID}}
		state[rootID] = onStack

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			node := g.nodes[top.id]

			// Edges to ids without a node cannot be part of a cycle.
			advanced := false

			for top.next < len(node.Dependencies) {
				dep := node.Dependencies[top.next]
				top.next++

				if _, ok := g.nodes[dep]; !ok {
					continue
				}

				switch state[dep] {
				case onStack:
					return true
				case unvisited:
					state[dep] = onStack
					stack = append(stack, frame{id: dep})
					advanced = true
				}

				if advanced {
					break
				}
			}

			if !advanced && top.next >= len(node.Dependencies) {
				state[top.id] = done
				stack = stack[:len(stack)-1]
			}
		}
	}

	return false
}

// TopologicalOrder returns every task id ordered so that each task appears
// after all of its dependencies (Kahn's algorithm). Ties within a wave are
// broken by insertion order. Fails with ErrCircularDependency if the graph
// has a cycle.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if g.HasCycle() {
		return nil, fmt.Errorf("topological order: %w", ErrCircularDependency)
	}

	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))

	for id := range g.nodes {
		inDegree[id] = 0
	}

	for _, node := range g.nodes {
		for _, dep := range node.Dependencies {
			if _, ok := g.nodes[dep]; ok {
				inDegree[node.ID]++
				dependents[dep] = append(dependents[dep], node.ID)
			}
		}
	}

	ready := make([]string, 0, len(g.nodes))

	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}

	g.sortBySeq(ready)

	result := make([]string, 0, len(g.nodes))

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		result = append(result, id)

		released := make([]string, 0)

		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				released = append(released, dependent)
			}
		}

		g.sortBySeq(released)
		ready = append(ready, released...)
	}

	return result, nil
}

// ReadyTasks returns the ids of every pending task whose full dependency set
// is in the completed set, in insertion order.
func (g *Graph) ReadyTasks() []string {
	ready := make([]string, 0)

	for id, node := range g.nodes {
		if node.Status == NodeStatusPending && g.IsReady(id) {
			ready = append(ready, id)
		}
	}

	g.sortBySeq(ready)

	return ready
}

// IsReady reports whether every dependency of the task is completed. Unknown
// ids are never ready.
func (g *Graph) IsReady(id string) bool {
	node, ok := g.nodes[id]
	if !ok {
		return false
	}

	for _, dep := range node.Dependencies {
		if _, done := g.completed[dep]; !done {
			return false
		}
	}

	return true
}

// MarkCompleted records a task as completed. The completed set outlives node
// removal so historical dependents still resolve.
func (g *Graph) MarkCompleted(id string) {
	if node, ok := g.nodes[id]; ok {
		node.Status = NodeStatusCompleted
	}

	g.completed[id] = struct{}{}
}

// MarkRunning flags a task node as running.
func (g *Graph) MarkRunning(id string) {
	if node, ok := g.nodes[id]; ok {
		node.Status = NodeStatusRunning
	}
}

// MarkFailed flags a task node as failed. Failed tasks never enter the
// completed set, so their dependents stay unready.
func (g *Graph) MarkFailed(id string) {
	if node, ok := g.nodes[id]; ok {
		node.Status = NodeStatusFailed
	}
}

// Dependencies returns a copy of the task's dependency list.
func (g *Graph) Dependencies(id string) []string {
	if node, ok := g.nodes[id]; ok {
		return append([]string(nil), node.Dependencies...)
	}

	return nil
}

// Dependents returns the ids of every task that lists id as a dependency, in
// insertion order.
func (g *Graph) Dependents(id string) []string {
	dependents := make([]string, 0)

	for _, node := range g.nodes {
		if node.dependsOn(id) {
			dependents = append(dependents, node.ID)
		}
	}

	g.sortBySeq(dependents)

	return dependents
}

// Status returns the graph-local status of a task.
func (g *Graph) Status(id string) (NodeStatus, bool) {
	node, ok := g.nodes[id]
	if !ok {
		return "", false
	}

	return node.Status, true
}

// Contains reports whether a task exists in the graph.
func (g *Graph) Contains(id string) bool {
	_, ok := g.nodes[id]

	return ok
}

// Stats summarizes node counts, readiness and cycle status.
func (g *Graph) Stats() Stats {
	statusCounts := make(map[NodeStatus]int)
	for _, node := range g.nodes {
		statusCounts[node.Status]++
	}

	return Stats{
		TotalTasks:     len(g.nodes),
		CompletedTasks: len(g.completed),
		ReadyTasks:     len(g.ReadyTasks()),
		StatusCounts:   statusCounts,
		HasCycle:       g.HasCycle(),
	}
}

func (g *Graph) sortBySeq(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, okA := g.nodes[ids[i]]
		b, okB := g.nodes[ids[j]]

		if !okA || !okB {
			return ids[i] < ids[j]
		}

		return a.seq < b.seq
	})
}
