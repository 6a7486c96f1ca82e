// Package graph maintains the task dependency DAG. Storage of the adjacency
// lists is delegated to the store; this package supplies the algorithms:
// cycle rejection, ready-set computation, Kahn ordering, and transitive
// closure. All traversals are iterative so pathological graphs cannot blow
// the stack.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/store"
)

// ErrCycleDetected is returned when an operation would introduce, or has
// found, a directed cycle. Cycles are fatal to the caller and never
// silently ignored.
var ErrCycleDetected = errors.New("dependency cycle detected")

// Graph exposes DAG operations over the store's edge tables.
type Graph struct {
	store store.Store
}

// New creates a graph backed by st.
func New(st store.Store) *Graph {
	return &Graph{store: st}
}

// AddDependency records that taskID depends on dependsOn. The edge is
// rejected if it equals a self-loop or would make taskID reachable from
// dependsOn through existing forward edges.
func (g *Graph) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return fmt.Errorf("%w: task %s cannot depend on itself", ErrCycleDetected, taskID)
	}

	reachable, err := g.reachable(ctx, dependsOn, taskID)
	if err != nil {
		return err
	}
	if reachable {
		return fmt.Errorf("%w: %s is already reachable from %s", ErrCycleDetected, taskID, dependsOn)
	}

	return g.store.AddDependency(ctx, taskID, dependsOn)
}

// RemoveDependency deletes the edge; removing a missing edge is a no-op.
func (g *Graph) RemoveDependency(ctx context.Context, taskID, dependsOn string) error {
	return g.store.RemoveDependency(ctx, taskID, dependsOn)
}

// Dependencies returns the direct dependencies of taskID.
func (g *Graph) Dependencies(ctx context.Context, taskID string) ([]string, error) {
	return g.store.Dependencies(ctx, taskID)
}

// Dependents returns the tasks that directly depend on taskID.
func (g *Graph) Dependents(ctx context.Context, taskID string) ([]string, error) {
	return g.store.Dependents(ctx, taskID)
}

// reachable reports whether target can be reached from start by following
// forward edges. Iterative DFS with an explicit stack.
func (g *Graph) reachable(ctx context.Context, start, target string) (bool, error) {
	visited := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == target {
			return true, nil
		}
		if visited[node] {
			continue
		}
		visited[node] = true
		deps, err := g.store.Dependencies(ctx, node)
		if err != nil {
			return false, err
		}
		stack = append(stack, deps...)
	}
	return false, nil
}

// DependenciesSatisfied reports whether every direct dependency of taskID is
// completed. A dependency that no longer exists in the store counts as
// unmet.
func (g *Graph) DependenciesSatisfied(ctx context.Context, taskID string) (bool, error) {
	deps, err := g.store.Dependencies(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, depID := range deps {
		dep, err := g.store.GetTask(ctx, depID)
		if err != nil {
			return false, err
		}
		if dep == nil || dep.Status != models.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// ReadyTasks returns every pending task whose direct dependencies are all
// completed.
func (g *Graph) ReadyTasks(ctx context.Context) ([]*models.Task, error) {
	pending, err := g.store.ListTasks(ctx, store.TaskFilter{Status: models.TaskStatusPending})
	if err != nil {
		return nil, err
	}
	var ready []*models.Task
	for _, task := range pending {
		ok, err := g.DependenciesSatisfied(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, task)
		}
	}
	return ready, nil
}

// TopologicalOrder returns every known task ID in dependency order
// (dependencies before dependents) using Kahn's algorithm. If the emitted
// sequence is shorter than the task count the graph contains a cycle and
// ErrCycleDetected is returned.
func (g *Graph) TopologicalOrder(ctx context.Context) ([]string, error) {
	tasks, err := g.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}

	// In-degree counts unfinished dependencies of each task.
	inDegree := make(map[string]int, len(tasks))
	for _, task := range tasks {
		deps, err := g.store.Dependencies(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		inDegree[task.ID] = len(deps)
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		dependents, err := g.store.Dependents(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, dep := range dependents {
			if _, known := inDegree[dep]; !known {
				continue
			}
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(tasks) {
		return nil, fmt.Errorf("%w: topological sort emitted %d of %d tasks", ErrCycleDetected, len(order), len(tasks))
	}
	return order, nil
}

// DFS colours for DetectCycles.
const (
	colourWhite = 0 // unvisited
	colourGrey  = 1 // on the current path
	colourBlack = 2 // fully explored
)

// DetectCycles runs a coloured DFS over the whole graph and returns the
// first cycle found as the path of task IDs forming it, or nil if the graph
// is acyclic.
func (g *Graph) DetectCycles(ctx context.Context) ([]string, error) {
	tasks, err := g.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}

	colour := make(map[string]int, len(tasks))

	for _, task := range tasks {
		if colour[task.ID] != colourWhite {
			continue
		}
		cycle, err := g.dfsCycle(ctx, task.ID, colour)
		if err != nil {
			return nil, err
		}
		if cycle != nil {
			return cycle, nil
		}
	}
	return nil, nil
}

// dfsCycle explores from root with an explicit stack, tracking the grey
// path. A frame is pushed once to descend and revisited once to blacken.
func (g *Graph) dfsCycle(ctx context.Context, root string, colour map[string]int) ([]string, error) {
	type frame struct {
		id       string
		expanded bool
	}
	stack := []frame{{id: root}}
	var path []string

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.expanded {
			colour[top.id] = colourBlack
			path = path[:len(path)-1]
			stack = stack[:len(stack)-1]
			continue
		}
		top.expanded = true
		colour[top.id] = colourGrey
		path = append(path, top.id)

		deps, err := g.store.Dependencies(ctx, top.id)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			switch colour[dep] {
			case colourGrey:
				// Back-edge: slice out the cycle from the grey path.
				for i, id := range path {
					if id == dep {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, dep), nil
					}
				}
			case colourWhite:
				stack = append(stack, frame{id: dep})
			}
		}
	}
	return nil, nil
}

// DependencyChain returns the transitive closure of taskID's dependencies,
// excluding taskID itself, in discovery order.
func (g *Graph) DependencyChain(ctx context.Context, taskID string) ([]string, error) {
	visited := map[string]bool{taskID: true}
	var chain []string
	stack := []string{taskID}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		deps, err := g.store.Dependencies(ctx, node)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			chain = append(chain, dep)
			stack = append(stack, dep)
		}
	}
	return chain, nil
}
