// Package dag builds and queries the task dependency graph for one phase or
// sprint. The Resolver tracks unmet-dependency counts incrementally so that
// readiness after a completion costs O(successors), not a full rescan.
package dag

import (
	"sort"
	"sync"

	"github.com/c360studio/phaseline/workflow"
)

// Resolver manages task dependencies and determines execution order.
// All methods are safe for concurrent use.
type Resolver struct {
	mu         sync.Mutex
	tasks      map[string]*workflow.Task
	inDegree   map[string]int      // Number of unmet dependencies
	dependents map[string][]string // Tasks that depend on this task
}

// Load builds a Resolver from a task list. It validates that every dependency
// references a task in the list and that the edge set is acyclic. Violations
// return a *workflow.ConfigError; for cycles the error carries a path through
// the cycle. Fatal at load time, never a runtime fault.
func Load(tasks []*workflow.Task) (*Resolver, error) {
	r := &Resolver{
		tasks:      make(map[string]*workflow.Task, len(tasks)),
		inDegree:   make(map[string]int, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}

	for _, t := range tasks {
		if _, dup := r.tasks[t.ID]; dup {
			return nil, workflow.NewConfigError("duplicate task id %q", t.ID)
		}
		r.tasks[t.ID] = t
		r.inDegree[t.ID] = 0
	}

	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			if _, exists := r.tasks[depID]; !exists {
				return nil, workflow.NewConfigError("task %q depends on unknown task %q", t.ID, depID)
			}
			r.inDegree[t.ID]++
			r.dependents[depID] = append(r.dependents[depID], t.ID)
		}
	}

	if cycle := r.findCycle(); cycle != nil {
		return nil, &workflow.ConfigError{Message: "circular dependency", Cycle: cycle}
	}

	// Seed readiness for done predecessors so a Resolver rebuilt from a
	// checkpoint or a reopened phase starts with correct counts.
	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			if r.tasks[depID].Status == workflow.TaskDone {
				r.inDegree[t.ID]--
			}
		}
	}

	return r, nil
}

// findCycle runs an iterative DFS with three-color marking and returns a path
// through the first cycle found, or nil when the graph is acyclic.
func (r *Resolver) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(r.tasks))

	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var path []string
	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		deps := append([]string(nil), r.tasks[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				// Found a back edge; slice out the cycle portion of the path.
				for i, p := range path {
					if p == dep {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		color[id] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ReadyTasks returns every task whose full predecessor set is done and whose
// own status is pending, sorted by task id. The ordering is deterministic so
// scheduling is reproducible given identical inputs.
func (r *Resolver) ReadyTasks() []*workflow.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready []*workflow.Task
	for id, deg := range r.inDegree {
		t := r.tasks[id]
		if deg == 0 && t.Status == workflow.TaskPending {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// OnTaskDone decrements unmet-dependency counts on the task's successors and
// returns the ones that just became dispatchable. O(successors of taskID).
func (r *Resolver) OnTaskDone(taskID string) []*workflow.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newlyReady []*workflow.Task
	for _, depID := range r.dependents[taskID] {
		r.inDegree[depID]--
		t := r.tasks[depID]
		if r.inDegree[depID] == 0 && t.Status == workflow.TaskPending {
			newlyReady = append(newlyReady, t)
		}
	}
	sort.Slice(newlyReady, func(i, j int) bool { return newlyReady[i].ID < newlyReady[j].ID })
	return newlyReady
}

// MarkBlocked walks the transitive successors of a permanently failed task
// and returns every non-terminal successor, breadth-first, deduplicated.
// Callers transition the returned tasks to blocked; the failed task itself is
// not included.
func (r *Resolver) MarkBlocked(taskID string) []*workflow.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]bool{taskID: true}
	queue := append([]string(nil), r.dependents[taskID]...)
	var blocked []*workflow.Task
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		t := r.tasks[id]
		if !t.Status.IsTerminal() {
			blocked = append(blocked, t)
		}
		queue = append(queue, r.dependents[id]...)
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].ID < blocked[j].ID })
	return blocked
}

// ForceOverride treats a failed task as satisfied without marking it done:
// its successors' unmet counts drop as if it completed, and its directly
// blocked successors are returned so the caller can reset them to pending.
// This is an explicit, audited operator action.
func (r *Resolver) ForceOverride(taskID string) []*workflow.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []*workflow.Task
	for _, depID := range r.dependents[taskID] {
		r.inDegree[depID]--
		released = append(released, r.tasks[depID])
	}
	sort.Slice(released, func(i, j int) bool { return released[i].ID < released[j].ID })
	return released
}

// Reopen restores the unmet-dependency count for a task reset to pending
// (gate rework or sprint rollover). Counts for done predecessors stay
// satisfied; only not-done predecessors contribute.
func (r *Resolver) Reopen(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return
	}
	deg := 0
	for _, depID := range t.DependsOn {
		if r.tasks[depID].Status != workflow.TaskDone {
			deg++
		}
	}
	r.inDegree[taskID] = deg
}

// Task returns a task by id, or nil.
func (r *Resolver) Task(id string) *workflow.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

// Tasks returns every task in the graph sorted by id.
func (r *Resolver) Tasks() []*workflow.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := make([]*workflow.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// AllDone reports whether every task in the graph is done.
func (r *Resolver) AllDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.Status != workflow.TaskDone {
			return false
		}
	}
	return true
}

// TransitiveSuccessorCount returns how many tasks transitively depend on the
// given task. The sprint planner uses this as the dependency-depth tiebreak:
// tasks that unblock the most successors sort first.
func (r *Resolver) TransitiveSuccessorCount(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]bool{taskID: true}
	queue := append([]string(nil), r.dependents[taskID]...)
	count := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		count++
		queue = append(queue, r.dependents[id]...)
	}
	return count
}
