// Package worker maintains the capability-tagged worker registry and routes
// tasks to workers. Workers register before a run starts and are stateless
// between tasks; the registry tracks only live assignment counts.
package worker

import (
	"sort"
	"sync"

	"github.com/c360studio/phaseline/workflow"
)

// Registry maps capability tags to registered workers and tracks per-worker
// load. Safe for concurrent use; assignment counters only change under the
// registry lock so concurrent Assign calls never oversubscribe a worker.
type Registry struct {
	mu       sync.RWMutex
	workers  map[string]*workflow.Worker
	byTag    map[string][]string // capability tag -> sorted worker ids
	assigned map[string]int      // worker id -> live task count
	cursor   map[string]int      // capability tag -> round-robin position
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		workers:  make(map[string]*workflow.Worker),
		byTag:    make(map[string][]string),
		assigned: make(map[string]int),
		cursor:   make(map[string]int),
	}
}

// Register adds a worker. Re-registering an id replaces the prior entry but
// preserves its live assignment count.
func (r *Registry) Register(w *workflow.Worker) error {
	if w.ID == "" {
		return &workflow.ValidationError{Field: "id", Message: "worker id is required"}
	}
	if len(w.Capabilities) == 0 {
		return &workflow.ValidationError{Field: "capabilities", Message: "at least one capability is required"}
	}
	if w.MaxTasks <= 0 {
		return &workflow.ValidationError{Field: "max_tasks", Message: "max_tasks must be positive"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.workers[w.ID]; ok {
		for _, tag := range old.Capabilities {
			r.byTag[tag] = remove(r.byTag[tag], w.ID)
		}
	}
	cp := *w
	cp.Available = true
	r.workers[w.ID] = &cp
	for _, tag := range cp.Capabilities {
		r.byTag[tag] = append(r.byTag[tag], cp.ID)
		sort.Strings(r.byTag[tag])
	}
	return nil
}

// RegisterAll registers every worker from a definition.
func (r *Registry) RegisterAll(defs []workflow.WorkerDef) error {
	for _, d := range defs {
		w := &workflow.Worker{
			ID:           d.ID,
			Capabilities: d.Capabilities,
			MaxTasks:     d.MaxTasks,
		}
		if err := r.Register(w); err != nil {
			return err
		}
	}
	return nil
}

// Assign picks a worker for the task's capability tag. Candidates are
// filtered by capability, then availability, then load (assigned < limit),
// then chosen round-robin; the candidate list is id-sorted so ties are
// deterministic.
//
// Returns workflow.ErrNoCapableWorker when no registered worker carries the
// tag at all, and workflow.ErrCapacityUnavailable when capable workers exist
// but all are at their concurrency limit. The latter is backpressure: the
// task stays ready and is retried next tick.
func (r *Registry) Assign(task *workflow.Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.byTag[task.Capability]
	if len(candidates) == 0 {
		return "", workflow.ErrNoCapableWorker
	}

	start := r.cursor[task.Capability] % len(candidates)
	for i := 0; i < len(candidates); i++ {
		id := candidates[(start+i)%len(candidates)]
		w := r.workers[id]
		if !w.Available {
			continue
		}
		if r.assigned[id] >= w.MaxTasks {
			continue
		}
		r.assigned[id]++
		r.cursor[task.Capability] = (start + i + 1) % len(candidates)
		return id, nil
	}
	return "", workflow.ErrCapacityUnavailable
}

// Release decrements a worker's live assignment count when its task finishes.
func (r *Registry) Release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assigned[workerID] > 0 {
		r.assigned[workerID]--
	}
}

// SetAvailable flips a worker in or out of the assignment pool without
// touching its in-flight tasks.
func (r *Registry) SetAvailable(workerID string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return workflow.ErrNotFound
	}
	w.Available = available
	return nil
}

// Load returns a worker's live assignment count.
func (r *Registry) Load(workerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assigned[workerID]
}

// Worker returns a copy of the registered worker, or nil.
func (r *Registry) Worker(id string) *workflow.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// Workers returns copies of all registered workers sorted by id.
func (r *Registry) Workers() []workflow.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]workflow.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CapableWorkers returns the ids of workers carrying the tag, sorted.
func (r *Registry) CapableWorkers(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byTag[tag]...)
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
