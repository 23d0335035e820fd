package dag

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/c360studio/phaseline/workflow"
)

func task(id string, deps ...string) *workflow.Task {
	return &workflow.Task{
		ID:        id,
		Status:    workflow.TaskPending,
		DependsOn: deps,
	}
}

func ids(tasks []*workflow.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestLoadRejectsUnknownDependency(t *testing.T) {
	_, err := Load([]*workflow.Task{task("a", "ghost")})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
	var cfgErr *workflow.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
}

func TestLoadRejectsDuplicateID(t *testing.T) {
	_, err := Load([]*workflow.Task{task("a"), task("a")})
	if err == nil {
		t.Fatal("expected error for duplicate task id")
	}
}

func TestLoadRejectsCycleWithPath(t *testing.T) {
	_, err := Load([]*workflow.Task{
		task("a", "c"),
		task("b", "a"),
		task("c", "b"),
	})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var cfgErr *workflow.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
	if len(cfgErr.Cycle) < 4 {
		t.Fatalf("expected cycle path, got %v", cfgErr.Cycle)
	}
	// The path must start and end at the same task.
	if cfgErr.Cycle[0] != cfgErr.Cycle[len(cfgErr.Cycle)-1] {
		t.Errorf("cycle path does not close: %v", cfgErr.Cycle)
	}
}

func TestLoadAcceptsAcyclicGraph(t *testing.T) {
	r, err := Load([]*workflow.Task{
		task("a"),
		task("b", "a"),
		task("c", "a"),
		task("d", "b", "c"),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ready := ids(r.ReadyTasks())
	if len(ready) != 1 || ready[0] != "a" {
		t.Errorf("expected only a ready, got %v", ready)
	}
}

func TestReadyTasksDeterministicOrder(t *testing.T) {
	r, err := Load([]*workflow.Task{task("z"), task("m"), task("a")})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := ids(r.ReadyTasks())
	want := []string{"a", "m", "z"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
}

func TestDiamondReadiness(t *testing.T) {
	a, b, c, d := task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c")
	r, err := Load([]*workflow.Task{a, b, c, d})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	a.Status = workflow.TaskDone
	newly := ids(r.OnTaskDone("a"))
	if len(newly) != 2 || newly[0] != "b" || newly[1] != "c" {
		t.Fatalf("expected [b c] after a, got %v", newly)
	}

	// d must not be ready after only one of b/c completes.
	b.Status = workflow.TaskDone
	if newly := r.OnTaskDone("b"); len(newly) != 0 {
		t.Fatalf("d ready too early: %v", ids(newly))
	}
	c.Status = workflow.TaskDone
	newly2 := ids(r.OnTaskDone("c"))
	if len(newly2) != 1 || newly2[0] != "d" {
		t.Fatalf("expected [d] after b and c, got %v", newly2)
	}
}

func TestReadyTasksExcludesNonPending(t *testing.T) {
	a, b := task("a"), task("b")
	r, err := Load([]*workflow.Task{a, b})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a.Status = workflow.TaskRunning
	got := ids(r.ReadyTasks())
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("expected only b, got %v", got)
	}
}

func TestMarkBlockedCascades(t *testing.T) {
	a, b, c, d := task("a"), task("b", "a"), task("c", "b"), task("d")
	r, err := Load([]*workflow.Task{a, b, c, d})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a.Status = workflow.TaskFailed
	blocked := ids(r.MarkBlocked("a"))
	want := []string{"b", "c"}
	if len(blocked) != len(want) {
		t.Fatalf("expected %v blocked, got %v", want, blocked)
	}
	for i := range want {
		if blocked[i] != want[i] {
			t.Fatalf("expected %v blocked, got %v", want, blocked)
		}
	}
}

func TestMarkBlockedSkipsTerminalSuccessors(t *testing.T) {
	a, b := task("a"), task("b", "a")
	r, err := Load([]*workflow.Task{a, b})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b.Status = workflow.TaskDone
	if blocked := r.MarkBlocked("a"); len(blocked) != 0 {
		t.Errorf("done successor should not be blocked: %v", ids(blocked))
	}
}

func TestForceOverrideReleasesSuccessors(t *testing.T) {
	a, b := task("a"), task("b", "a")
	r, err := Load([]*workflow.Task{a, b})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a.Status = workflow.TaskFailed
	b.Status = workflow.TaskBlocked

	released := r.ForceOverride("a")
	if len(released) != 1 || released[0].ID != "b" {
		t.Fatalf("expected b released, got %v", ids(released))
	}
	b.Status = workflow.TaskPending
	ready := ids(r.ReadyTasks())
	if len(ready) != 1 || ready[0] != "b" {
		t.Errorf("expected b ready after override, got %v", ready)
	}
}

func TestReopenRestoresUnmetCount(t *testing.T) {
	a, b := task("a"), task("b", "a")
	r, err := Load([]*workflow.Task{a, b})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a.Status = workflow.TaskDone
	r.OnTaskDone("a")
	b.Status = workflow.TaskDone

	// Gate rework reopens both a and b. b must wait for a again.
	a.Status = workflow.TaskPending
	b.Status = workflow.TaskPending
	r.Reopen("a")
	r.Reopen("b")

	ready := ids(r.ReadyTasks())
	if len(ready) != 1 || ready[0] != "a" {
		t.Errorf("expected only a ready after reopen, got %v", ready)
	}
}

func TestLoadSeedsDonePredecessors(t *testing.T) {
	a, b := task("a"), task("b", "a")
	a.Status = workflow.TaskDone
	r, err := Load([]*workflow.Task{a, b})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ready := ids(r.ReadyTasks())
	if len(ready) != 1 || ready[0] != "b" {
		t.Errorf("expected b ready when a already done, got %v", ready)
	}
}

func TestTransitiveSuccessorCount(t *testing.T) {
	r, err := Load([]*workflow.Task{
		task("a"),
		task("b", "a"),
		task("c", "a"),
		task("d", "b", "c"),
		task("e"),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := r.TransitiveSuccessorCount("a"); got != 3 {
		t.Errorf("a: expected 3 successors, got %d", got)
	}
	if got := r.TransitiveSuccessorCount("b"); got != 1 {
		t.Errorf("b: expected 1 successor, got %d", got)
	}
	if got := r.TransitiveSuccessorCount("e"); got != 0 {
		t.Errorf("e: expected 0 successors, got %d", got)
	}
}

// TestReadinessPropertyRandomGraphs checks, over random DAGs and random
// completion orders, that a task is ready iff all predecessors are done and
// the task itself is pending.
func TestReadinessPropertyRandomGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		n := 2 + rng.Intn(10)
		tasks := make([]*workflow.Task, n)
		for i := 0; i < n; i++ {
			// Edges only point backwards so the graph is acyclic.
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Float64() < 0.3 {
					deps = append(deps, fmt.Sprintf("t%02d", j))
				}
			}
			tasks[i] = task(fmt.Sprintf("t%02d", i), deps...)
		}
		r, err := Load(tasks)
		if err != nil {
			t.Fatalf("trial %d: load: %v", trial, err)
		}

		byID := make(map[string]*workflow.Task, n)
		for _, tk := range tasks {
			byID[tk.ID] = tk
		}
		checkInvariant := func() {
			ready := map[string]bool{}
			for _, id := range ids(r.ReadyTasks()) {
				ready[id] = true
			}
			for _, tk := range tasks {
				allDone := true
				for _, dep := range tk.DependsOn {
					if byID[dep].Status != workflow.TaskDone {
						allDone = false
						break
					}
				}
				want := allDone && tk.Status == workflow.TaskPending
				if ready[tk.ID] != want {
					t.Fatalf("trial %d: task %s ready=%v want %v", trial, tk.ID, ready[tk.ID], want)
				}
			}
		}

		checkInvariant()
		// Complete tasks in a random topologically valid order.
		remaining := append([]*workflow.Task(nil), tasks...)
		for len(remaining) > 0 {
			var eligible []*workflow.Task
			for _, tk := range remaining {
				done := true
				for _, dep := range tk.DependsOn {
					if byID[dep].Status != workflow.TaskDone {
						done = false
						break
					}
				}
				if done {
					eligible = append(eligible, tk)
				}
			}
			sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
			pick := eligible[rng.Intn(len(eligible))]
			pick.Status = workflow.TaskDone
			r.OnTaskDone(pick.ID)
			for i, tk := range remaining {
				if tk.ID == pick.ID {
					remaining = append(remaining[:i], remaining[i+1:]...)
					break
				}
			}
			checkInvariant()
		}
		if !r.AllDone() {
			t.Fatalf("trial %d: AllDone false after completing everything", trial)
		}
	}
}
