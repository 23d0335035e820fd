package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/phaseline/storage"
	"github.com/c360studio/phaseline/worker"
	"github.com/c360studio/phaseline/workflow"
	"github.com/c360studio/phaseline/workflow/dag"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string // task ids in dispatch order
	fail  map[string]bool
}

func (d *fakeDispatcher) Dispatch(_ context.Context, task *workflow.Task, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[task.ID] {
		return errors.New("transport down")
	}
	d.calls = append(d.calls, task.ID)
	return nil
}

func (d *fakeDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDispatcher) countOf(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, id := range d.calls {
		if id == taskID {
			n++
		}
	}
	return n
}

type fixture struct {
	sched    *Scheduler
	disp     *fakeDispatcher
	store    *storage.MemoryRunStore
	arts     *storage.MemoryArtifactStore
	resolver *dag.Resolver
}

func newFixture(t *testing.T, tasks []*workflow.Task, workers []*workflow.Worker, opts ...Option) *fixture {
	t.Helper()
	resolver, err := dag.Load(tasks)
	if err != nil {
		t.Fatalf("load dag: %v", err)
	}
	reg := worker.NewRegistry()
	for _, w := range workers {
		if err := reg.Register(w); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	store := storage.NewMemoryRunStore()
	for _, task := range tasks {
		task.RunID = "r1"
		if err := store.SaveTask(context.Background(), task); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	disp := &fakeDispatcher{fail: map[string]bool{}}
	arts := storage.NewMemoryArtifactStore()
	s := New("r1", resolver, reg, disp, store, arts, testLogger(), opts...)
	t.Cleanup(s.Close)
	return &fixture{sched: s, disp: disp, store: store, arts: arts, resolver: resolver}
}

func pending(id string, capability string, deps ...string) *workflow.Task {
	return &workflow.Task{
		ID:         id,
		Capability: capability,
		Status:     workflow.TaskPending,
		DependsOn:  deps,
	}
}

func allRounder(id string, max int) *workflow.Worker {
	return &workflow.Worker{ID: id, Capabilities: []string{"build"}, MaxTasks: max}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestDiamondExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		[]*workflow.Task{
			pending("a", "build"),
			pending("b", "build", "a"),
			pending("c", "build", "a"),
			pending("d", "build", "b", "c"),
		},
		[]*workflow.Worker{allRounder("w1", 2), allRounder("w2", 2)},
	)

	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := f.disp.dispatched(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected only a dispatched, got %v", got)
	}

	if err := f.sched.OnTaskResult(ctx, "a", true, nil, ""); err != nil {
		t.Fatalf("result a: %v", err)
	}
	// b and c run in parallel on distinct workers.
	got := f.disp.dispatched()
	if len(got) != 3 {
		t.Fatalf("expected b and c dispatched after a, got %v", got)
	}

	// d must not start before both b and c are done.
	if err := f.sched.OnTaskResult(ctx, "b", true, nil, ""); err != nil {
		t.Fatalf("result b: %v", err)
	}
	if f.disp.countOf("d") != 0 {
		t.Fatal("d dispatched before c completed")
	}
	if err := f.sched.OnTaskResult(ctx, "c", true, nil, ""); err != nil {
		t.Fatalf("result c: %v", err)
	}
	if f.disp.countOf("d") != 1 {
		t.Fatal("d not dispatched after b and c")
	}
	if err := f.sched.OnTaskResult(ctx, "d", true, nil, ""); err != nil {
		t.Fatalf("result d: %v", err)
	}
	if !f.resolver.AllDone() {
		t.Error("expected all tasks done")
	}
}

func TestPhaseCompleteHook(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	completed := 0
	f := newFixture(t,
		[]*workflow.Task{pending("a", "build")},
		[]*workflow.Worker{allRounder("w1", 1)},
		WithHooks(Hooks{OnPhaseComplete: func() {
			mu.Lock()
			completed++
			mu.Unlock()
		}}),
	)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := f.sched.OnTaskResult(ctx, "a", true, nil, ""); err != nil {
		t.Fatalf("result: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if completed != 1 {
		t.Errorf("phase complete fired %d times", completed)
	}
}

func TestCapacityBackpressure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		[]*workflow.Task{pending("a", "build"), pending("b", "build")},
		[]*workflow.Worker{allRounder("w1", 1)},
	)

	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := f.disp.dispatched(); len(got) != 1 {
		t.Fatalf("expected 1 dispatch with capacity 1, got %v", got)
	}

	// The waiting task is ready, not failed, and goes out once capacity frees.
	waiting, _ := f.store.GetTask(ctx, "r1", "b")
	if waiting.Status != workflow.TaskReady {
		t.Errorf("expected b ready under backpressure, got %s", waiting.Status)
	}
	if err := f.sched.OnTaskResult(ctx, "a", true, nil, ""); err != nil {
		t.Fatalf("result: %v", err)
	}
	if f.disp.countOf("b") != 1 {
		t.Error("b not dispatched after capacity freed")
	}
}

func TestRetryExhaustionRaisesOneIncident(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	incidents := 0
	f := newFixture(t,
		[]*workflow.Task{pending("a", "build"), pending("b", "build", "a")},
		[]*workflow.Worker{allRounder("w1", 1)},
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}),
		WithHooks(Hooks{OnPermanentFailure: func(_ context.Context, _ *workflow.Task, _ string) string {
			mu.Lock()
			incidents++
			mu.Unlock()
			return "inc-1"
		}}),
	)

	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Fail three times; the retry timers redispatch between failures.
	for attempt := 1; attempt <= 3; attempt++ {
		waitFor(t, func() bool { return f.disp.countOf("a") >= attempt },
			"task a not redispatched")
		if err := f.sched.OnTaskResult(ctx, "a", false, nil, "worker crashed"); err != nil {
			t.Fatalf("failure %d: %v", attempt, err)
		}
		got, _ := f.store.GetTask(ctx, "r1", "a")
		if attempt < 3 && got.Status == workflow.TaskFailed {
			t.Fatalf("task failed after %d attempts, before budget exhausted", attempt)
		}
	}

	got, _ := f.store.GetTask(ctx, "r1", "a")
	if got.Status != workflow.TaskFailed || got.RetryCount != 3 {
		t.Fatalf("expected failed after 3 attempts, got %s retries=%d", got.Status, got.RetryCount)
	}
	mu.Lock()
	if incidents != 1 {
		t.Errorf("expected exactly 1 incident, got %d", incidents)
	}
	mu.Unlock()

	// Transitive successor is blocked.
	succ, _ := f.store.GetTask(ctx, "r1", "b")
	if succ.Status != workflow.TaskBlocked {
		t.Errorf("expected b blocked, got %s", succ.Status)
	}
}

func TestRetryThenSuccessNoIncident(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	incidents := 0
	f := newFixture(t,
		[]*workflow.Task{pending("a", "build")},
		[]*workflow.Worker{allRounder("w1", 1)},
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}),
		WithHooks(Hooks{OnPermanentFailure: func(_ context.Context, _ *workflow.Task, _ string) string {
			mu.Lock()
			incidents++
			mu.Unlock()
			return ""
		}}),
	)

	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		waitFor(t, func() bool { return f.disp.countOf("a") >= attempt }, "not redispatched")
		if err := f.sched.OnTaskResult(ctx, "a", false, nil, "flake"); err != nil {
			t.Fatalf("failure %d: %v", attempt, err)
		}
	}
	waitFor(t, func() bool { return f.disp.countOf("a") >= 3 }, "not redispatched")
	if err := f.sched.OnTaskResult(ctx, "a", true, nil, ""); err != nil {
		t.Fatalf("success: %v", err)
	}

	got, _ := f.store.GetTask(ctx, "r1", "a")
	if got.Status != workflow.TaskDone {
		t.Errorf("expected done, got %s", got.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if incidents != 0 {
		t.Errorf("incident raised despite eventual success")
	}
}

func TestRetryWaitsOutBackoffAcrossTicks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		[]*workflow.Task{pending("a", "build"), pending("b", "build")},
		[]*workflow.Worker{allRounder("w1", 2)},
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, Base: time.Hour, Max: time.Hour}),
	)

	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.disp.countOf("a") != 1 || f.disp.countOf("b") != 1 {
		t.Fatalf("expected both tasks dispatched once, got %v", f.disp.dispatched())
	}

	if err := f.sched.OnTaskResult(ctx, "a", false, nil, "flake"); err != nil {
		t.Fatalf("failure: %v", err)
	}

	// Unrelated events must not redispatch a task waiting out its backoff:
	// a sibling completing triggers a tick, and so does the periodic loop.
	if err := f.sched.OnTaskResult(ctx, "b", true, nil, ""); err != nil {
		t.Fatalf("success: %v", err)
	}
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("manual tick: %v", err)
	}

	if got := f.disp.countOf("a"); got != 1 {
		t.Errorf("task a redispatched before its backoff elapsed (dispatches=%d)", got)
	}
	got, _ := f.store.GetTask(ctx, "r1", "a")
	if got.Status != workflow.TaskPending {
		t.Errorf("expected pending while waiting, got %s", got.Status)
	}
}

func TestOutputValidationFailure(t *testing.T) {
	ctx := context.Background()
	task := pending("a", "build")
	task.Outputs = []string{"schema.sql"}
	f := newFixture(t,
		[]*workflow.Task{task},
		[]*workflow.Worker{allRounder("w1", 1)},
		WithRetryPolicy(RetryPolicy{MaxRetries: 1, Base: time.Millisecond, Max: time.Millisecond}),
	)

	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// Worker claims success but never wrote the declared output.
	if err := f.sched.OnTaskResult(ctx, "a", true, nil, ""); err != nil {
		t.Fatalf("result: %v", err)
	}
	got, _ := f.store.GetTask(ctx, "r1", "a")
	if got.Status != workflow.TaskFailed {
		t.Fatalf("expected validation failure to fail task, got %s", got.Status)
	}
	if got.FailureCause == "" {
		t.Error("expected human-readable failure cause")
	}
}

func TestOutputValidationSuccess(t *testing.T) {
	ctx := context.Background()
	task := pending("a", "build")
	task.Outputs = []string{"schema.sql"}
	f := newFixture(t,
		[]*workflow.Task{task},
		[]*workflow.Worker{allRounder("w1", 1)},
	)

	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	ref, err := f.arts.Put(ctx, "r1", "a", "schema.sql", []byte("create table"))
	if err != nil {
		t.Fatalf("put artifact: %v", err)
	}
	if err := f.sched.OnTaskResult(ctx, "a", true, []workflow.ArtifactRef{ref}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}
	got, _ := f.store.GetTask(ctx, "r1", "a")
	if got.Status != workflow.TaskDone {
		t.Errorf("expected done, got %s", got.Status)
	}
}

func TestCancelTaskCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		[]*workflow.Task{pending("a", "build")},
		[]*workflow.Worker{allRounder("w1", 1)},
		WithRetryPolicy(RetryPolicy{MaxRetries: 1, Base: time.Millisecond, Max: time.Millisecond}),
	)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := f.sched.CancelTask(ctx, "a", "operator"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := f.store.GetTask(ctx, "r1", "a")
	if got.Status != workflow.TaskFailed {
		t.Fatalf("expected failed after cancel with budget 1, got %s", got.Status)
	}
	if got.FailureCause != "cancelled by operator" {
		t.Errorf("unexpected cause %q", got.FailureCause)
	}

	// Cancelling a non-running task is rejected.
	if err := f.sched.CancelTask(ctx, "a", "operator"); err == nil {
		t.Error("expected cancel of failed task to error")
	}
}

func TestFreezeBlocksNonTerminalTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		[]*workflow.Task{pending("a", "build"), pending("b", "build", "a")},
		[]*workflow.Worker{allRounder("w1", 1)},
	)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := f.sched.Freeze(ctx, "run cancelled"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		got, _ := f.store.GetTask(ctx, "r1", id)
		if got.Status != workflow.TaskBlocked {
			t.Errorf("task %s: expected blocked, got %s", id, got.Status)
		}
	}
	if !f.sched.Paused() {
		t.Error("scheduler must be paused after freeze")
	}
	// Ticks are no-ops while frozen.
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick while frozen: %v", err)
	}
	if len(f.disp.dispatched()) != 1 {
		t.Error("dispatch happened while frozen")
	}
}

func TestForceOverrideUnblocksSuccessors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		[]*workflow.Task{pending("a", "build"), pending("b", "build", "a")},
		[]*workflow.Worker{allRounder("w1", 1)},
		WithRetryPolicy(RetryPolicy{MaxRetries: 1, Base: time.Millisecond, Max: time.Millisecond}),
	)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := f.sched.OnTaskResult(ctx, "a", false, nil, "broken"); err != nil {
		t.Fatalf("fail a: %v", err)
	}
	if err := f.sched.ForceOverride(ctx, "a", "operator"); err != nil {
		t.Fatalf("override: %v", err)
	}
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.disp.countOf("b") != 1 {
		t.Error("b not dispatched after override")
	}

	// Audit trail records the operator.
	hist, _ := f.store.StatusHistory(ctx, "r1", "b")
	found := false
	for _, c := range hist {
		if c.Actor == "operator" {
			found = true
		}
	}
	if !found {
		t.Error("override not attributed to operator in audit trail")
	}
}

func TestDispatchFailureCountsAsAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		[]*workflow.Task{pending("a", "build")},
		[]*workflow.Worker{allRounder("w1", 1)},
		WithRetryPolicy(RetryPolicy{MaxRetries: 1, Base: time.Millisecond, Max: time.Millisecond}),
	)
	f.disp.fail["a"] = true
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := f.store.GetTask(ctx, "r1", "a")
	if got.Status != workflow.TaskFailed {
		t.Errorf("expected failed after dispatch failure with budget 1, got %s", got.Status)
	}
}
