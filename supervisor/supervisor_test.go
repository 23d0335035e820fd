package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/phaseline/scheduler"
	"github.com/c360studio/phaseline/storage"
	"github.com/c360studio/phaseline/workflow"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, task *workflow.Task, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, task.ID)
	return nil
}

func (d *fakeDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDispatcher) count(taskID string) int {
	n := 0
	for _, id := range d.dispatched() {
		if id == taskID {
			n++
		}
	}
	return n
}

type recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *recorder) Publish(_ context.Context, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

func newFixture(t *testing.T, opts ...Option) (*Supervisor, *storage.Store, *fakeDispatcher, *recorder) {
	t.Helper()
	store := storage.NewMemoryStore()
	dispatch := &fakeDispatcher{}
	sink := &recorder{}
	opts = append([]Option{WithEventSink(sink)}, opts...)
	s := New(store, dispatch, slog.New(slog.DiscardHandler), opts...)
	t.Cleanup(s.Close)
	return s, store, dispatch, sink
}

func parseDef(t *testing.T, doc string) *workflow.Definition {
	t.Helper()
	def, err := workflow.ParseDefinition([]byte(doc))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	return def
}

func succeed(t *testing.T, s *Supervisor, runID, taskID string) {
	t.Helper()
	err := s.ReportTaskResult(context.Background(), &workflow.TaskResultPayload{
		RunID:   runID,
		TaskID:  taskID,
		Success: true,
	})
	if err != nil {
		t.Fatalf("report %s: %v", taskID, err)
	}
}

const twoPhaseDef = `
name: checkout-service
phases:
  - name: discovery
    tasks:
      - id: d1
        capability: analysis
        estimate: 3
  - name: architecture
    tasks:
      - id: a1
        capability: design
        estimate: 5
workers:
  - id: analyst-1
    capabilities: [analysis]
    max_tasks: 2
  - id: architect-1
    capabilities: [design]
    max_tasks: 2
`

const gatedDef = `
name: checkout-service
phases:
  - name: discovery
    tasks:
      - id: d1
        capability: analysis
        estimate: 3
      - id: d2
        capability: analysis
        estimate: 2
      - id: d3
        capability: analysis
        estimate: 1
    gate:
      id: discovery-signoff
  - name: architecture
    tasks:
      - id: a1
        capability: design
        estimate: 5
workers:
  - id: analyst-1
    capabilities: [analysis]
    max_tasks: 3
  - id: architect-1
    capabilities: [design]
    max_tasks: 2
`

func TestStartRunRejectsCyclicDefinition(t *testing.T) {
	s, _, _, _ := newFixture(t)

	def := parseDef(t, `
name: cyclic
phases:
  - name: discovery
    tasks:
      - id: a
        capability: analysis
        estimate: 1
        depends_on: [b]
      - id: b
        capability: analysis
        estimate: 1
        depends_on: [a]
workers:
  - id: analyst-1
    capabilities: [analysis]
    max_tasks: 2
`)
	if _, err := s.StartRun(context.Background(), def); err == nil {
		t.Fatal("expected cycle rejection")
	}
}

func TestPhaseAdvanceWithoutGate(t *testing.T) {
	s, store, dispatch, sink := newFixture(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, parseDef(t, twoPhaseDef))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if got := dispatch.dispatched(); len(got) != 1 || got[0] != "d1" {
		t.Fatalf("expected d1 dispatched, got %v", got)
	}

	succeed(t, s, run.ID, "d1")
	if dispatch.count("a1") != 1 {
		t.Fatalf("expected a1 dispatched after discovery, got %v", dispatch.dispatched())
	}

	succeed(t, s, run.ID, "a1")
	stored, err := store.Runs.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != workflow.RunCompleted {
		t.Fatalf("run status = %s, want completed", stored.Status)
	}

	var advanced, completed bool
	for _, e := range sink.all() {
		switch ev := e.(type) {
		case workflow.PhaseAdvancedEvent:
			if ev.From == "discovery" && ev.To == "architecture" {
				advanced = true
			}
		case workflow.RunCompletedEvent:
			completed = true
		}
	}
	if !advanced || !completed {
		t.Fatalf("missing lifecycle events: advanced=%v completed=%v", advanced, completed)
	}
}

func TestGateOpensOnlyAfterPhaseDAGDone(t *testing.T) {
	s, store, _, _ := newFixture(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, parseDef(t, gatedDef))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	succeed(t, s, run.ID, "d1")
	succeed(t, s, run.ID, "d2")
	if gates, _ := store.Runs.ListGates(ctx, run.ID); len(gates) != 0 {
		t.Fatalf("gate created before phase DAG done: %v", gates)
	}

	succeed(t, s, run.ID, "d3")
	gates, err := store.Runs.ListGates(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListGates: %v", err)
	}
	if len(gates) != 1 || gates[0].ID != "discovery-signoff" || gates[0].Status != workflow.GatePending {
		t.Fatalf("expected pending discovery-signoff gate, got %v", gates)
	}
}

func TestGateApprovalCheckpointsAndAdvances(t *testing.T) {
	s, store, dispatch, _ := newFixture(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, parseDef(t, gatedDef))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		succeed(t, s, run.ID, id)
	}

	g, err := s.DecideGate(ctx, &workflow.GateDecisionPayload{
		RunID:   run.ID,
		GateID:  "discovery-signoff",
		Approve: true,
		Actor:   "lead",
	})
	if err != nil {
		t.Fatalf("DecideGate: %v", err)
	}
	if g.Status != workflow.GateApproved {
		t.Fatalf("gate status = %s, want approved", g.Status)
	}

	stored, _ := store.Runs.GetRun(ctx, run.ID)
	if stored.Current != workflow.PhaseArchitecture {
		t.Fatalf("current phase = %s, want architecture after approval", stored.Current)
	}
	if dispatch.count("a1") != 1 {
		t.Fatalf("a1 dispatch count = %d, want 1", dispatch.count("a1"))
	}

	cps, err := s.Checkpoints(ctx, run.ID)
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	if len(cps) != 1 || cps[0].Kind != workflow.CheckpointGateApproval {
		t.Fatalf("expected one gate_approval checkpoint, got %v", cps)
	}

	// Decisions are final: a second decision on the same gate is rejected.
	_, err = s.DecideGate(ctx, &workflow.GateDecisionPayload{
		RunID: run.ID, GateID: "discovery-signoff", Approve: false, Actor: "lead",
		ReworkScope: []string{"d1"},
	})
	var gterr *workflow.GateTransitionError
	if !errors.As(err, &gterr) {
		t.Fatalf("expected GateTransitionError, got %v", err)
	}
}

func TestGateRejectionReopensExactlyScope(t *testing.T) {
	s, store, dispatch, _ := newFixture(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, parseDef(t, gatedDef))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		succeed(t, s, run.ID, id)
	}

	g, err := s.DecideGate(ctx, &workflow.GateDecisionPayload{
		RunID:       run.ID,
		GateID:      "discovery-signoff",
		Approve:     false,
		Actor:       "lead",
		Rationale:   "requirements incomplete",
		ReworkScope: []string{"d2"},
	})
	if err != nil {
		t.Fatalf("DecideGate reject: %v", err)
	}
	if g.Status != workflow.GateRejected || g.Rejections != 1 {
		t.Fatalf("gate = %s rejections=%d, want rejected/1", g.Status, g.Rejections)
	}

	tasks, _ := store.Runs.ListTasks(ctx, run.ID)
	for _, task := range tasks {
		if task.Phase != workflow.PhaseDiscovery {
			continue
		}
		switch task.ID {
		case "d2":
			if task.Status == workflow.TaskDone {
				t.Fatal("d2 should have been reopened")
			}
		default:
			if task.Status != workflow.TaskDone {
				t.Fatalf("%s status = %s, want done (outside rework scope)", task.ID, task.Status)
			}
		}
	}
	if dispatch.count("d2") != 2 {
		t.Fatalf("d2 dispatch count = %d, want 2", dispatch.count("d2"))
	}

	// Completing the rework reopens the same gate for a fresh decision.
	succeed(t, s, run.ID, "d2")
	reopened, err := store.Runs.GetGate(ctx, run.ID, "discovery-signoff")
	if err != nil {
		t.Fatalf("GetGate: %v", err)
	}
	if reopened.Status != workflow.GatePending {
		t.Fatalf("gate status = %s, want pending after rework", reopened.Status)
	}

	if _, err := s.DecideGate(ctx, &workflow.GateDecisionPayload{
		RunID: run.ID, GateID: "discovery-signoff", Approve: true, Actor: "lead",
	}); err != nil {
		t.Fatalf("approve after rework: %v", err)
	}
	succeed(t, s, run.ID, "a1")
	stored, _ := store.Runs.GetRun(ctx, run.ID)
	if stored.Status != workflow.RunCompleted {
		t.Fatalf("run status = %s, want completed", stored.Status)
	}
}

func TestGateRejectionRequiresScope(t *testing.T) {
	s, store, _, _ := newFixture(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, parseDef(t, gatedDef))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		succeed(t, s, run.ID, id)
	}

	// No pattern and no redo_on_reject task: the engine refuses to guess.
	_, err = s.DecideGate(ctx, &workflow.GateDecisionPayload{
		RunID: run.ID, GateID: "discovery-signoff", Approve: false, Actor: "lead",
	})
	if !errors.Is(err, workflow.ErrReworkScopeRequired) {
		t.Fatalf("expected ErrReworkScopeRequired, got %v", err)
	}

	g, _ := store.Runs.GetGate(ctx, run.ID, "discovery-signoff")
	if g.Status != workflow.GatePending {
		t.Fatalf("gate status = %s, want still pending", g.Status)
	}
}

func TestSprintLoopCommitsByCapacityAndReplans(t *testing.T) {
	s, store, dispatch, sink := newFixture(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, parseDef(t, `
name: checkout-service
phases:
  - name: implementation
    tasks:
      - id: t1
        capability: build
        estimate: 8
        priority: 4
      - id: t2
        capability: build
        estimate: 5
        priority: 3
      - id: t3
        capability: build
        estimate: 5
        priority: 2
      - id: t4
        capability: build
        estimate: 13
        priority: 1
workers:
  - id: builder-1
    capabilities: [build]
    max_tasks: 4
sprints:
  seed_capacity: 20
`))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	sprints, _ := store.Runs.ListSprints(ctx, run.ID)
	if len(sprints) != 1 {
		t.Fatalf("expected one sprint, got %d", len(sprints))
	}
	first := sprints[0]
	if first.Committed != 18 || len(first.TaskIDs) != 3 {
		t.Fatalf("sprint 1 committed=%d tasks=%v, want 18 points over [t1 t2 t3]", first.Committed, first.TaskIDs)
	}
	if dispatch.count("t4") != 0 {
		t.Fatal("t4 dispatched outside its sprint")
	}

	for _, id := range []string{"t1", "t2", "t3"} {
		succeed(t, s, run.ID, id)
	}

	closed, _ := store.Runs.GetSprint(ctx, run.ID, first.ID)
	if closed.Status != workflow.SprintClosed || closed.Completed != 18 || closed.Velocity != 1.0 {
		t.Fatalf("sprint 1 after close = %+v", closed)
	}

	sprints, _ = store.Runs.ListSprints(ctx, run.ID)
	if len(sprints) != 2 {
		t.Fatalf("expected second sprint planned, got %d", len(sprints))
	}
	second := sprints[1]
	if second.Capacity != 18 || second.Committed != 13 {
		t.Fatalf("sprint 2 capacity=%d committed=%d, want 18/13", second.Capacity, second.Committed)
	}
	if dispatch.count("t4") != 1 {
		t.Fatalf("t4 dispatch count = %d, want 1", dispatch.count("t4"))
	}

	succeed(t, s, run.ID, "t4")
	stored, _ := store.Runs.GetRun(ctx, run.ID)
	if stored.Status != workflow.RunCompleted {
		t.Fatalf("run status = %s, want completed", stored.Status)
	}

	cps, _ := s.Checkpoints(ctx, run.ID)
	if len(cps) != 2 {
		t.Fatalf("expected two sprint_close checkpoints, got %d", len(cps))
	}
	for _, cp := range cps {
		if cp.Kind != workflow.CheckpointSprintClose {
			t.Fatalf("checkpoint kind = %s, want sprint_close", cp.Kind)
		}
	}

	planned := 0
	for _, e := range sink.all() {
		if _, ok := e.(workflow.SprintPlannedEvent); ok {
			planned++
		}
	}
	if planned != 2 {
		t.Fatalf("SprintPlannedEvent count = %d, want 2", planned)
	}
}

func TestPermanentFailureRaisesIncidentAndBlocksSuccessors(t *testing.T) {
	s, store, dispatch, _ := newFixture(t, WithRetryPolicy(scheduler.RetryPolicy{
		MaxRetries: 1,
		Base:       time.Millisecond,
		Max:        time.Millisecond,
	}))
	ctx := context.Background()

	run, err := s.StartRun(ctx, parseDef(t, `
name: checkout-service
phases:
  - name: discovery
    tasks:
      - id: f1
        capability: analysis
        estimate: 2
        severity: SEV2
      - id: f2
        capability: analysis
        estimate: 2
        depends_on: [f1]
workers:
  - id: analyst-1
    capabilities: [analysis]
    max_tasks: 2
`))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	err = s.ReportTaskResult(ctx, &workflow.TaskResultPayload{
		RunID: run.ID, TaskID: "f1", Success: false, Cause: "requirements source unreachable",
	})
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}

	f1, _ := store.Runs.GetTask(ctx, run.ID, "f1")
	f2, _ := store.Runs.GetTask(ctx, run.ID, "f2")
	if f1.Status != workflow.TaskFailed || f2.Status != workflow.TaskBlocked {
		t.Fatalf("f1=%s f2=%s, want failed/blocked", f1.Status, f2.Status)
	}

	open, err := s.Incidents().Open(ctx, run.ID)
	if err != nil {
		t.Fatalf("Open incidents: %v", err)
	}
	if len(open) != 1 || open[0].Severity != workflow.SeverityHigh || open[0].Source != "task:f1" {
		t.Fatalf("open incidents = %v, want one SEV2 from task:f1", open)
	}

	if err := s.OverrideFailure(ctx, run.ID, "f1", "oncall"); err != nil {
		t.Fatalf("OverrideFailure: %v", err)
	}
	if dispatch.count("f2") != 1 {
		t.Fatalf("f2 dispatch count = %d, want 1 after override", dispatch.count("f2"))
	}
}

func TestRollbackRoundTrip(t *testing.T) {
	s, store, dispatch, _ := newFixture(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, parseDef(t, `
name: checkout-service
phases:
  - name: discovery
    tasks:
      - id: d1
        capability: analysis
        estimate: 3
    gate:
      id: discovery-signoff
  - name: architecture
    tasks:
      - id: a1
        capability: design
        estimate: 5
workers:
  - id: analyst-1
    capabilities: [analysis]
    max_tasks: 2
  - id: architect-1
    capabilities: [design]
    max_tasks: 2
`))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	succeed(t, s, run.ID, "d1")
	if _, err := s.DecideGate(ctx, &workflow.GateDecisionPayload{
		RunID: run.ID, GateID: "discovery-signoff", Approve: true, Actor: "lead",
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	cps, _ := s.Checkpoints(ctx, run.ID)
	if len(cps) != 1 {
		t.Fatalf("expected one checkpoint, got %d", len(cps))
	}
	cp := cps[0]

	// Drift past the checkpoint, then roll back.
	succeed(t, s, run.ID, "a1")
	if stored, _ := store.Runs.GetRun(ctx, run.ID); stored.Status != workflow.RunCompleted {
		t.Fatalf("run status = %s, want completed before rollback", stored.Status)
	}

	inc, err := s.TriggerRollback(ctx, run.ID, cp.ID, "")
	if err != nil {
		t.Fatalf("TriggerRollback: %v", err)
	}
	if inc.RollbackTarget != cp.ID || inc.Severity != workflow.SeverityHigh {
		t.Fatalf("rollback incident = %+v, want SEV2 targeting %s", inc, cp.ID)
	}

	// Every task is back to its snapshot state.
	for _, snap := range cp.Tasks {
		got, err := store.Runs.GetTask(ctx, run.ID, snap.ID)
		if err != nil {
			t.Fatalf("GetTask %s: %v", snap.ID, err)
		}
		if got.Status != snap.Status {
			t.Fatalf("task %s status = %s, want %s from checkpoint", snap.ID, got.Status, snap.Status)
		}
	}
	restored, _ := store.Runs.GetRun(ctx, run.ID)
	if restored.Current != cp.Run.Current {
		t.Fatalf("current phase = %s, want %s", restored.Current, cp.Run.Current)
	}
	if restored.Status != workflow.RunPaused {
		t.Fatalf("run status = %s, want paused for operator review", restored.Status)
	}

	// Resuming replays the restored phase.
	if err := s.ResumeRun(ctx, run.ID); err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	if dispatch.count("a1") != 2 {
		t.Fatalf("a1 dispatch count = %d, want redispatch after resume", dispatch.count("a1"))
	}
	succeed(t, s, run.ID, "a1")
	final, _ := store.Runs.GetRun(ctx, run.ID)
	if final.Status != workflow.RunCompleted {
		t.Fatalf("run status = %s, want completed after replay", final.Status)
	}
}

func TestCancelRunIsTerminal(t *testing.T) {
	s, store, _, _ := newFixture(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, parseDef(t, twoPhaseDef))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := s.CancelRun(ctx, run.ID, "operator", "requirements withdrawn"); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	stored, _ := store.Runs.GetRun(ctx, run.ID)
	if stored.Status != workflow.RunAborted {
		t.Fatalf("run status = %s, want aborted", stored.Status)
	}
	d1, _ := store.Runs.GetTask(ctx, run.ID, "d1")
	if d1.Status != workflow.TaskBlocked {
		t.Fatalf("d1 status = %s, want blocked after cancel", d1.Status)
	}

	err = s.ReportTaskResult(ctx, &workflow.TaskResultPayload{
		RunID: run.ID, TaskID: "d1", Success: true,
	})
	if !errors.Is(err, workflow.ErrRunTerminal) {
		t.Fatalf("expected ErrRunTerminal, got %v", err)
	}

	if err := s.CancelRun(ctx, run.ID, "operator", "again"); !errors.Is(err, workflow.ErrRunTerminal) {
		t.Fatalf("expected ErrRunTerminal on double cancel, got %v", err)
	}
}

func TestCloseDueSprintsRollsOverUnfinishedWork(t *testing.T) {
	s, store, _, _ := newFixture(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, parseDef(t, `
name: checkout-service
phases:
  - name: implementation
    tasks:
      - id: t1
        capability: build
        estimate: 5
      - id: t2
        capability: build
        estimate: 5
workers:
  - id: builder-1
    capabilities: [build]
    max_tasks: 2
sprints:
  seed_capacity: 20
  time_box: 1ms
`))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := s.CloseDueSprints(ctx); err != nil {
		t.Fatalf("CloseDueSprints: %v", err)
	}

	sprints, _ := store.Runs.ListSprints(ctx, run.ID)
	if len(sprints) != 2 {
		t.Fatalf("expected rollover into a second sprint, got %d sprints", len(sprints))
	}
	if sprints[0].Status != workflow.SprintClosed || sprints[0].Completed != 0 {
		t.Fatalf("sprint 1 = %+v, want closed with nothing completed", sprints[0])
	}
	if len(sprints[1].TaskIDs) != 2 {
		t.Fatalf("sprint 2 tasks = %v, want both rolled over", sprints[1].TaskIDs)
	}
}

func TestSprintRolloverReleasesWorkerSlots(t *testing.T) {
	s, _, dispatch, _ := newFixture(t)
	ctx := context.Background()

	// builder-1 has exactly enough capacity for both tasks. If the slots
	// held by the running tasks are not released at the time box boundary,
	// the rolled-over tasks can never be assigned again.
	_, err := s.StartRun(ctx, parseDef(t, `
name: checkout-service
phases:
  - name: implementation
    tasks:
      - id: t1
        capability: build
        estimate: 5
      - id: t2
        capability: build
        estimate: 5
workers:
  - id: builder-1
    capabilities: [build]
    max_tasks: 2
sprints:
  seed_capacity: 20
  time_box: 1ms
`))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if dispatch.count("t1") != 1 || dispatch.count("t2") != 1 {
		t.Fatalf("expected both tasks dispatched in sprint 1, got %v", dispatch.dispatched())
	}

	time.Sleep(5 * time.Millisecond)
	if err := s.CloseDueSprints(ctx); err != nil {
		t.Fatalf("CloseDueSprints: %v", err)
	}

	if dispatch.count("t1") != 2 || dispatch.count("t2") != 2 {
		t.Fatalf("rolled-over tasks not redispatched, dispatches = %v", dispatch.dispatched())
	}
}
