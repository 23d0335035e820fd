package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/phaseline/workflow"
)

func TestMemoryRunStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()

	run := &workflow.Run{ID: "r1", Status: workflow.RunRunning, Current: workflow.PhaseDiscovery}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != workflow.RunRunning {
		t.Errorf("unexpected status %s", got.Status)
	}

	// Mutating the returned copy must not change stored state.
	got.Status = workflow.RunAborted
	again, _ := s.GetRun(ctx, "r1")
	if again.Status != workflow.RunRunning {
		t.Error("store leaked mutable state")
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRunStoreTasksByRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()
	for _, id := range []string{"b", "a", "c"} {
		if err := s.SaveTask(ctx, &workflow.Task{ID: id, RunID: "r1", Status: workflow.TaskPending}); err != nil {
			t.Fatalf("save task: %v", err)
		}
	}
	if err := s.SaveTask(ctx, &workflow.Task{ID: "x", RunID: "r2", Status: workflow.TaskPending}); err != nil {
		t.Fatalf("save task: %v", err)
	}

	tasks, err := s.ListTasks(ctx, "r1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 3 || tasks[0].ID != "a" || tasks[2].ID != "c" {
		t.Errorf("unexpected task list %v", tasks)
	}
}

func TestMemoryStatusHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()
	now := time.Now()
	changes := []workflow.StatusChange{
		{TaskID: "t1", From: workflow.TaskPending, To: workflow.TaskReady, At: now},
		{TaskID: "t1", From: workflow.TaskReady, To: workflow.TaskRunning, At: now.Add(time.Second)},
		{TaskID: "t2", From: workflow.TaskPending, To: workflow.TaskReady, At: now},
	}
	for _, c := range changes {
		if err := s.AppendStatusChange(ctx, "r1", c); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	hist, err := s.StatusHistory(ctx, "r1", "t1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[1].To != workflow.TaskRunning {
		t.Errorf("unexpected history %v", hist)
	}
}

func TestMemoryCheckpointLogSequencing(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryCheckpointLog()

	for i, id := range []string{"cp1", "cp2", "cp3"} {
		cp := &workflow.Checkpoint{ID: id, RunID: "r1", Kind: workflow.CheckpointGateApproval}
		if err := l.Append(ctx, cp); err != nil {
			t.Fatalf("append: %v", err)
		}
		if cp.Sequence != i+1 {
			t.Errorf("expected sequence %d, got %d", i+1, cp.Sequence)
		}
	}

	latest, err := l.Latest(ctx, "r1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != "cp3" {
		t.Errorf("expected cp3 latest, got %s", latest.ID)
	}

	got, err := l.Get(ctx, "r1", "cp2")
	if err != nil || got.Sequence != 2 {
		t.Errorf("get cp2: %v %v", got, err)
	}

	if _, err := l.Latest(ctx, "empty"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty run, got %v", err)
	}
}

func TestMemoryArtifactVersioning(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArtifactStore()

	ref1, err := a.Put(ctx, "r1", "t1", "schema.sql", []byte("v1"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref1.Version != 1 {
		t.Errorf("expected version 1, got %d", ref1.Version)
	}
	ref2, err := a.Put(ctx, "r1", "t1", "schema.sql", []byte("v2"))
	if err != nil {
		t.Fatalf("put v2: %v", err)
	}
	if ref2.Version != 2 {
		t.Errorf("expected version 2, got %d", ref2.Version)
	}

	// Old version stays readable and unchanged.
	data, err := a.Get(ctx, "r1", ref1)
	if err != nil || string(data) != "v1" {
		t.Errorf("get v1: %q %v", data, err)
	}

	latest, err := a.LatestVersion(ctx, "r1", "t1", "schema.sql")
	if err != nil || latest != 2 {
		t.Errorf("latest: %d %v", latest, err)
	}

	ok, err := a.Exists(ctx, "r1", workflow.ArtifactRef{TaskID: "t1", Key: "schema.sql", Version: 9})
	if err != nil || ok {
		t.Errorf("version 9 should not exist")
	}
}
