package runapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/c360studio/phaseline/storage"
	"github.com/c360studio/phaseline/workflow"
)

// fakePublisher records published commands.
type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func newTestComponent(t *testing.T) (*Component, *storage.Store, *fakePublisher) {
	t.Helper()
	store := storage.NewMemoryStore()
	pub := &fakePublisher{}
	c := &Component{
		name:     "run-api",
		config:   DefaultConfig(),
		logger:   slog.New(slog.DiscardHandler),
		store:    store,
		commands: pub,
	}
	return c, store, pub
}

func newTestServer(t *testing.T, c *Component) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	c.RegisterHTTPHandlers("/phaseline/", mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func seedRun(t *testing.T, store *storage.Store) *workflow.Run {
	t.Helper()
	ctx := context.Background()
	run := &workflow.Run{
		ID:         "run-1",
		Definition: "checkout-service",
		Phases:     []workflow.PhaseName{workflow.PhaseDiscovery, workflow.PhaseArchitecture},
		Current:    workflow.PhaseDiscovery,
		Status:     workflow.RunRunning,
		CreatedAt:  time.Now(),
	}
	if err := store.Runs.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	tasks := []*workflow.Task{
		{ID: "d1", RunID: run.ID, Phase: workflow.PhaseDiscovery, Capability: "analysis", Status: workflow.TaskDone},
		{ID: "d2", RunID: run.ID, Phase: workflow.PhaseDiscovery, Capability: "analysis", Status: workflow.TaskRunning},
		{ID: "a1", RunID: run.ID, Phase: workflow.PhaseArchitecture, Capability: "design", Status: workflow.TaskPending},
	}
	for _, task := range tasks {
		if err := store.Runs.SaveTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	return run
}

func TestListRuns(t *testing.T) {
	c, store, _ := newTestComponent(t)
	seedRun(t, store)
	srv := newTestServer(t, c)

	resp, err := http.Get(srv.URL + "/phaseline/runs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var summaries []RunSummary
	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 run, got %d", len(summaries))
	}
	if summaries[0].ID != "run-1" {
		t.Errorf("run ID = %s, want run-1", summaries[0].ID)
	}
	if summaries[0].Definition != "checkout-service" {
		t.Errorf("definition = %s, want checkout-service", summaries[0].Definition)
	}
}

func TestRunDetailCountsTasks(t *testing.T) {
	c, store, _ := newTestComponent(t)
	seedRun(t, store)
	srv := newTestServer(t, c)

	resp, err := http.Get(srv.URL + "/phaseline/runs/run-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var detail RunDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.Run.ID != "run-1" {
		t.Errorf("run ID = %s", detail.Run.ID)
	}
	if detail.TaskCounts["done"] != 1 || detail.TaskCounts["running"] != 1 || detail.TaskCounts["pending"] != 1 {
		t.Errorf("unexpected task counts: %v", detail.TaskCounts)
	}
}

func TestRunDetailNotFound(t *testing.T) {
	c, _, _ := newTestComponent(t)
	srv := newTestServer(t, c)

	resp, err := http.Get(srv.URL + "/phaseline/runs/no-such-run")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartRunPublishesCommand(t *testing.T) {
	c, _, pub := newTestComponent(t)
	srv := newTestServer(t, c)

	body, _ := json.Marshal(workflow.RunStartPayload{DefinitionName: "checkout-service", RequestedBy: "ops"})
	resp, err := http.Post(srv.URL+"/phaseline/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != workflow.SubjectRunStart {
		t.Fatalf("published subjects = %v", pub.subjects)
	}

	// The wire message is a BaseMessage envelope; the payload must round-trip.
	parsed, err := workflow.ParseNATSMessage[workflow.RunStartPayload](pub.payloads[0])
	if err != nil {
		t.Fatal(err)
	}
	if parsed.DefinitionName != "checkout-service" {
		t.Errorf("definition_name = %s", parsed.DefinitionName)
	}
}

func TestStartRunRejectsInvalidPayload(t *testing.T) {
	c, _, pub := newTestComponent(t)
	srv := newTestServer(t, c)

	// Neither definition_name nor inline definition.
	resp, err := http.Post(srv.URL+"/phaseline/runs", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if len(pub.subjects) != 0 {
		t.Errorf("expected no publish, got %v", pub.subjects)
	}
}

func TestGateDecisionFillsPathIDs(t *testing.T) {
	c, _, pub := newTestComponent(t)
	srv := newTestServer(t, c)

	body, _ := json.Marshal(workflow.GateDecisionPayload{Approve: true, Actor: "lead"})
	resp, err := http.Post(srv.URL+"/phaseline/runs/run-1/gates/gate-9", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	parsed, err := workflow.ParseNATSMessage[workflow.GateDecisionPayload](pub.payloads[0])
	if err != nil {
		t.Fatal(err)
	}
	if parsed.RunID != "run-1" || parsed.GateID != "gate-9" {
		t.Errorf("path IDs not applied: run=%s gate=%s", parsed.RunID, parsed.GateID)
	}
}

func TestControlRejectsUnknownAction(t *testing.T) {
	c, _, pub := newTestComponent(t)
	srv := newTestServer(t, c)

	body, _ := json.Marshal(workflow.RunControlPayload{Action: "explode", Actor: "ops"})
	resp, err := http.Post(srv.URL+"/phaseline/runs/run-1/control", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if len(pub.subjects) != 0 {
		t.Errorf("expected no publish, got %v", pub.subjects)
	}
}

func TestControlRollbackRequiresCheckpoint(t *testing.T) {
	c, _, _ := newTestComponent(t)
	srv := newTestServer(t, c)

	body, _ := json.Marshal(workflow.RunControlPayload{Action: workflow.ControlRollback, Actor: "ops"})
	resp, err := http.Post(srv.URL+"/phaseline/runs/run-1/control", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSprintDetailByOrdinal(t *testing.T) {
	c, store, _ := newTestComponent(t)
	run := seedRun(t, store)
	ctx := context.Background()

	sprint := &workflow.Sprint{
		ID:       "sprint-1",
		RunID:    run.ID,
		Ordinal:  1,
		Capacity: 20,
		TaskIDs:  []string{"d1", "d2"},
		Status:   workflow.SprintActive,
	}
	if err := store.Runs.SaveSprint(ctx, sprint); err != nil {
		t.Fatal(err)
	}

	srv := newTestServer(t, c)
	resp, err := http.Get(srv.URL + "/phaseline/runs/run-1/sprints/1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var detail SprintDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.Sprint.ID != "sprint-1" {
		t.Errorf("sprint ID = %s", detail.Sprint.ID)
	}
	if len(detail.Tasks) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(detail.Tasks))
	}
}

func TestTaskResultPublishesToRunSubject(t *testing.T) {
	c, _, pub := newTestComponent(t)
	srv := newTestServer(t, c)

	body, _ := json.Marshal(workflow.TaskResultPayload{TaskID: "d1", Success: true})
	resp, err := http.Post(srv.URL+"/phaseline/runs/run-1/results", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	want := workflow.SubjectTaskResultPrefix + "run-1"
	if len(pub.subjects) != 1 || pub.subjects[0] != want {
		t.Errorf("subjects = %v, want [%s]", pub.subjects, want)
	}
}
