package workflow

import (
	"strings"
	"testing"
	"time"
)

const validDefinition = `
name: checkout-service
phases:
  - name: discovery
    tasks:
      - id: requirements
        capability: product-analysis
        outputs: [requirements.md]
        estimate: 3
    gate:
      id: discovery-signoff
      escalate_after: 48h
  - name: implementation
    tasks:
      - id: schema
        capability: db-design
        outputs: [schema.sql]
        estimate: 5
        priority: 10
        redo_on_reject: true
      - id: api
        capability: backend
        inputs: [schema.sql]
        outputs: [api.go]
        estimate: 8
        depends_on: [schema]
workers:
  - id: analyst-1
    capabilities: [product-analysis]
    max_tasks: 1
  - id: builder-1
    capabilities: [db-design, backend]
    max_tasks: 2
sprints:
  seed_capacity: 20
  time_box: 336h
`

func TestParseValidDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(validDefinition))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Name != "checkout-service" {
		t.Errorf("unexpected name %q", def.Name)
	}
	if len(def.Phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(def.Phases))
	}
	if def.Phases[0].Gate == nil || def.Phases[0].Gate.ID != "discovery-signoff" {
		t.Error("discovery gate missing")
	}
	d, err := def.Phases[0].Gate.EscalateAfterDuration()
	if err != nil || d.Hours() != 48 {
		t.Errorf("escalate_after: %v %v", d, err)
	}
	impl := def.Phase(PhaseImplementation)
	if impl == nil || len(impl.Tasks) != 2 {
		t.Fatal("implementation phase missing tasks")
	}
	if !impl.Tasks[0].RedoOnReject {
		t.Error("schema should carry redo_on_reject")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s string) string
		wantErr string
	}{
		{
			name:    "unknown phase",
			mutate:  func(s string) string { return strings.Replace(s, "name: discovery", "name: qa", 1) },
			wantErr: "unknown phase",
		},
		{
			name: "out of order phases",
			mutate: func(s string) string {
				s = strings.Replace(s, "name: discovery", "name: integration", 1)
				return s
			},
			wantErr: "out of canonical order",
		},
		{
			name:    "dangling dependency",
			mutate:  func(s string) string { return strings.Replace(s, "depends_on: [schema]", "depends_on: [ghost]", 1) },
			wantErr: "unknown task",
		},
		{
			name:    "uncovered capability",
			mutate:  func(s string) string { return strings.Replace(s, "capability: backend", "capability: ml-ops", 1) },
			wantErr: "no worker provides it",
		},
		{
			name:    "duplicate task id",
			mutate:  func(s string) string { return strings.Replace(s, "id: api", "id: schema", 1) },
			wantErr: "duplicate task id",
		},
		{
			name:    "zero max_tasks",
			mutate:  func(s string) string { return strings.Replace(s, "max_tasks: 2", "max_tasks: 0", 1) },
			wantErr: "max_tasks",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.mutate(validDefinition)))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestCrossPhaseDependencyRejected(t *testing.T) {
	def := strings.Replace(validDefinition, "depends_on: [schema]", "depends_on: [requirements]", 1)
	_, err := ParseDefinition([]byte(def))
	if err == nil || !strings.Contains(err.Error(), "different phase") {
		t.Fatalf("expected cross-phase rejection, got %v", err)
	}
}

func TestBuildTasks(t *testing.T) {
	def, err := ParseDefinition([]byte(validDefinition))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	impl := def.Phase(PhaseImplementation)
	tasks := impl.BuildTasks("run-1", time.Now())
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	for _, tk := range tasks {
		if tk.RunID != "run-1" || tk.Phase != PhaseImplementation || tk.Status != TaskPending {
			t.Errorf("task %s not initialized correctly: %+v", tk.ID, tk)
		}
	}
}
