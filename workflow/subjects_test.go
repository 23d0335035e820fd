package workflow

import "testing"

// Status constants and event subject vars live in the same package; this
// pins the subject names so they stay distinct from the status identifiers
// and the patterns stay under the events hierarchy.
func TestEventSubjectPatterns(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{RunCompletedSubject.Pattern, "workflow.events.run.completed"},
		{TaskDoneSubject.Pattern, "workflow.events.task.done"},
		{TaskFailedSubject.Pattern, "workflow.events.task.failed"},
		{SprintClosedSubject.Pattern, "workflow.events.sprint.closed"},
		{IncidentEscalatedSubject.Pattern, "workflow.events.incident.escalated"},
		{DefinitionUpdatedSubject.Pattern, "workflow.events.definition.updated"},
	}
	for _, tt := range tests {
		if tt.pattern != tt.want {
			t.Errorf("subject pattern = %s, want %s", tt.pattern, tt.want)
		}
	}

	// The status identifiers are untouched by the subject vars.
	if RunCompleted != RunStatus("completed") {
		t.Errorf("RunCompleted status = %s", RunCompleted)
	}
	if TaskDone != TaskStatus("done") {
		t.Errorf("TaskDone status = %s", TaskDone)
	}
}
