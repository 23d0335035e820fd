package runapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/c360studio/semstreams/message"

	"github.com/c360studio/phaseline/workflow"
)

// RegisterHTTPHandlers registers HTTP handlers for the run-api component.
// The prefix includes the trailing slash (e.g., "/phaseline/").
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"runs", c.handleRuns)
	mux.HandleFunc(prefix+"runs/", c.handleRun)
}

// RunSummary is the list-view projection of a run.
type RunSummary struct {
	ID         string             `json:"id"`
	Definition string             `json:"definition"`
	Current    workflow.PhaseName `json:"current_phase"`
	Status     workflow.RunStatus `json:"status"`
}

// RunDetail is the full status report for one run.
type RunDetail struct {
	Run           *workflow.Run        `json:"run"`
	TaskCounts    map[string]int       `json:"task_counts"`
	Gates         []*workflow.Gate     `json:"gates,omitempty"`
	ActiveSprint  *workflow.Sprint     `json:"active_sprint,omitempty"`
	OpenIncidents []*workflow.Incident `json:"open_incidents,omitempty"`
}

// handleRuns handles GET /runs (list) and POST /runs (start).
func (c *Component) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		runs, err := c.store.Runs.ListRuns(r.Context())
		if err != nil {
			c.logger.Error("Failed to list runs", "error", err)
			http.Error(w, "Failed to list runs", http.StatusInternalServerError)
			return
		}
		summaries := make([]RunSummary, 0, len(runs))
		for _, run := range runs {
			summaries = append(summaries, RunSummary{
				ID:         run.ID,
				Definition: run.Definition,
				Current:    run.Current,
				Status:     run.Status,
			})
		}
		c.writeJSON(w, http.StatusOK, summaries)

	case http.MethodPost:
		var payload workflow.RunStartPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := payload.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.publishCommand(r.Context(), w, workflow.SubjectRunStart, &payload)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRun routes /runs/{id}[/...] by path segments.
func (c *Component) handleRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, pathPrefix(r.URL.Path, "runs/"))
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}
	runID := segments[0]

	switch {
	case len(segments) == 1:
		c.handleRunDetail(w, r, runID)
	case segments[1] == "tasks" && len(segments) == 2:
		c.handleListTasks(w, r, runID)
	case segments[1] == "gates" && len(segments) == 2:
		c.handleListGates(w, r, runID)
	case segments[1] == "gates" && len(segments) == 3:
		c.handleGateDecision(w, r, runID, segments[2])
	case segments[1] == "sprints" && len(segments) == 2:
		c.handleListSprints(w, r, runID)
	case segments[1] == "sprints" && len(segments) == 3:
		c.handleSprintDetail(w, r, runID, segments[2])
	case segments[1] == "incidents" && len(segments) == 2:
		c.handleIncidents(w, r, runID)
	case segments[1] == "checkpoints" && len(segments) == 2:
		c.handleListCheckpoints(w, r, runID)
	case segments[1] == "results" && len(segments) == 2:
		c.handleTaskResult(w, r, runID)
	case segments[1] == "control" && len(segments) == 2:
		c.handleControl(w, r, runID)
	default:
		http.Error(w, "Unknown endpoint", http.StatusNotFound)
	}
}

func (c *Component) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	run, err := c.store.Runs.GetRun(r.Context(), runID)
	if err != nil {
		c.respondLookupError(w, err, "run")
		return
	}

	tasks, err := c.store.Runs.ListTasks(r.Context(), runID)
	if err != nil {
		c.logger.Error("Failed to list tasks", "run_id", runID, "error", err)
		http.Error(w, "Failed to load run detail", http.StatusInternalServerError)
		return
	}
	counts := make(map[string]int)
	for _, t := range tasks {
		counts[string(t.Status)]++
	}

	gates, err := c.store.Runs.ListGates(r.Context(), runID)
	if err != nil {
		c.logger.Error("Failed to list gates", "run_id", runID, "error", err)
		http.Error(w, "Failed to load run detail", http.StatusInternalServerError)
		return
	}

	detail := &RunDetail{
		Run:        run,
		TaskCounts: counts,
		Gates:      gates,
	}

	sprints, err := c.store.Runs.ListSprints(r.Context(), runID)
	if err == nil {
		for _, sp := range sprints {
			if sp.Status == workflow.SprintActive {
				detail.ActiveSprint = sp
				break
			}
		}
	}

	incidents, err := c.store.Runs.ListIncidents(r.Context(), runID)
	if err == nil {
		for _, inc := range incidents {
			if !inc.Status.IsClosed() {
				detail.OpenIncidents = append(detail.OpenIncidents, inc)
			}
		}
	}

	c.writeJSON(w, http.StatusOK, detail)
}

func (c *Component) handleListTasks(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tasks, err := c.store.Runs.ListTasks(r.Context(), runID)
	if err != nil {
		c.respondLookupError(w, err, "tasks")
		return
	}
	c.writeJSON(w, http.StatusOK, tasks)
}

func (c *Component) handleListGates(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	gates, err := c.store.Runs.ListGates(r.Context(), runID)
	if err != nil {
		c.respondLookupError(w, err, "gates")
		return
	}
	c.writeJSON(w, http.StatusOK, gates)
}

// handleGateDecision handles POST /runs/{id}/gates/{gateID}.
func (c *Component) handleGateDecision(w http.ResponseWriter, r *http.Request, runID, gateID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload workflow.GateDecisionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	payload.RunID = runID
	payload.GateID = gateID
	if err := payload.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.publishCommand(r.Context(), w, workflow.SubjectGateDecision, &payload)
}

func (c *Component) handleListSprints(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sprints, err := c.store.Runs.ListSprints(r.Context(), runID)
	if err != nil {
		c.respondLookupError(w, err, "sprints")
		return
	}
	c.writeJSON(w, http.StatusOK, sprints)
}

// SprintDetail is a sprint with its committed tasks.
type SprintDetail struct {
	Sprint *workflow.Sprint `json:"sprint"`
	Tasks  []*workflow.Task `json:"tasks"`
}

// handleSprintDetail handles GET /runs/{id}/sprints/{ordinal}.
func (c *Component) handleSprintDetail(w http.ResponseWriter, r *http.Request, runID, ordinalStr string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ordinal, err := strconv.Atoi(ordinalStr)
	if err != nil {
		http.Error(w, "Sprint ordinal must be an integer", http.StatusBadRequest)
		return
	}

	sprints, err := c.store.Runs.ListSprints(r.Context(), runID)
	if err != nil {
		c.respondLookupError(w, err, "sprints")
		return
	}

	var sprint *workflow.Sprint
	for _, sp := range sprints {
		if sp.Ordinal == ordinal {
			sprint = sp
			break
		}
	}
	if sprint == nil {
		http.Error(w, "Sprint not found", http.StatusNotFound)
		return
	}

	detail := &SprintDetail{Sprint: sprint}
	for _, taskID := range sprint.TaskIDs {
		task, err := c.store.Runs.GetTask(r.Context(), runID, taskID)
		if err != nil {
			continue
		}
		detail.Tasks = append(detail.Tasks, task)
	}

	c.writeJSON(w, http.StatusOK, detail)
}

// handleIncidents handles GET (list) and POST (report) on /runs/{id}/incidents.
func (c *Component) handleIncidents(w http.ResponseWriter, r *http.Request, runID string) {
	switch r.Method {
	case http.MethodGet:
		incidents, err := c.store.Runs.ListIncidents(r.Context(), runID)
		if err != nil {
			c.respondLookupError(w, err, "incidents")
			return
		}
		c.writeJSON(w, http.StatusOK, incidents)

	case http.MethodPost:
		var payload workflow.IncidentReportPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		payload.RunID = runID
		if err := payload.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.publishCommand(r.Context(), w, workflow.SubjectIncidentReport, &payload)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Component) handleListCheckpoints(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	checkpoints, err := c.store.Checkpoints.List(r.Context(), runID)
	if err != nil {
		c.respondLookupError(w, err, "checkpoints")
		return
	}
	c.writeJSON(w, http.StatusOK, checkpoints)
}

// handleTaskResult handles POST /runs/{id}/results for manual worker reports.
func (c *Component) handleTaskResult(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload workflow.TaskResultPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	payload.RunID = runID
	if err := payload.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.publishCommand(r.Context(), w, workflow.SubjectTaskResultPrefix+runID, &payload)
}

// handleControl handles POST /runs/{id}/control for pause, resume, cancel,
// and rollback.
func (c *Component) handleControl(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload workflow.RunControlPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	payload.RunID = runID
	if err := payload.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.publishCommand(r.Context(), w, workflow.SubjectRunControl, &payload)
}

// publishCommand wraps the payload in a BaseMessage and publishes it, then
// responds 202. The orchestrator applies the command asynchronously.
func (c *Component) publishCommand(ctx context.Context, w http.ResponseWriter, subject string, payload message.Payload) {
	baseMsg := message.NewBaseMessage(payload.Schema(), payload, c.name)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		c.logger.Error("Failed to marshal command", "subject", subject, "error", err)
		http.Error(w, "Failed to encode command", http.StatusInternalServerError)
		return
	}

	if err := c.commands.Publish(ctx, subject, data); err != nil {
		c.logger.Error("Failed to publish command", "subject", subject, "error", err)
		http.Error(w, "Failed to publish command", http.StatusServiceUnavailable)
		return
	}

	c.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (c *Component) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.Warn("Failed to write response", "error", err)
	}
}

func (c *Component) respondLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, workflow.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	c.logger.Error("Lookup failed", "what", what, "error", err)
	http.Error(w, "Failed to load "+what, http.StatusInternalServerError)
}

// pathPrefix returns everything in path up to and including marker.
func pathPrefix(path, marker string) string {
	idx := strings.Index(path, marker)
	if idx < 0 {
		return path
	}
	return path[:idx+len(marker)]
}
