package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/phaseline/workflow"
)

// NewMemoryStore bundles in-process implementations of all three storage
// contracts. Used by tests and single-process deployments.
func NewMemoryStore() *Store {
	return &Store{
		Runs:        NewMemoryRunStore(),
		Checkpoints: NewMemoryCheckpointLog(),
		Artifacts:   NewMemoryArtifactStore(),
	}
}

// MemoryRunStore is an in-memory RunStore. Values are copied on the way in
// and out so callers never share mutable state with the store.
type MemoryRunStore struct {
	mu        sync.RWMutex
	runs      map[string]workflow.Run
	tasks     map[string]map[string]workflow.Task
	gates     map[string]map[string]workflow.Gate
	sprints   map[string]map[string]workflow.Sprint
	incidents map[string]map[string]workflow.Incident
	changes   map[string][]workflow.StatusChange
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:      make(map[string]workflow.Run),
		tasks:     make(map[string]map[string]workflow.Task),
		gates:     make(map[string]map[string]workflow.Gate),
		sprints:   make(map[string]map[string]workflow.Sprint),
		incidents: make(map[string]map[string]workflow.Incident),
		changes:   make(map[string][]workflow.StatusChange),
	}
}

// SaveRun stores a copy of the run.
func (m *MemoryRunStore) SaveRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

// GetRun retrieves a run by id.
func (m *MemoryRunStore) GetRun(_ context.Context, runID string) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := r
	return &cp, nil
}

// ListRuns returns all runs sorted by id.
func (m *MemoryRunStore) ListRuns(_ context.Context) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.Run, 0, len(m.runs))
	for _, r := range m.runs {
		cp := r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveTask stores a copy of the task under its run.
func (m *MemoryRunStore) SaveTask(_ context.Context, task *workflow.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[task.RunID] == nil {
		m.tasks[task.RunID] = make(map[string]workflow.Task)
	}
	m.tasks[task.RunID][task.ID] = *task
	return nil
}

// GetTask retrieves one task.
func (m *MemoryRunStore) GetTask(_ context.Context, runID, taskID string) (*workflow.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[runID][taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := t
	return &cp, nil
}

// ListTasks returns a run's tasks sorted by id.
func (m *MemoryRunStore) ListTasks(_ context.Context, runID string) ([]*workflow.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.Task, 0, len(m.tasks[runID]))
	for _, t := range m.tasks[runID] {
		cp := t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveGate stores a copy of the gate under its run.
func (m *MemoryRunStore) SaveGate(_ context.Context, gate *workflow.Gate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gates[gate.RunID] == nil {
		m.gates[gate.RunID] = make(map[string]workflow.Gate)
	}
	m.gates[gate.RunID][gate.ID] = *gate
	return nil
}

// GetGate retrieves one gate.
func (m *MemoryRunStore) GetGate(_ context.Context, runID, gateID string) (*workflow.Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gates[runID][gateID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := g
	return &cp, nil
}

// ListGates returns a run's gates sorted by id.
func (m *MemoryRunStore) ListGates(_ context.Context, runID string) ([]*workflow.Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.Gate, 0, len(m.gates[runID]))
	for _, g := range m.gates[runID] {
		cp := g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveSprint stores a copy of the sprint under its run.
func (m *MemoryRunStore) SaveSprint(_ context.Context, sprint *workflow.Sprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sprints[sprint.RunID] == nil {
		m.sprints[sprint.RunID] = make(map[string]workflow.Sprint)
	}
	m.sprints[sprint.RunID][sprint.ID] = *sprint
	return nil
}

// GetSprint retrieves one sprint.
func (m *MemoryRunStore) GetSprint(_ context.Context, runID, sprintID string) (*workflow.Sprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sprints[runID][sprintID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s
	return &cp, nil
}

// ListSprints returns a run's sprints sorted by ordinal.
func (m *MemoryRunStore) ListSprints(_ context.Context, runID string) ([]*workflow.Sprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.Sprint, 0, len(m.sprints[runID]))
	for _, s := range m.sprints[runID] {
		cp := s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// SaveIncident stores a copy of the incident under its run.
func (m *MemoryRunStore) SaveIncident(_ context.Context, incident *workflow.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incidents[incident.RunID] == nil {
		m.incidents[incident.RunID] = make(map[string]workflow.Incident)
	}
	m.incidents[incident.RunID][incident.ID] = *incident
	return nil
}

// GetIncident retrieves one incident.
func (m *MemoryRunStore) GetIncident(_ context.Context, runID, incidentID string) (*workflow.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.incidents[runID][incidentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := i
	return &cp, nil
}

// ListIncidents returns a run's incidents sorted by detection time, then id.
func (m *MemoryRunStore) ListIncidents(_ context.Context, runID string) ([]*workflow.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.Incident, 0, len(m.incidents[runID]))
	for _, i := range m.incidents[runID] {
		cp := i
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendStatusChange records one task status transition.
func (m *MemoryRunStore) AppendStatusChange(_ context.Context, runID string, change workflow.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes[runID] = append(m.changes[runID], change)
	return nil
}

// StatusHistory returns the audit trail for one task in order.
func (m *MemoryRunStore) StatusHistory(_ context.Context, runID, taskID string) ([]workflow.StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []workflow.StatusChange
	for _, c := range m.changes[runID] {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out, nil
}

// MemoryCheckpointLog is an in-memory CheckpointLog.
type MemoryCheckpointLog struct {
	mu  sync.RWMutex
	log map[string][]workflow.Checkpoint
}

// NewMemoryCheckpointLog creates an empty in-memory checkpoint log.
func NewMemoryCheckpointLog() *MemoryCheckpointLog {
	return &MemoryCheckpointLog{log: make(map[string][]workflow.Checkpoint)}
}

// Append stores a checkpoint with the next sequence number for its run.
func (m *MemoryCheckpointLog) Append(_ context.Context, cp *workflow.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp.Sequence = len(m.log[cp.RunID]) + 1
	m.log[cp.RunID] = append(m.log[cp.RunID], *cp)
	return nil
}

// Get retrieves one checkpoint by id.
func (m *MemoryCheckpointLog) Get(_ context.Context, runID, checkpointID string) (*workflow.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.log[runID] {
		if c.ID == checkpointID {
			cp := c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// Latest retrieves the most recent checkpoint for a run.
func (m *MemoryCheckpointLog) Latest(_ context.Context, runID string) (*workflow.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.log[runID]
	if len(log) == 0 {
		return nil, ErrNotFound
	}
	cp := log[len(log)-1]
	return &cp, nil
}

// List returns a run's checkpoints in append order.
func (m *MemoryCheckpointLog) List(_ context.Context, runID string) ([]*workflow.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.Checkpoint, 0, len(m.log[runID]))
	for _, c := range m.log[runID] {
		cp := c
		out = append(out, &cp)
	}
	return out, nil
}

// MemoryArtifactStore is an in-memory ArtifactStore.
type MemoryArtifactStore struct {
	mu       sync.RWMutex
	blobs    map[string][]byte
	versions map[string]int
}

// NewMemoryArtifactStore creates an empty in-memory artifact store.
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{
		blobs:    make(map[string][]byte),
		versions: make(map[string]int),
	}
}

// Put writes the next version of an artifact key. Write-once per version.
func (m *MemoryArtifactStore) Put(_ context.Context, runID, taskID, key string, data []byte) (workflow.ArtifactRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := artifactBase(runID, taskID, key)
	version := m.versions[base] + 1
	full := fmt.Sprintf("%s@%d", base, version)
	if _, exists := m.blobs[full]; exists {
		return workflow.ArtifactRef{}, ErrVersionExists
	}
	m.blobs[full] = append([]byte(nil), data...)
	m.versions[base] = version
	return workflow.ArtifactRef{TaskID: taskID, Key: key, Version: version}, nil
}

// Get reads one exact artifact version.
func (m *MemoryArtifactStore) Get(_ context.Context, runID string, ref workflow.ArtifactRef) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	full := fmt.Sprintf("%s@%d", artifactBase(runID, ref.TaskID, ref.Key), ref.Version)
	data, ok := m.blobs[full]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Exists reports whether the exact artifact version is present.
func (m *MemoryArtifactStore) Exists(_ context.Context, runID string, ref workflow.ArtifactRef) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	full := fmt.Sprintf("%s@%d", artifactBase(runID, ref.TaskID, ref.Key), ref.Version)
	_, ok := m.blobs[full]
	return ok, nil
}

// LatestVersion returns the highest stored version for the key, or 0.
func (m *MemoryArtifactStore) LatestVersion(_ context.Context, runID, taskID, key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[artifactBase(runID, taskID, key)], nil
}

func artifactBase(runID, taskID, key string) string {
	return runID + "/" + taskID + "/" + key
}
