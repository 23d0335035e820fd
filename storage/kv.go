package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/phaseline/workflow"
)

// Bucket names for each record table.
const (
	BucketRuns        = "PHASELINE_RUNS"
	BucketTasks       = "PHASELINE_TASKS"
	BucketGates       = "PHASELINE_GATES"
	BucketSprints     = "PHASELINE_SPRINTS"
	BucketIncidents   = "PHASELINE_INCIDENTS"
	BucketAudit       = "PHASELINE_AUDIT"
	BucketCheckpoints = "PHASELINE_CHECKPOINTS"
	BucketArtifacts   = "PHASELINE_ARTIFACTS"
)

// NewKVStore creates the durable NATS JetStream KV implementation of all
// three storage contracts, creating buckets as needed.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	runs, err := NewKVRunStore(ctx, js)
	if err != nil {
		return nil, err
	}
	cps, err := NewKVCheckpointLog(ctx, js)
	if err != nil {
		return nil, err
	}
	arts, err := NewKVArtifactStore(ctx, js)
	if err != nil {
		return nil, err
	}
	return &Store{Runs: runs, Checkpoints: cps, Artifacts: arts}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Phaseline %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrNoKeysFound)
}

// KVRunStore is the JetStream KV implementation of RunStore. Record keys are
// "<runID>.<entityID>"; every Put is atomic per key, which is all the engine
// requires.
type KVRunStore struct {
	runs      jetstream.KeyValue
	tasks     jetstream.KeyValue
	gates     jetstream.KeyValue
	sprints   jetstream.KeyValue
	incidents jetstream.KeyValue
	audit     jetstream.KeyValue
}

// NewKVRunStore creates the KV-backed run store, creating buckets as needed.
func NewKVRunStore(ctx context.Context, js jetstream.JetStream) (*KVRunStore, error) {
	s := &KVRunStore{}
	for _, b := range []struct {
		name string
		dst  *jetstream.KeyValue
	}{
		{BucketRuns, &s.runs},
		{BucketTasks, &s.tasks},
		{BucketGates, &s.gates},
		{BucketSprints, &s.sprints},
		{BucketIncidents, &s.incidents},
		{BucketAudit, &s.audit},
	} {
		kv, err := getOrCreateBucket(ctx, js, b.name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", b.name, err)
		}
		*b.dst = kv
	}
	return s, nil
}

func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func getJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func keysWithPrefix(ctx context.Context, kv jetstream.KeyValue, prefix string) ([]string, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func recordKey(runID, id string) string { return runID + "." + id }

// SaveRun persists the run record.
func (s *KVRunStore) SaveRun(ctx context.Context, run *workflow.Run) error {
	return putJSON(ctx, s.runs, run.ID, run)
}

// GetRun retrieves a run by id.
func (s *KVRunStore) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	var r workflow.Run
	if err := getJSON(ctx, s.runs, runID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns all persisted runs.
func (s *KVRunStore) ListRuns(ctx context.Context) ([]*workflow.Run, error) {
	keys, err := keysWithPrefix(ctx, s.runs, "")
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Run, 0, len(keys))
	for _, k := range keys {
		var r workflow.Run
		if err := getJSON(ctx, s.runs, k, &r); err != nil {
			continue // Skip entries that fail to load
		}
		out = append(out, &r)
	}
	return out, nil
}

// SaveTask persists one task record.
func (s *KVRunStore) SaveTask(ctx context.Context, task *workflow.Task) error {
	return putJSON(ctx, s.tasks, recordKey(task.RunID, task.ID), task)
}

// GetTask retrieves one task.
func (s *KVRunStore) GetTask(ctx context.Context, runID, taskID string) (*workflow.Task, error) {
	var t workflow.Task
	if err := getJSON(ctx, s.tasks, recordKey(runID, taskID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns a run's tasks sorted by key.
func (s *KVRunStore) ListTasks(ctx context.Context, runID string) ([]*workflow.Task, error) {
	keys, err := keysWithPrefix(ctx, s.tasks, runID+".")
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Task, 0, len(keys))
	for _, k := range keys {
		var t workflow.Task
		if err := getJSON(ctx, s.tasks, k, &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// SaveGate persists one gate record.
func (s *KVRunStore) SaveGate(ctx context.Context, gate *workflow.Gate) error {
	return putJSON(ctx, s.gates, recordKey(gate.RunID, gate.ID), gate)
}

// GetGate retrieves one gate.
func (s *KVRunStore) GetGate(ctx context.Context, runID, gateID string) (*workflow.Gate, error) {
	var g workflow.Gate
	if err := getJSON(ctx, s.gates, recordKey(runID, gateID), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGates returns a run's gates sorted by key.
func (s *KVRunStore) ListGates(ctx context.Context, runID string) ([]*workflow.Gate, error) {
	keys, err := keysWithPrefix(ctx, s.gates, runID+".")
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Gate, 0, len(keys))
	for _, k := range keys {
		var g workflow.Gate
		if err := getJSON(ctx, s.gates, k, &g); err != nil {
			continue
		}
		out = append(out, &g)
	}
	return out, nil
}

// SaveSprint persists one sprint record.
func (s *KVRunStore) SaveSprint(ctx context.Context, sprint *workflow.Sprint) error {
	return putJSON(ctx, s.sprints, recordKey(sprint.RunID, sprint.ID), sprint)
}

// GetSprint retrieves one sprint.
func (s *KVRunStore) GetSprint(ctx context.Context, runID, sprintID string) (*workflow.Sprint, error) {
	var sp workflow.Sprint
	if err := getJSON(ctx, s.sprints, recordKey(runID, sprintID), &sp); err != nil {
		return nil, err
	}
	return &sp, nil
}

// ListSprints returns a run's sprints sorted by ordinal.
func (s *KVRunStore) ListSprints(ctx context.Context, runID string) ([]*workflow.Sprint, error) {
	keys, err := keysWithPrefix(ctx, s.sprints, runID+".")
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Sprint, 0, len(keys))
	for _, k := range keys {
		var sp workflow.Sprint
		if err := getJSON(ctx, s.sprints, k, &sp); err != nil {
			continue
		}
		out = append(out, &sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// SaveIncident persists one incident record.
func (s *KVRunStore) SaveIncident(ctx context.Context, incident *workflow.Incident) error {
	return putJSON(ctx, s.incidents, recordKey(incident.RunID, incident.ID), incident)
}

// GetIncident retrieves one incident.
func (s *KVRunStore) GetIncident(ctx context.Context, runID, incidentID string) (*workflow.Incident, error) {
	var inc workflow.Incident
	if err := getJSON(ctx, s.incidents, recordKey(runID, incidentID), &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

// ListIncidents returns a run's incidents sorted by detection time.
func (s *KVRunStore) ListIncidents(ctx context.Context, runID string) ([]*workflow.Incident, error) {
	keys, err := keysWithPrefix(ctx, s.incidents, runID+".")
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Incident, 0, len(keys))
	for _, k := range keys {
		var inc workflow.Incident
		if err := getJSON(ctx, s.incidents, k, &inc); err != nil {
			continue
		}
		out = append(out, &inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// AppendStatusChange records one task status transition under a
// time-ordered key.
func (s *KVRunStore) AppendStatusChange(ctx context.Context, runID string, change workflow.StatusChange) error {
	key := fmt.Sprintf("%s.%s.%020d", runID, change.TaskID, change.At.UnixNano())
	return putJSON(ctx, s.audit, key, change)
}

// StatusHistory returns the audit trail for one task in order.
func (s *KVRunStore) StatusHistory(ctx context.Context, runID, taskID string) ([]workflow.StatusChange, error) {
	keys, err := keysWithPrefix(ctx, s.audit, runID+"."+taskID+".")
	if err != nil {
		return nil, err
	}
	out := make([]workflow.StatusChange, 0, len(keys))
	for _, k := range keys {
		var c workflow.StatusChange
		if err := getJSON(ctx, s.audit, k, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// KVCheckpointLog is the JetStream KV implementation of CheckpointLog.
// Checkpoints are written with Create, never Put, so a sequence number can
// never be overwritten.
type KVCheckpointLog struct {
	kv jetstream.KeyValue
}

// NewKVCheckpointLog creates the KV-backed checkpoint log.
func NewKVCheckpointLog(ctx context.Context, js jetstream.JetStream) (*KVCheckpointLog, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketCheckpoints)
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", BucketCheckpoints, err)
	}
	return &KVCheckpointLog{kv: kv}, nil
}

// Append stores a checkpoint with the next sequence number for its run.
func (l *KVCheckpointLog) Append(ctx context.Context, cp *workflow.Checkpoint) error {
	existing, err := keysWithPrefix(ctx, l.kv, cp.RunID+".")
	if err != nil {
		return err
	}
	cp.Sequence = len(existing) + 1
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := fmt.Sprintf("%s.%08d", cp.RunID, cp.Sequence)
	if _, err := l.kv.Create(ctx, key, data); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// Get retrieves one checkpoint by id.
func (l *KVCheckpointLog) Get(ctx context.Context, runID, checkpointID string) (*workflow.Checkpoint, error) {
	list, err := l.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, cp := range list {
		if cp.ID == checkpointID {
			return cp, nil
		}
	}
	return nil, ErrNotFound
}

// Latest retrieves the most recent checkpoint for a run.
func (l *KVCheckpointLog) Latest(ctx context.Context, runID string) (*workflow.Checkpoint, error) {
	list, err := l.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[len(list)-1], nil
}

// List returns a run's checkpoints in sequence order.
func (l *KVCheckpointLog) List(ctx context.Context, runID string) ([]*workflow.Checkpoint, error) {
	keys, err := keysWithPrefix(ctx, l.kv, runID+".")
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Checkpoint, 0, len(keys))
	for _, k := range keys {
		var cp workflow.Checkpoint
		if err := getJSON(ctx, l.kv, k, &cp); err != nil {
			continue
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// KVArtifactStore is the JetStream KV implementation of ArtifactStore.
// Versions are written with Create so an existing version can never be
// overwritten; visibility is atomic on write.
type KVArtifactStore struct {
	kv jetstream.KeyValue
}

// NewKVArtifactStore creates the KV-backed artifact store.
func NewKVArtifactStore(ctx context.Context, js jetstream.JetStream) (*KVArtifactStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketArtifacts)
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", BucketArtifacts, err)
	}
	return &KVArtifactStore{kv: kv}, nil
}

func artifactKey(runID, taskID, key string, version int) string {
	return fmt.Sprintf("%s.%s.%s.v%d", runID, taskID, key, version)
}

// Put writes the next version of an artifact key.
func (a *KVArtifactStore) Put(ctx context.Context, runID, taskID, key string, data []byte) (workflow.ArtifactRef, error) {
	latest, err := a.LatestVersion(ctx, runID, taskID, key)
	if err != nil {
		return workflow.ArtifactRef{}, err
	}
	version := latest + 1
	if _, err := a.kv.Create(ctx, artifactKey(runID, taskID, key, version), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return workflow.ArtifactRef{}, ErrVersionExists
		}
		return workflow.ArtifactRef{}, fmt.Errorf("put artifact: %w", err)
	}
	return workflow.ArtifactRef{TaskID: taskID, Key: key, Version: version}, nil
}

// Get reads one exact artifact version.
func (a *KVArtifactStore) Get(ctx context.Context, runID string, ref workflow.ArtifactRef) ([]byte, error) {
	entry, err := a.kv.Get(ctx, artifactKey(runID, ref.TaskID, ref.Key, ref.Version))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return entry.Value(), nil
}

// Exists reports whether the exact artifact version is present.
func (a *KVArtifactStore) Exists(ctx context.Context, runID string, ref workflow.ArtifactRef) (bool, error) {
	_, err := a.Get(ctx, runID, ref)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LatestVersion returns the highest stored version for the key, or 0.
func (a *KVArtifactStore) LatestVersion(ctx context.Context, runID, taskID, key string) (int, error) {
	prefix := fmt.Sprintf("%s.%s.%s.v", runID, taskID, key)
	keys, err := keysWithPrefix(ctx, a.kv, prefix)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, k := range keys {
		var v int
		if _, err := fmt.Sscanf(k[len(prefix):], "%d", &v); err == nil && v > max {
			max = v
		}
	}
	return max, nil
}
