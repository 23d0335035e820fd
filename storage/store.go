// Package storage persists workflow run state: runs, tasks, gates, sprints,
// incidents, the append-only checkpoint log, and the versioned artifact
// store. Two implementations exist: an in-memory store for tests and
// single-process use, and a NATS JetStream KV store for durable deployments.
package storage

import (
	"context"

	"github.com/c360studio/phaseline/workflow"
)

// ErrNotFound is returned when a stored entity does not exist.
var ErrNotFound = workflow.ErrNotFound

// ErrVersionExists is returned when an artifact version is written twice.
// Artifact versions are write-once; producers never overwrite.
var ErrVersionExists = workflow.NewConfigError("artifact version already exists")

// RunStore persists the per-run record tables. All mutations are atomic per
// key; the engine never needs multi-key transactions.
type RunStore interface {
	SaveRun(ctx context.Context, run *workflow.Run) error
	GetRun(ctx context.Context, runID string) (*workflow.Run, error)
	ListRuns(ctx context.Context) ([]*workflow.Run, error)

	SaveTask(ctx context.Context, task *workflow.Task) error
	GetTask(ctx context.Context, runID, taskID string) (*workflow.Task, error)
	ListTasks(ctx context.Context, runID string) ([]*workflow.Task, error)

	SaveGate(ctx context.Context, gate *workflow.Gate) error
	GetGate(ctx context.Context, runID, gateID string) (*workflow.Gate, error)
	ListGates(ctx context.Context, runID string) ([]*workflow.Gate, error)

	SaveSprint(ctx context.Context, sprint *workflow.Sprint) error
	GetSprint(ctx context.Context, runID, sprintID string) (*workflow.Sprint, error)
	ListSprints(ctx context.Context, runID string) ([]*workflow.Sprint, error)

	SaveIncident(ctx context.Context, incident *workflow.Incident) error
	GetIncident(ctx context.Context, runID, incidentID string) (*workflow.Incident, error)
	ListIncidents(ctx context.Context, runID string) ([]*workflow.Incident, error)

	// AppendStatusChange records one task status transition for audit.
	AppendStatusChange(ctx context.Context, runID string, change workflow.StatusChange) error
	StatusHistory(ctx context.Context, runID, taskID string) ([]workflow.StatusChange, error)
}

// CheckpointLog is the append-only log of run snapshots taken at every gate
// approval and sprint close. Rollback targets come exclusively from here.
type CheckpointLog interface {
	// Append stores a checkpoint, assigning the next sequence number.
	Append(ctx context.Context, cp *workflow.Checkpoint) error
	Get(ctx context.Context, runID, checkpointID string) (*workflow.Checkpoint, error)
	Latest(ctx context.Context, runID string) (*workflow.Checkpoint, error)
	List(ctx context.Context, runID string) ([]*workflow.Checkpoint, error)
}

// ArtifactStore is content storage for task outputs. Versions are write-once
// and become visible to consumers atomically: a reader holding a ref always
// observes the exact bytes the producer wrote.
type ArtifactStore interface {
	// Put writes the next version of runID/taskID/key and returns its ref.
	Put(ctx context.Context, runID, taskID, key string, data []byte) (workflow.ArtifactRef, error)
	// Get reads one exact version.
	Get(ctx context.Context, runID string, ref workflow.ArtifactRef) ([]byte, error)
	// Exists reports whether the exact version is present.
	Exists(ctx context.Context, runID string, ref workflow.ArtifactRef) (bool, error)
	// LatestVersion returns the highest stored version for the key, or 0.
	LatestVersion(ctx context.Context, runID, taskID, key string) (int, error)
}

// Store bundles the three persistence contracts one run needs.
type Store struct {
	Runs        RunStore
	Checkpoints CheckpointLog
	Artifacts   ArtifactStore
}
