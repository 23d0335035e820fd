package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is the declarative input for one workflow run: phases, tasks,
// gates, and worker registrations. Definitions are validated before any
// execution begins; reference errors and dependency cycles are fatal
// ConfigErrors, never runtime faults.
type Definition struct {
	Name    string        `yaml:"name" json:"name"`
	Phases  []PhaseDef    `yaml:"phases" json:"phases"`
	Workers []WorkerDef   `yaml:"workers" json:"workers"`
	Sprints *SprintConfig `yaml:"sprints,omitempty" json:"sprints,omitempty"`
}

// PhaseDef declares one phase, its task DAG, and an optional trailing gate.
type PhaseDef struct {
	Name  PhaseName `yaml:"name" json:"name"`
	Tasks []TaskDef `yaml:"tasks" json:"tasks"`
	Gate  *GateDef  `yaml:"gate,omitempty" json:"gate,omitempty"`
}

// TaskDef declares one task within a phase.
type TaskDef struct {
	ID           string   `yaml:"id" json:"id"`
	Capability   string   `yaml:"capability" json:"capability"`
	Inputs       []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs      []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Estimate     int      `yaml:"estimate" json:"estimate"`
	Priority     int      `yaml:"priority" json:"priority"`
	DependsOn    []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	RedoOnReject bool     `yaml:"redo_on_reject,omitempty" json:"redo_on_reject,omitempty"`
	// Severity overrides the default incident severity raised when this task
	// exhausts its retries. Empty means the per-capability default applies.
	Severity Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// GateDef declares the approval gate trailing a phase.
type GateDef struct {
	ID string `yaml:"id" json:"id"`
	// EscalateAfter is an optional duration string ("30m"). When set, a gate
	// pending longer than this fires the escalation callback (paging a human,
	// never auto-approving).
	EscalateAfter string `yaml:"escalate_after,omitempty" json:"escalate_after,omitempty"`
}

// EscalateAfterDuration parses EscalateAfter, returning zero when unset.
func (g *GateDef) EscalateAfterDuration() (time.Duration, error) {
	if g == nil || g.EscalateAfter == "" {
		return 0, nil
	}
	return time.ParseDuration(g.EscalateAfter)
}

// WorkerDef registers one capability-tagged executor.
type WorkerDef struct {
	ID           string   `yaml:"id" json:"id"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	MaxTasks     int      `yaml:"max_tasks" json:"max_tasks"`
}

// SprintConfig tunes the implementation-phase sprint loop.
type SprintConfig struct {
	// SeedCapacity sizes the first sprint before any velocity history exists.
	SeedCapacity int `yaml:"seed_capacity" json:"seed_capacity"`
	// TimeBox is the sprint duration as a string ("336h" for two weeks).
	TimeBox string `yaml:"time_box,omitempty" json:"time_box,omitempty"`
}

// TimeBoxDuration parses TimeBox, returning zero when unset.
func (s *SprintConfig) TimeBoxDuration() (time.Duration, error) {
	if s == nil || s.TimeBox == "" {
		return 0, nil
	}
	return time.ParseDuration(s.TimeBox)
}

// LoadDefinition reads and validates a YAML definition from path.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition parses and validates a YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, NewConfigError("parse definition: %v", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural integrity: phase names and ordering, unique
// task and worker ids, dangling dependency references, and worker coverage
// of every required capability. Cycle detection happens when the per-phase
// DAG is built, before the run starts executing.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return NewConfigError("definition name is required")
	}
	if len(d.Phases) == 0 {
		return NewConfigError("definition %q has no phases", d.Name)
	}
	if len(d.Workers) == 0 {
		return NewConfigError("definition %q registers no workers", d.Name)
	}

	capabilities := make(map[string]bool)
	workerIDs := make(map[string]bool)
	for _, w := range d.Workers {
		if w.ID == "" {
			return NewConfigError("worker with empty id")
		}
		if workerIDs[w.ID] {
			return NewConfigError("duplicate worker id %q", w.ID)
		}
		workerIDs[w.ID] = true
		if len(w.Capabilities) == 0 {
			return NewConfigError("worker %q has no capabilities", w.ID)
		}
		if w.MaxTasks <= 0 {
			return NewConfigError("worker %q: max_tasks must be positive", w.ID)
		}
		for _, c := range w.Capabilities {
			capabilities[c] = true
		}
	}

	taskIDs := make(map[string]bool)
	lastOrdinal := -1
	for _, p := range d.Phases {
		ord := PhaseOrdinal(p.Name)
		if ord < 0 {
			return NewConfigError("unknown phase %q", p.Name)
		}
		if ord <= lastOrdinal {
			return NewConfigError("phase %q out of canonical order", p.Name)
		}
		lastOrdinal = ord

		for _, t := range p.Tasks {
			if t.ID == "" {
				return NewConfigError("phase %q: task with empty id", p.Name)
			}
			if taskIDs[t.ID] {
				return NewConfigError("duplicate task id %q", t.ID)
			}
			taskIDs[t.ID] = true
			if t.Capability == "" {
				return NewConfigError("task %q: capability is required", t.ID)
			}
			if !capabilities[t.Capability] {
				return NewConfigError("task %q requires capability %q but no worker provides it", t.ID, t.Capability)
			}
			if t.Estimate < 0 {
				return NewConfigError("task %q: estimate cannot be negative", t.ID)
			}
			if t.Severity != "" && !t.Severity.IsValid() {
				return NewConfigError("task %q: unknown severity %q", t.ID, t.Severity)
			}
		}
		if p.Gate != nil {
			if p.Gate.ID == "" {
				return NewConfigError("phase %q: gate with empty id", p.Name)
			}
			if _, err := p.Gate.EscalateAfterDuration(); err != nil {
				return NewConfigError("gate %q: invalid escalate_after: %v", p.Gate.ID, err)
			}
		}
	}

	// Dependencies must reference tasks in the same phase. Cross-phase
	// ordering is already implied by phase sequence.
	for _, p := range d.Phases {
		inPhase := make(map[string]bool, len(p.Tasks))
		for _, t := range p.Tasks {
			inPhase[t.ID] = true
		}
		for _, t := range p.Tasks {
			for _, dep := range t.DependsOn {
				if !taskIDs[dep] {
					return NewConfigError("task %q depends on unknown task %q", t.ID, dep)
				}
				if !inPhase[dep] {
					return NewConfigError("task %q depends on %q from a different phase", t.ID, dep)
				}
			}
		}
	}

	if d.Sprints != nil {
		if d.Sprints.SeedCapacity <= 0 {
			return NewConfigError("sprints.seed_capacity must be positive")
		}
		if _, err := d.Sprints.TimeBoxDuration(); err != nil {
			return NewConfigError("sprints.time_box: %v", err)
		}
	}
	return nil
}

// Phase returns the phase definition by name, or nil.
func (d *Definition) Phase(name PhaseName) *PhaseDef {
	for i := range d.Phases {
		if d.Phases[i].Name == name {
			return &d.Phases[i]
		}
	}
	return nil
}

// PhaseNames returns the declared phase sequence.
func (d *Definition) PhaseNames() []PhaseName {
	names := make([]PhaseName, len(d.Phases))
	for i, p := range d.Phases {
		names[i] = p.Name
	}
	return names
}

// BuildTasks materializes Task records for one phase of a new run.
func (p *PhaseDef) BuildTasks(runID string, now time.Time) []*Task {
	tasks := make([]*Task, 0, len(p.Tasks))
	for _, td := range p.Tasks {
		tasks = append(tasks, &Task{
			ID:           td.ID,
			RunID:        runID,
			Phase:        p.Name,
			Capability:   td.Capability,
			Inputs:       td.Inputs,
			Outputs:      td.Outputs,
			Estimate:     td.Estimate,
			Priority:     td.Priority,
			DependsOn:    td.DependsOn,
			RedoOnReject: td.RedoOnReject,
			Status:       TaskPending,
			CreatedAt:    now,
		})
	}
	return tasks
}
