package definitionloader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/phaseline/workflow"
	"github.com/c360studio/phaseline/workflow/dag"
)

// Registry holds validated workflow definitions keyed by name. It rejects
// definitions whose phase DAGs contain cycles so a bad file never reaches
// run start.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	defs  map[string]*workflow.Definition
	files map[string]string // absolute path -> definition name
}

// NewRegistry creates a registry over the given definitions directory.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:    dir,
		logger: logger,
		defs:   make(map[string]*workflow.Definition),
		files:  make(map[string]string),
	}
}

// LoadAll scans the directory and loads every YAML definition. Invalid files
// are logged and skipped; one bad file must not take down the rest.
func (r *Registry) LoadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read definitions dir %s: %w", r.dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		if _, err := r.LoadFile(path); err != nil {
			r.logger.Warn("Skipping invalid definition",
				"path", path,
				"error", err)
			continue
		}
		loaded++
	}

	r.logger.Info("Definitions loaded", "dir", r.dir, "count", loaded)
	return nil
}

// LoadFile parses, validates, and registers one definition file.
func (r *Registry) LoadFile(path string) (*workflow.Definition, error) {
	def, err := workflow.LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	if err := checkPhaseDAGs(def); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	r.mu.Lock()
	r.defs[def.Name] = def
	r.files[abs] = def.Name
	r.mu.Unlock()

	r.logger.Debug("Definition registered", "name", def.Name, "path", path)
	return def, nil
}

// RemoveFile evicts the definition that was loaded from the given path.
// Returns the evicted name, or "" if the path was not registered.
func (r *Registry) RemoveFile(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.files[abs]
	if !ok {
		return ""
	}
	delete(r.files, abs)
	delete(r.defs, name)
	return name
}

// Get returns the definition with the given name.
func (r *Registry) Get(name string) (*workflow.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the sorted names of all registered definitions.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// checkPhaseDAGs builds each phase's task graph to surface dependency cycles
// at load time instead of at run start.
func checkPhaseDAGs(def *workflow.Definition) error {
	now := time.Now()
	for _, phase := range def.Phases {
		tasks := phase.BuildTasks("validate", now)
		if _, err := dag.Load(tasks); err != nil {
			return fmt.Errorf("phase %s: %w", phase.Name, err)
		}
	}
	return nil
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
