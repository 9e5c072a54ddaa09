// Package aat holds the Abstract Agent Type registry: the static catalog of
// agent archetypes, their action spaces, and their parallelization rules.
package aat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Registry loads AAT definitions from a directory of YAML specs and serves
// lookups to the broker, policy engine, and orchestrator. Definitions reload
// on file change; lookups against an unknown AAT treat every action as
// forbidden.
type Registry struct {
	dir    string
	logger *zap.Logger

	mu   sync.RWMutex
	aats map[string]*AAT

	watcher *fsnotify.Watcher
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewRegistry loads all *.yaml definitions under dir and starts watching the
// directory for changes.
func NewRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		dir:    dir,
		logger: logger,
		aats:   make(map[string]*AAT),
		done:   make(chan struct{}),
	}

	if err := r.load(); err != nil {
		return nil, err
	}

	if err := r.initWatcher(); err != nil {
		// Hot reload is best-effort; the initial load already succeeded.
		logger.Warn("AAT definition watcher unavailable", zap.Error(err))
	}

	return r, nil
}

// NewStaticRegistry builds a registry from in-memory definitions. Used by
// tests and by embedders that manage definitions themselves.
func NewStaticRegistry(defs []*AAT, logger *zap.Logger) *Registry {
	r := &Registry{
		logger: logger,
		aats:   make(map[string]*AAT, len(defs)),
		done:   make(chan struct{}),
	}
	for _, def := range defs {
		r.aats[def.ID] = def
	}
	return r
}

func (r *Registry) load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read AAT directory %s: %w", r.dir, err)
	}

	loaded := make(map[string]*AAT)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(r.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read AAT definition %s: %w", path, err)
		}
		var def AAT
		if err := yaml.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("parse AAT definition %s: %w", path, err)
		}
		if def.ID == "" {
			return fmt.Errorf("AAT definition %s has no id", path)
		}
		if err := validateDefinition(&def); err != nil {
			return fmt.Errorf("AAT definition %s: %w", path, err)
		}
		loaded[def.ID] = &def
		r.logger.Debug("Loaded AAT definition",
			zap.String("path", path),
			zap.String("aat_id", def.ID),
		)
	}

	if len(loaded) == 0 {
		return fmt.Errorf("no AAT definitions found in %s", r.dir)
	}

	r.mu.Lock()
	r.aats = loaded
	r.mu.Unlock()

	r.logger.Info("AAT definitions loaded",
		zap.String("dir", r.dir),
		zap.Int("count", len(loaded)),
	)
	return nil
}

func validateDefinition(def *AAT) error {
	seen := make(map[string]bool)
	for _, a := range def.ActionSpace.Allowed {
		if a.Type == "" {
			return fmt.Errorf("allowed action with empty type")
		}
		seen[a.Type] = true
	}
	for _, f := range def.ActionSpace.Forbidden {
		if seen[f.Type] {
			return fmt.Errorf("action %q both allowed and forbidden", f.Type)
		}
	}
	for _, inv := range def.Invariants {
		switch inv.Enforcement {
		case EnforcementStructural, EnforcementAdvisory, EnforcementAudit:
		default:
			return fmt.Errorf("invariant %q has unknown enforcement %q", inv.ID, inv.Enforcement)
		}
	}
	if def.Parallel != nil && def.Parallel.Parallelizable && def.Parallel.MaxConcurrent <= 0 {
		return fmt.Errorf("parallelizable AAT must declare max_concurrent > 0")
	}
	return nil
}

func (r *Registry) initWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.load(); err != nil {
					// Keep serving the previous definitions on a bad reload.
					r.logger.Error("AAT reload failed, keeping previous definitions", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("AAT watcher error", zap.Error(err))
			case <-r.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the definition watcher.
func (r *Registry) Close() error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Get returns the AAT with the given id, or nil if unknown.
func (r *Registry) Get(id string) *AAT {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aats[id]
}

// IDs returns the ids of all registered AATs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.aats))
	for id := range r.aats {
		ids = append(ids, id)
	}
	return ids
}

// IsActionAllowed reports whether the AAT's action space allows actionType.
// Unknown AATs allow nothing.
func (r *Registry) IsActionAllowed(aatID, actionType string) bool {
	def := r.Get(aatID)
	if def == nil {
		return false
	}
	if r.isForbidden(def, actionType) {
		return false
	}
	for _, a := range def.ActionSpace.Allowed {
		if a.Type == actionType {
			return true
		}
	}
	return false
}

// IsActionForbidden reports whether the AAT explicitly forbids actionType.
// Unknown AATs forbid everything.
func (r *Registry) IsActionForbidden(aatID, actionType string) bool {
	def := r.Get(aatID)
	if def == nil {
		return true
	}
	return r.isForbidden(def, actionType)
}

func (r *Registry) isForbidden(def *AAT, actionType string) bool {
	for _, f := range def.ActionSpace.Forbidden {
		if f.Type == actionType {
			return true
		}
	}
	return false
}

// RequiredCapability returns the capability an agent must hold to take
// actionType under this AAT, or "" when no capability is required.
func (r *Registry) RequiredCapability(aatID, actionType string) string {
	def := r.Get(aatID)
	if def == nil {
		return ""
	}
	for _, a := range def.ActionSpace.Allowed {
		if a.Type == actionType {
			return a.RequiresCapability
		}
	}
	return ""
}

// RequiredOutputAction returns the required output action of the first
// structural invariant that declares one, or "" if none.
func (r *Registry) RequiredOutputAction(aatID string) string {
	def := r.Get(aatID)
	if def == nil {
		return ""
	}
	for _, inv := range def.Invariants {
		if inv.Enforcement == EnforcementStructural && inv.RequiredOutputAction != "" {
			return inv.RequiredOutputAction
		}
	}
	return ""
}

// ParallelizationRules returns the AAT's declared parallelization profile,
// falling back to the built-in archetype default when none is declared.
func (r *Registry) ParallelizationRules(aatID string) Parallelism {
	def := r.Get(aatID)
	if def != nil && def.Parallel != nil {
		return *def.Parallel
	}
	return defaultParallelism(aatID)
}

// ValidateAffordance checks whether actionType is inside the AAT's action
// space, returning the forbidden rationale when one is declared.
func (r *Registry) ValidateAffordance(aatID, actionType string) ValidationResult {
	def := r.Get(aatID)
	if def == nil {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("unknown AAT %q", aatID)}
	}
	for _, f := range def.ActionSpace.Forbidden {
		if f.Type == actionType {
			reason := fmt.Sprintf("action %q forbidden for %s", actionType, aatID)
			if f.Rationale != "" {
				reason = fmt.Sprintf("%s: %s", reason, f.Rationale)
			}
			return ValidationResult{Valid: false, Reason: reason}
		}
	}
	for _, a := range def.ActionSpace.Allowed {
		if a.Type == actionType {
			return ValidationResult{Valid: true}
		}
	}
	return ValidationResult{
		Valid:  false,
		Reason: fmt.Sprintf("action %q outside the action space of %s", actionType, aatID),
	}
}
