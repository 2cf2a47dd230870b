// Package runtime records live runs so that crashed runs can be cleaned up.
package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RunState is what a run leaves behind on the host.
type RunState struct {
	ID         string    `json:"id"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"start_time"`
	Namespaces []string  `json:"namespaces,omitempty"`
	TargetPID  int       `json:"target_pid,omitempty"`
	ConfigPath string    `json:"config_path,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// StateManager manages run state persistence.
type StateManager struct {
	mu        sync.RWMutex
	states    map[string]*RunState
	stateFile string
}

// DefaultStateDir returns /var/run/gnmilab for root and ~/.gnmilab otherwise.
func DefaultStateDir() (string, error) {
	if os.Geteuid() == 0 {
		return "/var/run/gnmilab", nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".gnmilab"), nil
}

// NewStateManager creates a state manager over stateDir/state.json. An empty
// stateDir selects DefaultStateDir.
func NewStateManager(stateDir string) (*StateManager, error) {
	if stateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}
		stateDir = dir
	}

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	sm := &StateManager{
		states:    make(map[string]*RunState),
		stateFile: filepath.Join(stateDir, "state.json"),
	}

	if err := sm.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	return sm, nil
}

// Add records a new run.
func (sm *StateManager) Add(state *RunState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if state.ID == "" {
		return fmt.Errorf("run ID cannot be empty")
	}
	if state.StartTime.IsZero() {
		state.StartTime = time.Now()
	}
	if state.Status == "" {
		state.Status = "running"
	}

	stored := *state
	sm.states[state.ID] = &stored

	if err := sm.save(); err != nil {
		delete(sm.states, state.ID)
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Get returns a copy of the run with the given ID.
func (sm *StateManager) Get(id string) (*RunState, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	state, exists := sm.states[id]
	if !exists {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	stateCopy := *state
	return &stateCopy, nil
}

// List returns copies of all runs, oldest first.
func (sm *StateManager) List() []*RunState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]*RunState, 0, len(sm.states))
	for _, state := range sm.states {
		stateCopy := *state
		result = append(result, &stateCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

// Update applies fn to the stored run and persists it.
func (sm *StateManager) Update(id string, fn func(*RunState)) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, exists := sm.states[id]
	if !exists {
		return fmt.Errorf("run not found: %s", id)
	}

	prev := *state
	fn(state)
	state.ID = id

	if err := sm.save(); err != nil {
		*state = prev
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Remove forgets a run.
func (sm *StateManager) Remove(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, exists := sm.states[id]
	if !exists {
		return fmt.Errorf("run not found: %s", id)
	}
	delete(sm.states, id)

	if err := sm.save(); err != nil {
		sm.states[id] = state
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Load loads state from disk.
func (sm *StateManager) Load() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	data, err := os.ReadFile(sm.stateFile)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var states []*RunState
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	sm.states = make(map[string]*RunState, len(states))
	for _, state := range states {
		sm.states[state.ID] = state
	}
	return nil
}

// save writes the state file atomically. Caller holds the lock.
func (sm *StateManager) save() error {
	states := make([]*RunState, 0, len(sm.states))
	for _, state := range sm.states {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })

	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmpFile := sm.stateFile + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmpFile, sm.stateFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// GetStateFile returns the state file path.
func (sm *StateManager) GetStateFile() string {
	return sm.stateFile
}
