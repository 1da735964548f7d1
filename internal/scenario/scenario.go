package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"karya/internal/domain"
)

// ErrUnknown marks a task whose scenario has no registered implementation.
var ErrUnknown = errors.New("unknown scenario")

// ValidationError marks bad task parameters or input. Tasks failing
// validation go terminally invalid; the error text is recorded on the task.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func Invalid(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// MicrotaskSpec is one microtask a scenario wants created.
type MicrotaskSpec struct {
	Input    map[string]any
	Credits  float64
	Deadline *string
}

// GroupSpec is one microtask group with its microtasks in order.
type GroupSpec struct {
	Microtasks []MicrotaskSpec
}

// Scenario is the pluggable task type. Implementations are pure: they read
// records and produce specs, never touching storage.
type Scenario interface {
	Name() string
	// ValidateTask checks the task's parameters before any microtasks are
	// generated.
	ValidateTask(task domain.Task) error
	// ProcessInput turns the task's input JSON into microtask groups.
	ProcessInput(task domain.Task, input json.RawMessage) ([]GroupSpec, error)
	// EstimateBudget is the credit cost of completing the given number of
	// microtasks once each.
	EstimateBudget(task domain.Task, microtaskCount int) float64
	// MicrotaskOutput folds the verified assignments of a completed
	// microtask into its output record.
	MicrotaskOutput(task domain.Task, microtask domain.Microtask, verified []domain.MicrotaskAssignment) (map[string]any, error)
}

var (
	mu       sync.RWMutex
	registry = map[string]Scenario{}
)

// Register adds a scenario implementation. Duplicate names panic at startup.
func Register(s Scenario) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[s.Name()]; ok {
		panic("scenario already registered: " + s.Name())
	}
	registry[s.Name()] = s
}

// Get returns the implementation for a scenario name.
func Get(name string) (Scenario, error) {
	mu.RLock()
	defer mu.RUnlock()
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknown)
	}
	return s, nil
}

// Names lists registered scenario names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// taskParams decodes a task's params JSON into a generic map.
func taskParams(task domain.Task) (map[string]any, error) {
	params := map[string]any{}
	if task.ParamsJSON == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(task.ParamsJSON), &params); err != nil {
		return nil, Invalid("task params are not valid JSON: %v", err)
	}
	return params, nil
}

func floatParam(params map[string]any, key string, fallback float64) float64 {
	if v, ok := params[key].(float64); ok {
		return v
	}
	return fallback
}
