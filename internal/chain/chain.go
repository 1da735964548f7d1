package chain

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"karya/internal/domain"
)

// ErrUnknown marks a task link whose chain has no registered implementation.
var ErrUnknown = errors.New("unknown chain")

// Chain transforms one task's completed output into another task's new
// input. Implementations are pure; the executor owns persistence and window
// bookkeeping.
type Chain interface {
	Name() string
	// HandleCompletedFromAssignments maps completed assignments of the
	// source task to new microtask drafts for the destination task. With
	// one-to-one grouping, draft i derives from assignments[i].
	HandleCompletedFromAssignments(from, to domain.Task, assignments []domain.MicrotaskAssignment, microtasks []domain.Microtask) ([]domain.Microtask, error)
	// HandleCompletedToMicrotasks folds completed destination microtasks
	// back onto the source assignments that produced them, returning the
	// assignments with credits and report set.
	HandleCompletedToMicrotasks(from, to domain.Task, microtasks []domain.Microtask, assignments []domain.MicrotaskAssignment) ([]domain.MicrotaskAssignment, error)
}

var (
	mu       sync.RWMutex
	registry = map[string]Chain{}
)

// Register adds a chain implementation. Duplicate names panic at startup.
func Register(c Chain) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[c.Name()]; ok {
		panic("chain already registered: " + c.Name())
	}
	registry[c.Name()] = c
}

// Get returns the implementation for a chain name.
func Get(name string) (Chain, error) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknown)
	}
	return c, nil
}

// Names lists registered chain names, sorted.
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
