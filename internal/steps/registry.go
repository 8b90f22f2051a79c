package steps

import (
	"sort"
	"sync"

	"github.com/rendis/orchestra/pkg/schema"
)

// Entry is a registered executable with its resolved mode.
type Entry struct {
	StepType string
	Mode     Mode
	Impl     any
}

// Registry maps step type names to executables. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds impl under stepType. impl must implement exactly one
// executable contract.
func (r *Registry) Register(stepType string, impl any) error {
	if stepType == "" {
		return schema.NewError(schema.ErrCodeValidation, "step type is empty")
	}
	mode, err := ModeOf(impl)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "register %q: %s", stepType, err.Error()).WithCause(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[stepType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step type %q already registered", stepType)
	}
	r.entries[stepType] = Entry{StepType: stepType, Mode: mode, Impl: impl}
	return nil
}

// Get retrieves the executable for stepType.
func (r *Registry) Get(stepType string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[stepType]
	if !ok {
		return Entry{}, schema.NewErrorf(schema.ErrCodeStepUnavailable, "step type %q not registered", stepType)
	}
	return e, nil
}

func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[stepType]
	return ok
}

// List returns the registered step types, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
