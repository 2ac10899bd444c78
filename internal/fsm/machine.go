package fsm

import (
	"fmt"
	"sort"
	"sync"

	apperrors "conversation-orchestrator/backend/pkg/errors"
)

// LanguageKey is the variable LanguageChange writes to
const LanguageKey = "language"

// Variables is the schema-less working memory of a session
type Variables map[string]any

// Clone returns a deep copy of nested maps and slices so a machine cannot
// mutate the caller's state through the input it receives
func (v Variables) Clone() Variables {
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = cloneValue(val)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case Variables:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Input is everything a machine sees in one step
type Input struct {
	Node      string
	Status    Status
	Variables Variables
	Event     Event
	Config    map[string]any
}

// Output is a machine's decision for one step
type Output struct {
	Node      string
	Status    Status
	Variables Variables
	Actions   []Action
}

// Machine is a bot's transition function. Implementations must be pure:
// the same Input always produces the same Output.
type Machine interface {
	Step(in Input) (Output, error)
}

// MachineFunc adapts a function to the Machine interface
type MachineFunc func(in Input) (Output, error)

// Step calls f(in)
func (f MachineFunc) Step(in Input) (Output, error) {
	return f(in)
}

// Registry maps the machine name stored on a bot to its implementation
type Registry struct {
	mu       sync.RWMutex
	machines map[string]Machine
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{machines: make(map[string]Machine)}
}

// Register adds a machine under name; names are unique
func (r *Registry) Register(name string, m Machine) error {
	if name == "" || m == nil {
		return apperrors.NewValidationError("INVALID_MACHINE", "machine name and implementation are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.machines[name]; exists {
		return apperrors.NewConflictError("MACHINE_EXISTS", fmt.Sprintf("machine %q already registered", name))
	}
	r.machines[name] = m
	return nil
}

// MustRegister is Register for package initialisation
func (r *Registry) MustRegister(name string, m Machine) {
	if err := r.Register(name, m); err != nil {
		panic(err)
	}
}

// Lookup returns the machine registered under name
func (r *Registry) Lookup(name string) (Machine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.machines[name]
	if !ok {
		return nil, apperrors.NewNotFoundError("MACHINE_NOT_FOUND", fmt.Sprintf("no machine registered as %q", name))
	}
	return m, nil
}

// Names lists the registered machines in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.machines))
	for name := range r.machines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
