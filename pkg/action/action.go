// Package action defines the boundary every with-items iteration crosses:
// a Request naming an action class and its parameters goes in, a Result
// carrying either data or an error datum comes out.
package action

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Request is a single action execution request
type Request struct {
	ActionExecutionID string         `json:"action_execution_id"`
	TaskExecutionID   string         `json:"task_execution_id"`
	Index             int            `json:"index"`
	ActionClass       string         `json:"action_class"`
	ActionClassAttrs  map[string]any `json:"action_class_attrs,omitempty"`
	Params            map[string]any `json:"params"`
	SafeRerun         bool           `json:"safe_rerun"`

	// Redelivered is set by the transport when the request may be a
	// duplicate delivery. It is never serialized.
	Redelivered bool `json:"-"`
}

// Result is the outcome of one action execution. At most one of Data and
// Error is meaningful; both nil means success without data.
type Result struct {
	Data  any `json:"data"`
	Error any `json:"error"`
}

// IsError reports whether the result carries an error datum
func (r Result) IsError() bool {
	return r.Error != nil
}

// ErrorResult wraps err as an error datum
func ErrorResult(err error) Result {
	return Result{Error: err.Error()}
}

// Executor runs action requests.
// A returned error is an execution fault; action failures travel in Result.Error.
type Executor interface {
	RunAction(ctx context.Context, req Request) (Result, error)
}

// Action is an instantiated action class
type Action interface {
	Run(ctx context.Context, params map[string]any) (Result, error)
}

// ActionFunc adapts a function to Action
type ActionFunc func(ctx context.Context, params map[string]any) (Result, error)

// Run calls f
func (f ActionFunc) Run(ctx context.Context, params map[string]any) (Result, error) {
	return f(ctx, params)
}

// Factory instantiates an action class with its class attributes
type Factory func(attrs map[string]any) (Action, error)

// Registry maps action class names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds an action class. Registering a name twice is an error.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("action class name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("action class %s: factory cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("action class %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for an action class
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns registered action classes in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
