package entity

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Context is the view an operation handler has of its entity.
//
// A Context is only valid for the duration of one operation. State changes
// and outgoing signals take effect when the batch the operation belongs to
// is persisted; if the operation fails they are discarded.
type Context interface {
	// ID returns the entity being operated on.
	ID() ID

	// OperationName returns the name of the requested operation.
	OperationName() string

	// IsNewlyConstructed reports whether the entity had no state when the
	// operation started.
	IsNewlyConstructed() bool

	// HasState reports whether the entity currently has state.
	HasState() bool

	// GetState deserializes the current state into out.
	// Without state, out is left untouched.
	GetState(out any) error

	// SetState replaces the entity state.
	SetState(v any) error

	// DeleteState removes the entity state.
	DeleteState()

	// GetInput deserializes the operation argument into out.
	GetInput(out any) error

	// Return sets the result sent back to the caller of the operation.
	Return(v any) error

	// SignalEntity sends a one-way operation to another entity.
	SignalEntity(target ID, operation string, input any) error

	// SignalEntityAt sends a one-way operation delivered at due.
	SignalEntityAt(target ID, due time.Time, operation string, input any) error
}

// Handler executes entity operations.
type Handler interface {
	Handle(ctx Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx Context) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx Context) error {
	return f(ctx)
}

// Registry maps entity names to their handlers.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name (case-insensitive) to h.
// Returns an error if the name is invalid or already registered.
func (r *Registry) Register(name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("register entity %q: nil handler", name)
	}
	id := NewID(name, "")
	if err := id.Validate(); err != nil {
		return fmt.Errorf("register entity %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[id.Name]; exists {
		return fmt.Errorf("register entity %q: already registered", id.Name)
	}
	r.handlers[id.Name] = h
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler registered for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[normalizeName(name)]
	return h, ok
}

// Names returns the registered entity names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
