// Package proxy gives entities typed Go interfaces.
//
// An entity interface lists the operations of an entity as methods:
//
//	type ICounter interface {
//		Add(ctx context.Context, amount int)           // signal
//		Reset(ctx context.Context) error               // call without result
//		Get(ctx context.Context) (int, error)          // call with result
//	}
//
// Each method takes an optional leading context.Context and at most one
// more argument, the operation input. The results decide how the operation
// is sent: no results is a signal, error alone is a call whose result is
// discarded, and (T, error) is a call returning T.
//
// Proxy implementations are generated (see Generate) and register
// themselves with Register. New returns the proxy of an interface bound to
// one entity.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/roach88/entityflow/internal/entity"
)

// Context sends entity operations on behalf of a proxy.
// *orchestration.Context and *client.Client implement it.
type Context interface {
	SignalEntity(ctx context.Context, id entity.ID, operation string, input any) error
	CallEntity(ctx context.Context, id entity.ID, operation string, input, out any) error
}

// ConfigError reports an interface that cannot be used as an entity proxy.
type ConfigError struct {
	Interface string
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("entity proxy %s: %s", e.Interface, e.Reason)
}

type registration struct {
	entityName string
	factory    any
}

var registry = struct {
	mu    sync.RWMutex
	types map[reflect.Type]registration
}{types: map[reflect.Type]registration{}}

// Register records the proxy constructor of interface I for entities named
// entityName. Generated code calls it from init.
//
// It panics if I is not a valid entity interface or already registered.
func Register[I any](entityName string, factory func(Context, entity.ID) I) {
	t := reflect.TypeFor[I]()
	if err := Validate(t); err != nil {
		panic(err)
	}
	if err := entity.NewID(entityName, "").Validate(); err != nil {
		panic(&ConfigError{Interface: t.String(), Reason: err.Error()})
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.types[t]; exists {
		panic(&ConfigError{Interface: t.String(), Reason: "proxy already registered"})
	}
	registry.types[t] = registration{entityName: entityName, factory: factory}
}

// New returns a proxy of I addressing the entity with the given key. The
// entity name is the one I was registered with.
func New[I any](c Context, key string) (I, error) {
	var zero I
	reg, err := lookup[I]()
	if err != nil {
		return zero, err
	}
	return reg.factory.(func(Context, entity.ID) I)(c, entity.NewID(reg.entityName, key)), nil
}

// NewFor returns a proxy of I addressing id, whatever the entity name I was
// registered with.
func NewFor[I any](c Context, id entity.ID) (I, error) {
	var zero I
	reg, err := lookup[I]()
	if err != nil {
		return zero, err
	}
	id = entity.NewID(id.Name, id.Key)
	if err := id.Validate(); err != nil {
		return zero, &ConfigError{Interface: reflect.TypeFor[I]().String(), Reason: err.Error()}
	}
	return reg.factory.(func(Context, entity.ID) I)(c, id), nil
}

// EntityName returns the entity name I is registered with.
func EntityName[I any]() (string, error) {
	reg, err := lookup[I]()
	if err != nil {
		return "", err
	}
	return reg.entityName, nil
}

func lookup[I any]() (registration, error) {
	t := reflect.TypeFor[I]()
	if err := Validate(t); err != nil {
		return registration{}, err
	}
	registry.mu.RLock()
	reg, ok := registry.types[t]
	registry.mu.RUnlock()
	if !ok {
		return registration{}, &ConfigError{Interface: t.String(), Reason: "no proxy registered; run entityflow gen"}
	}
	return reg, nil
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Validate checks that t is an entity interface.
func Validate(t reflect.Type) error {
	if t == nil {
		return &ConfigError{Interface: "<nil>", Reason: "not an interface"}
	}
	if t.Kind() != reflect.Interface {
		return &ConfigError{Interface: t.String(), Reason: "not an interface"}
	}
	if t.NumMethod() == 0 {
		return &ConfigError{Interface: t.String(), Reason: "interface has no methods"}
	}
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if reason := checkMethod(m.Type); reason != "" {
			return &ConfigError{Interface: t.String(), Reason: fmt.Sprintf("method %s %s", m.Name, reason)}
		}
	}
	return nil
}

func checkMethod(ft reflect.Type) string {
	if ft.IsVariadic() {
		return "must not be variadic"
	}
	args := ft.NumIn()
	if args > 0 && ft.In(0) == contextType {
		args--
	}
	if args > 1 {
		return "must take at most one argument besides context.Context"
	}
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) != errorType {
			return "must return nothing, error, or (T, error)"
		}
	case 2:
		if ft.Out(1) != errorType {
			return "must return nothing, error, or (T, error)"
		}
	default:
		return "must return nothing, error, or (T, error)"
	}
	return ""
}

// Signal sends a one-way operation for a proxy method without results.
// Such methods cannot report errors, so failures are logged.
func Signal(ctx context.Context, c Context, id entity.ID, operation string, input any) {
	if err := c.SignalEntity(ctx, id, operation, input); err != nil {
		slog.Error("entity proxy signal failed",
			"entity", id.String(),
			"operation", operation,
			"error", err)
	}
}
