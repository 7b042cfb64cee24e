package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// OperationFailedError is returned to callers when an entity operation
// failed with an error type that cannot be rebuilt on the caller side.
type OperationFailedError struct {
	// Entity is the scheduler id of the failed entity.
	Entity string

	// Operation is the operation that failed.
	Operation string

	// ExceptionType names the original error type.
	ExceptionType string

	// Message is the original error message.
	Message string

	// Content is the raw serialized failure.
	Content json.RawMessage
}

func (e *OperationFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("entity operation threw %s, content = %s", e.ExceptionType, string(e.Content))
	}
	if e.Entity != "" {
		return fmt.Sprintf("entity %s operation %q failed (%s): %s", e.Entity, e.Operation, e.ExceptionType, e.Message)
	}
	return fmt.Sprintf("entity operation %q failed (%s): %s", e.Operation, e.ExceptionType, e.Message)
}

// IsOperationFailed returns true if err is or wraps an *OperationFailedError.
func IsOperationFailed(err error) bool {
	var oe *OperationFailedError
	return errors.As(err, &oe)
}

// SchedulerError reports a message that could not be serialized or
// deserialized by the scheduler.
type SchedulerError struct {
	Op  string
	Err error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("entity scheduler: %s: %v", e.Op, e.Err)
}

func (e *SchedulerError) Unwrap() error {
	return e.Err
}

// LockProtocolError is sent back to a caller whose lock request was not
// acceptable to an entity (unsorted lock set, wrong position).
type LockProtocolError struct {
	Entity string `json:"entity"`
	Reason string `json:"reason"`
}

func (e *LockProtocolError) Error() string {
	return fmt.Sprintf("lock request rejected by %s: %s", e.Entity, e.Reason)
}

// LockProtocolErrorType is the exception type name of *LockProtocolError.
const LockProtocolErrorType = "LockProtocolError"

// errorTypes maps exception type names to error types that survive a round
// trip through a ResponseMessage.
var errorTypes = struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}{
	byName: map[string]reflect.Type{},
	byType: map[reflect.Type]string{},
}

func init() {
	RegisterErrorType[*LockProtocolError](LockProtocolErrorType)
}

// RegisterErrorType makes errors of type E (a pointer to a JSON-serializable
// struct) travel from entities to callers with their fields intact.
//
// Registration is meant for init functions. It panics when E is not a
// pointer type or when name is already taken by another type.
func RegisterErrorType[E error](name string) {
	t := reflect.TypeFor[E]()
	if t.Kind() != reflect.Pointer {
		panic(fmt.Sprintf("entity: RegisterErrorType: %s is not a pointer type", t))
	}

	errorTypes.mu.Lock()
	defer errorTypes.mu.Unlock()

	if existing, ok := errorTypes.byName[name]; ok && existing != t {
		panic(fmt.Sprintf("entity: RegisterErrorType: %q already registered for %s", name, existing))
	}
	errorTypes.byName[name] = t
	errorTypes.byType[t] = name
}

// registeredError returns the first error in err's chain whose type is
// registered, along with its registered name. The error is nil when no
// type in the chain is registered.
func registeredError(err error) (string, error) {
	errorTypes.mu.RLock()
	defer errorTypes.mu.RUnlock()

	for e := err; e != nil; e = errors.Unwrap(e) {
		if name, ok := errorTypes.byType[reflect.TypeOf(e)]; ok {
			return name, e
		}
	}
	return "", nil
}

// rebuildError decodes detail into a new value of the type registered as name.
func rebuildError(name string, detail json.RawMessage) (error, bool) {
	errorTypes.mu.RLock()
	t, ok := errorTypes.byName[name]
	errorTypes.mu.RUnlock()
	if !ok {
		return nil, false
	}

	v := reflect.New(t.Elem())
	if err := json.Unmarshal(detail, v.Interface()); err != nil {
		return nil, false
	}
	rebuilt, ok := v.Interface().(error)
	return rebuilt, ok
}

// errorTypeName names an unregistered error type for diagnostics.
func errorTypeName(err error) string {
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "error"
	}
	return t.String()
}

// ExceptionType returns the exception type name err travels under: the
// registered name for registered error types, the original type of an
// *OperationFailedError, and the Go type name otherwise.
func ExceptionType(err error) string {
	if err == nil {
		return ""
	}
	if name, match := registeredError(err); match != nil {
		return name
	}
	var failed *OperationFailedError
	if errors.As(err, &failed) {
		return failed.ExceptionType
	}
	return errorTypeName(err)
}
