package entity

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrUnknownOperation is returned by class handlers for operation names that
// match no method.
var ErrUnknownOperation = errors.New("unknown operation")

// DeleteOperation is the operation that deletes an entity's state when the
// class does not define a method of that name.
const DeleteOperation = "delete"

var (
	contextType = reflect.TypeFor[Context]()
	errorType   = reflect.TypeFor[error]()
)

// classMethod describes one operation of a class.
type classMethod struct {
	name         string
	fn           reflect.Value
	takesContext bool
	arg          reflect.Type
	hasResult    bool
	hasError     bool
}

// classHandler dispatches operations to the methods of *T.
type classHandler struct {
	typ reflect.Type
	ops map[string]classMethod
}

// Class returns a Handler that keeps a T as entity state and maps every
// operation to the exported method of *T with the same name (compared
// case-insensitively).
//
// Supported method shapes (the Context parameter is optional):
//
//	func (t *T) Op(ctx entity.Context, arg A)
//	func (t *T) Op(arg A) error
//	func (t *T) Op() R
//	func (t *T) Op(ctx entity.Context) (R, error)
//
// The state is loaded before the method runs and saved after it returns
// without error. Methods mutate the receiver; a method that calls
// Context.DeleteState leaves the entity without state.
//
// Class fails when T has no exported methods or a method has an unsupported
// signature.
func Class[T any]() (Handler, error) {
	t := reflect.TypeFor[T]()
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return nil, fmt.Errorf("entity class %s: must be a value type", t)
	}

	pt := reflect.PointerTo(t)
	h := &classHandler{typ: t, ops: make(map[string]classMethod, pt.NumMethod())}
	for i := 0; i < pt.NumMethod(); i++ {
		m := pt.Method(i)
		cm, err := inspectMethod(m)
		if err != nil {
			return nil, fmt.Errorf("entity class %s: %w", t, err)
		}
		key := strings.ToLower(m.Name)
		if prev, dup := h.ops[key]; dup {
			return nil, fmt.Errorf("entity class %s: methods %s and %s differ only in case", t, prev.name, m.Name)
		}
		h.ops[key] = cm
	}
	if len(h.ops) == 0 {
		return nil, fmt.Errorf("entity class %s: no exported methods", t)
	}
	return h, nil
}

// MustClass is like Class but panics on error.
func MustClass[T any]() Handler {
	h, err := Class[T]()
	if err != nil {
		panic(err)
	}
	return h
}

func inspectMethod(m reflect.Method) (classMethod, error) {
	mt := m.Type
	cm := classMethod{name: m.Name, fn: m.Func}
	if mt.IsVariadic() {
		return cm, fmt.Errorf("method %s: variadic methods are not supported", m.Name)
	}

	// In(0) is the receiver.
	next := 1
	if next < mt.NumIn() && mt.In(next) == contextType {
		cm.takesContext = true
		next++
	}
	switch mt.NumIn() - next {
	case 0:
	case 1:
		cm.arg = mt.In(next)
	default:
		return cm, fmt.Errorf("method %s: at most one argument is allowed", m.Name)
	}

	switch mt.NumOut() {
	case 0:
	case 1:
		if mt.Out(0) == errorType {
			cm.hasError = true
		} else {
			cm.hasResult = true
		}
	case 2:
		if mt.Out(1) != errorType {
			return cm, fmt.Errorf("method %s: second result must be error", m.Name)
		}
		cm.hasResult = true
		cm.hasError = true
	default:
		return cm, fmt.Errorf("method %s: at most two results are allowed", m.Name)
	}
	return cm, nil
}

// classContext records whether the method deleted the state.
type classContext struct {
	Context
	deleted bool
}

func (c *classContext) DeleteState() {
	c.deleted = true
	c.Context.DeleteState()
}

// Handle implements Handler.
func (h *classHandler) Handle(ctx Context) error {
	m, ok := h.ops[strings.ToLower(ctx.OperationName())]
	if !ok {
		if strings.EqualFold(ctx.OperationName(), DeleteOperation) {
			ctx.DeleteState()
			return nil
		}
		return fmt.Errorf("entity %s: %w %q", ctx.ID(), ErrUnknownOperation, ctx.OperationName())
	}

	state := reflect.New(h.typ)
	if err := ctx.GetState(state.Interface()); err != nil {
		return err
	}

	cc := &classContext{Context: ctx}
	args := []reflect.Value{state}
	if m.takesContext {
		args = append(args, reflect.ValueOf(Context(cc)))
	}
	if m.arg != nil {
		arg := reflect.New(m.arg)
		if err := ctx.GetInput(arg.Interface()); err != nil {
			return err
		}
		args = append(args, arg.Elem())
	}

	out := m.fn.Call(args)
	if m.hasError {
		if errVal := out[len(out)-1]; !errVal.IsNil() {
			return errVal.Interface().(error)
		}
	}
	if m.hasResult {
		if err := ctx.Return(out[0].Interface()); err != nil {
			return err
		}
	}
	if cc.deleted {
		return nil
	}
	return ctx.SetState(state.Interface())
}
