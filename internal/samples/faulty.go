package samples

import (
	"fmt"
	"strings"

	"github.com/roach88/entityflow/internal/entity"
)

// FaultyName is the entity name of Faulty.
const FaultyName = "faulty"

// TestError is the error Faulty operations fail with.
type TestError struct {
	Message string `json:"message"`
}

func (e *TestError) Error() string { return e.Message }

func init() {
	entity.RegisterErrorType[*TestError]("samples.TestError")
}

type faultyState struct {
	Value          int `json:"value"`
	IncrementsSent int `json:"incrementsSent"`
}

func kaboom() error { return &TestError{Message: "KABOOM"} }

// Faulty is an entity whose operations fail at chosen points, to exercise
// rollback:
//
//	exists, get, getIncrementsSent   read
//	set, delete                      write
//	send <entity id>                 signal "set" with "n:value" to the target
//	throw, throwNested, panic        fail without side effects
//	setThenThrow, deleteThenThrow    write, then fail
//	sendThenThrow                    send, then fail
func Faulty(ctx entity.Context) error {
	op := strings.ToLower(ctx.OperationName())
	if op == "exists" {
		return ctx.Return(ctx.HasState())
	}

	var s faultyState
	if err := ctx.GetState(&s); err != nil {
		return err
	}
	if !ctx.HasState() {
		if err := ctx.SetState(s); err != nil {
			return err
		}
	}

	switch op {
	case "get":
		return ctx.Return(s.Value)
	case "getincrementssent":
		return ctx.Return(s.IncrementsSent)
	case "set", "setthenthrow":
		if err := ctx.GetInput(&s.Value); err != nil {
			return err
		}
		if err := ctx.SetState(s); err != nil {
			return err
		}
	case "delete", "deletethenthrow":
		ctx.DeleteState()
	case "send", "sendthenthrow":
		var target entity.ID
		if err := ctx.GetInput(&target); err != nil {
			return err
		}
		s.IncrementsSent++
		desc := fmt.Sprintf("%d:%d", s.IncrementsSent, s.Value)
		if err := ctx.SignalEntity(target, "set", desc); err != nil {
			return err
		}
		if err := ctx.SetState(s); err != nil {
			return err
		}
	case "throw":
		return kaboom()
	case "thrownested":
		return fmt.Errorf("KABOOOOOM: %w", kaboom())
	case "panic":
		panic("KABOOM")
	default:
		return fmt.Errorf("%w %q", entity.ErrUnknownOperation, ctx.OperationName())
	}

	if strings.HasSuffix(op, "thenthrow") {
		return kaboom()
	}
	return nil
}
