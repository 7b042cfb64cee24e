package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		is    func(error) bool
		wants string
	}{
		{
			name:  "no handler",
			err:   NewNoHandlerError("@ghost@g1", "ghost", "add"),
			is:    IsNoHandlerError,
			wants: `NO_HANDLER: no handler registered for entity "ghost" (entity=@ghost@g1, operation=add)`,
		},
		{
			name:  "panic",
			err:   NewPanicError("@counter@c1", "add", "kaboom"),
			is:    IsPanicError,
			wants: "OPERATION_PANIC: operation panicked: kaboom (entity=@counter@c1, operation=add)",
		},
		{
			name:  "corrupt state",
			err:   NewCorruptStateError("@counter@c1", errors.New("bad json")),
			is:    IsCorruptStateError,
			wants: "CORRUPT_STATE: cannot decode scheduler state: bad json (entity=@counter@c1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wants, tt.err.Error())
			assert.True(t, tt.is(tt.err))
			assert.True(t, tt.is(fmt.Errorf("batch: %w", tt.err)), "wrapped")
		})
	}

	assert.False(t, IsPanicError(NewNoHandlerError("@a@b", "a", "x")))
	assert.False(t, IsNoHandlerError(errors.New("plain")))
}
