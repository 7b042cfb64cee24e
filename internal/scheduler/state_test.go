package scheduler

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityflow/internal/entity"
)

func strPtr(s string) *string { return &s }

func TestState_QueueDiscipline(t *testing.T) {
	var s State
	_, ok := s.TryDequeue()
	assert.False(t, ok)
	assert.True(t, s.IsEmpty())

	for i := 1; i <= 3; i++ {
		s.Enqueue(entity.RequestMessage{ID: fmt.Sprintf("r%d", i), Operation: "add"})
	}
	assert.Equal(t, 3, s.QueueLen())
	assert.False(t, s.IsEmpty())
	assert.True(t, s.IsRunnable())

	for i := 1; i <= 3; i++ {
		msg, ok := s.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("r%d", i), msg.ID)
	}
	assert.Nil(t, s.Queue, "drained queue must be nil")
	assert.True(t, s.IsEmpty())
}

func TestState_IsEmpty(t *testing.T) {
	assert.True(t, (&State{}).IsEmpty())
	assert.False(t, (&State{EntityExists: true}).IsEmpty())
	assert.False(t, (&State{LockedBy: "orch"}).IsEmpty())
	assert.False(t, (&State{Queue: []entity.RequestMessage{{ID: "r"}}}).IsEmpty())

	locked := State{LockedBy: "orch", Queue: []entity.RequestMessage{{ID: "r"}}}
	assert.False(t, locked.IsRunnable(), "locked entity does not run queued requests")
}

func TestState_String(t *testing.T) {
	s := State{EntityExists: true, Queue: []entity.RequestMessage{{ID: "a"}, {ID: "b"}}}
	assert.Equal(t, "exists=true queue.count=2", s.String())
}

func TestState_StateLength(t *testing.T) {
	assert.Equal(t, 0, (&State{}).StateLength())
	assert.Equal(t, 11, (&State{EntityState: strPtr(`{"value":5}`)}).StateLength())
}

func TestState_MarshalOmitsDefaults(t *testing.T) {
	data, err := json.Marshal(State{})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))

	data, err = json.Marshal(State{EntityExists: true, EntityState: strPtr(`{"value":5}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"exists":true,"state":"{\"value\":5}"}`, string(data))
}

func TestState_RoundTrip(t *testing.T) {
	due := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	lockReq := entity.RequestMessage{
		ID:               "lock-1",
		ParentInstanceID: "orch-1",
		LockSet:          []entity.ID{entity.NewID("a", "1"), entity.NewID("b", "1")},
		Position:         1,
	}

	tests := []struct {
		name  string
		state State
	}{
		{"empty", State{}},
		{"exists only", State{EntityExists: true}},
		{"state", State{EntityExists: true, EntityState: strPtr(`"x"`)}},
		{"one message", State{Queue: []entity.RequestMessage{{ID: "r1", Operation: "add", Input: json.RawMessage(`5`)}}}},
		{"many messages", State{
			EntityExists: true,
			EntityState:  strPtr(`{}`),
			Queue: []entity.RequestMessage{
				{ID: "r1", Operation: "add", IsSignal: true},
				{ID: "r2", Operation: "get", ParentInstanceID: "orch-2", ParentExecutionID: "e2"},
				{ID: "r3", Operation: "later", IsSignal: true, ScheduledTime: &due},
				lockReq,
			},
			LockedBy: "orch-0",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.state)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, len(tt.state.Queue), len(decoded.Queue))
			assert.Equal(t, tt.state.EntityExists, decoded.EntityExists)
			assert.Equal(t, tt.state.EntityState, decoded.EntityState)
			assert.Equal(t, tt.state.LockedBy, decoded.LockedBy)
			for i := range tt.state.Queue {
				want, got := tt.state.Queue[i], decoded.Queue[i]
				assert.Equal(t, want.ID, got.ID)
				assert.Equal(t, want.Operation, got.Operation)
				assert.Equal(t, want.IsSignal, got.IsSignal)
				assert.Equal(t, want.IsLockRequest(), got.IsLockRequest())
				assert.Equal(t, want.LockSet, got.LockSet)
				assert.Equal(t, want.Position, got.Position)
				assert.Equal(t, string(want.Input), string(got.Input))
			}

			again, err := json.Marshal(decoded)
			require.NoError(t, err)
			assert.Equal(t, string(data), string(again), "encoding is stable")
		})
	}
}

func TestState_UnmarshalSkipsUnknownFields(t *testing.T) {
	s, err := Decode([]byte(`{"future":{"nested":[1,2]},"exists":true,"queue":[]}`))
	require.NoError(t, err)
	assert.True(t, s.EntityExists)
	assert.Nil(t, s.Queue)
}

func TestState_UnmarshalErrors(t *testing.T) {
	for _, input := range []string{`[]`, `{"exists":"yes"}`, `{"queue":{}}`} {
		t.Run(input, func(t *testing.T) {
			_, err := Decode([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestDecode_EmptyInput(t *testing.T) {
	s, err := Decode(nil)
	require.NoError(t, err)
	assert.True(t, s.IsEmpty())

	s, err = Decode([]byte("null"))
	require.NoError(t, err)
	assert.True(t, s.IsEmpty())
}
