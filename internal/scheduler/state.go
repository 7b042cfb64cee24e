// Package scheduler holds the persisted continuation record of an entity.
//
// A State is what an entity's scheduler carries from one batch to the next:
// whether the entity exists, its serialized state, the FIFO queue of
// requests that arrived but have not run yet, and the instance holding the
// entity's lock. The state is rewritten as a whole after every batch.
package scheduler

import (
	"fmt"

	"github.com/roach88/entityflow/internal/entity"
)

// State is the continuation record of one entity.
type State struct {
	// EntityExists reports whether the entity has state.
	EntityExists bool

	// EntityState is the serialized user state. Nil when absent.
	EntityState *string

	// Queue holds requests waiting to run, in arrival order.
	// It is nil, never empty, when there are no waiting requests.
	Queue []entity.RequestMessage

	// LockedBy is the instance holding the entity's lock. Empty when unlocked.
	LockedBy string
}

// Enqueue appends a request to the back of the queue.
func (s *State) Enqueue(msg entity.RequestMessage) {
	s.Queue = append(s.Queue, msg)
}

// TryDequeue removes and returns the front request.
// Returns false when the queue is empty.
func (s *State) TryDequeue() (entity.RequestMessage, bool) {
	if len(s.Queue) == 0 {
		return entity.RequestMessage{}, false
	}
	msg := s.Queue[0]
	s.Queue[0] = entity.RequestMessage{}
	if len(s.Queue) == 1 {
		s.Queue = nil
	} else {
		s.Queue = s.Queue[1:]
	}
	return msg, true
}

// QueueLen returns the number of waiting requests.
func (s *State) QueueLen() int {
	return len(s.Queue)
}

// IsLocked reports whether some instance holds the entity's lock.
func (s *State) IsLocked() bool {
	return s.LockedBy != ""
}

// IsEmpty reports whether the state carries no information. Empty states
// are not persisted.
func (s *State) IsEmpty() bool {
	return !s.EntityExists && len(s.Queue) == 0 && s.LockedBy == ""
}

// IsRunnable reports whether queued requests can run right away.
func (s *State) IsRunnable() bool {
	return !s.IsLocked() && len(s.Queue) > 0
}

// StateLength returns the size of the serialized user state.
func (s *State) StateLength() int {
	if s.EntityState == nil {
		return 0
	}
	return len(*s.EntityState)
}

// String implements fmt.Stringer for log output.
func (s State) String() string {
	return fmt.Sprintf("exists=%t queue.count=%d", s.EntityExists, len(s.Queue))
}
