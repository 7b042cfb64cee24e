package store

import (
	"errors"
	"time"
)

// Instance kinds.
const (
	KindEntity        = "entity"
	KindOrchestration = "orchestration"
	KindClient        = "client"
)

// Instance statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrNotFound is returned when an instance or event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by Commit when the instance or its inbox
	// changed since it was loaded.
	ErrConflict = errors.New("concurrent modification")
)

// IsConflict returns true if err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true if err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Instance is one row of the instances table.
type Instance struct {
	ID          string
	Kind        string
	ExecutionID string
	Input       []byte
	Status      string
	Runnable    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is one inbox row.
type Message struct {
	// Seq orders messages per target. Assigned by the store.
	Seq int64

	// Target is the receiving instance id.
	Target string

	// ID identifies the message for deduplication per target.
	ID string

	// Name is the event name (entity.EventOperation, entity.EventRelease,
	// or a request id for responses).
	Name string

	// Payload is the serialized message.
	Payload []byte

	// Source is the sending instance, for diagnostics.
	Source string

	// DeliverAt hides the message until the given time. Zero means now.
	DeliverAt time.Time
}

// Commit is the atomic outcome of one entity batch.
type Commit struct {
	// InstanceID is the scheduler id being committed.
	InstanceID string

	// ExpectedExecutionID is the execution id read before the batch.
	// Empty when the instance did not exist.
	ExpectedExecutionID string

	// ExecutionID is the new execution id.
	ExecutionID string

	// Input is the new scheduler state.
	Input []byte

	// Delete removes the instance row instead of writing Input.
	Delete bool

	// Runnable marks the instance as having work that can run right away.
	Runnable bool

	// Consumed are the inbox messages processed by the batch.
	Consumed []Message

	// Outbox are the messages emitted by the batch.
	Outbox []Message

	// Now is the commit time.
	Now time.Time
}

// ListFilter selects instances for ListInstances.
type ListFilter struct {
	// Kind restricts results to one instance kind. Empty matches all.
	Kind string

	// Prefix restricts results to ids starting with Prefix.
	Prefix string

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
