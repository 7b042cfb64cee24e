package scheduler

import (
	"fmt"
	"slices"

	"github.com/roach88/entityflow/internal/entity"
)

// SortLockSet returns a sorted copy of ids with duplicates removed.
//
// Every lock set is acquired in this order. Because all callers agree on the
// order, two critical sections can never wait on each other in a cycle.
func SortLockSet(ids []entity.ID) []entity.ID {
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, entity.ID.Compare)
	return slices.CompactFunc(sorted, func(a, b entity.ID) bool { return a.Compare(b) == 0 })
}

// ValidateLockSet checks that ids is non-empty, strictly ascending, and made
// of valid ids.
func ValidateLockSet(ids []entity.ID) error {
	if len(ids) == 0 {
		return fmt.Errorf("lock set is empty")
	}
	for i, id := range ids {
		if err := id.Validate(); err != nil {
			return fmt.Errorf("lock set entry %d: %w", i, err)
		}
		if i > 0 && ids[i-1].Compare(id) >= 0 {
			return fmt.Errorf("lock set is not sorted at entry %d (%s after %s)", i, id, ids[i-1])
		}
	}
	return nil
}

// ValidateLockRequest checks that a lock request may be granted by self.
func ValidateLockRequest(msg *entity.RequestMessage, self entity.ID) error {
	if err := ValidateLockSet(msg.LockSet); err != nil {
		return err
	}
	if msg.Position < 0 || msg.Position >= len(msg.LockSet) {
		return fmt.Errorf("position %d out of range for lock set of %d", msg.Position, len(msg.LockSet))
	}
	if msg.LockSet[msg.Position] != self {
		return fmt.Errorf("position %d names %s, not %s", msg.Position, msg.LockSet[msg.Position], self)
	}
	if msg.ParentInstanceID == "" {
		return fmt.Errorf("lock request has no parent")
	}
	return nil
}
