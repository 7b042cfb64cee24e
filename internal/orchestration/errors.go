package orchestration

import (
	"errors"
	"fmt"
)

// ErrInstanceCompleted is returned by Run for an instance that already
// finished.
var ErrInstanceCompleted = errors.New("orchestration instance already completed")

// LockingRulesError reports a misuse of critical sections: nested locking,
// an empty lock set, calling an entity outside the lock set, a second call
// to a locked entity while one is outstanding, or signaling a locked entity.
type LockingRulesError struct {
	Message string
}

func (e *LockingRulesError) Error() string {
	return fmt.Sprintf("locking rules violation: %s", e.Message)
}

// IsLockingRulesError returns true if err is or wraps a *LockingRulesError.
func IsLockingRulesError(err error) bool {
	var le *LockingRulesError
	return errors.As(err, &le)
}

func lockingRules(format string, args ...any) error {
	return &LockingRulesError{Message: fmt.Sprintf(format, args...)}
}
