// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a lock cannot be acquired because it is
// already held, for example by a worker still executing an earlier delivery.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock represents an acquired lock.
type Lock interface {
	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Locker guards execution of a single task_id.
type Locker interface {
	// Lock must not block: if the lock is held it returns ErrLockNotAcquired.
	Lock(ctx context.Context, name string) (Lock, error)
}
