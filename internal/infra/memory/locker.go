package memory

import (
	"context"
	"sync"

	"async-dispatch/internal/domain"
)

// Locker is a process-local domain.Locker.
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocker creates a Locker with no held locks.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

type localLock struct {
	locker *Locker
	name   string
	once   sync.Once
}

func (l *localLock) Unlock(_ context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.name)
		l.locker.mu.Unlock()
	})
	return nil
}

// Lock acquires name or returns domain.ErrLockNotAcquired.
func (l *Locker) Lock(_ context.Context, name string) (domain.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, domain.ErrLockNotAcquired
	}
	l.held[name] = struct{}{}
	return &localLock{locker: l, name: name}, nil
}
