package billing

import (
	"context"
	"sync"
)

// userLocks serializes settlements per user.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// Lock blocks until the user's lock is held or ctx is done.
func (u *userLocks) Lock(ctx context.Context, userID string) (func(), error) {
	u.mu.Lock()
	l, ok := u.locks[userID]
	if !ok {
		l = &userLock{ch: make(chan struct{}, 1)}
		u.locks[userID] = l
	}
	l.refs++
	u.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			u.release(userID, l)
		}, nil
	case <-ctx.Done():
		u.release(userID, l)
		return nil, ctx.Err()
	}
}

func (u *userLocks) release(userID string, l *userLock) {
	u.mu.Lock()
	defer u.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(u.locks, userID)
	}
}
