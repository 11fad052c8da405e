package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrentPerUser bounds concurrently running executions of
// one user within a worker process.
const DefaultMaxConcurrentPerUser = 10

// UserLimiter hands out per-user execution slots. Callers over the limit
// wait for a slot instead of failing.
type UserLimiter struct {
	limit int64
	mu    sync.Mutex
	users map[string]*userSlots
}

type userSlots struct {
	sem  *semaphore.Weighted
	refs int
}

func NewUserLimiter(limit int) *UserLimiter {
	if limit <= 0 {
		limit = DefaultMaxConcurrentPerUser
	}
	return &UserLimiter{limit: int64(limit), users: map[string]*userSlots{}}
}

// Acquire blocks until userID has a free slot or ctx is done. The returned
// function releases the slot.
func (l *UserLimiter) Acquire(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	slots, ok := l.users[userID]
	if !ok {
		slots = &userSlots{sem: semaphore.NewWeighted(l.limit)}
		l.users[userID] = slots
	}
	slots.refs++
	l.mu.Unlock()

	if err := slots.sem.Acquire(ctx, 1); err != nil {
		l.unref(userID, slots)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			slots.sem.Release(1)
			l.unref(userID, slots)
		})
	}, nil
}

func (l *UserLimiter) unref(userID string, slots *userSlots) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slots.refs--
	if slots.refs == 0 {
		delete(l.users, userID)
	}
}
