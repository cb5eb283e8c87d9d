package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stockfolio/internal/models"
)

// keyedLocks hands out one exclusive lock per key. Waiting is bounded by
// timeout and by ctx.
type keyedLocks struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks(timeout time.Duration) *keyedLocks {
	return &keyedLocks{slots: map[string]*slot{}, timeout: timeout}
}

func (k *keyedLocks) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s := k.slots[key]
	if s == nil {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	timer := time.NewTimer(k.timeout)
	defer timer.Stop()
	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			k.release(key, s)
		}, nil
	case <-ctx.Done():
		k.release(key, s)
		return nil, ctx.Err()
	case <-timer.C:
		k.release(key, s)
		return nil, fmt.Errorf("%w: timed out waiting for %s", models.ErrConflict, key)
	}
}

func (k *keyedLocks) release(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}
