// Package lock serializes work per booking. Cross-key work runs in parallel.
package lock

import (
	"context"
	"sync"
)

type Unlock func()

type Locker interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
}

type keyed struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Idle keys are dropped so the map does
// not grow with every booking ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyed
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyed)}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	m.mu.Lock()
	k, ok := m.locks[key]
	if !ok {
		k = &keyed{sem: make(chan struct{}, 1)}
		m.locks[key] = k
	}
	k.refs++
	m.mu.Unlock()

	select {
	case k.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(key, k)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.sem
			m.release(key, k)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, k *keyed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(m.locks, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
