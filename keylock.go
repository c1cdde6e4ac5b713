package accounts

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// keyedMutex serializes work per key. Entries are reference counted and
// dropped once no goroutine holds or waits for them.
type keyedMutex struct {
	locks *xsync.MapOf[string, *refMutex]
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		locks: xsync.NewMapOf[string, *refMutex](),
	}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	entry, _ := k.locks.Compute(key, func(old *refMutex, loaded bool) (*refMutex, bool) {
		if !loaded || old == nil {
			old = &refMutex{}
		}
		old.refs++
		return old, false
	})

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			k.locks.Compute(key, func(old *refMutex, loaded bool) (*refMutex, bool) {
				if !loaded || old == nil {
					return nil, true
				}
				old.refs--
				return old, old.refs <= 0
			})
		})
	}
}

// Len returns the number of keys currently tracked.
func (k *keyedMutex) Len() int {
	return k.locks.Size()
}
