// Package locks provides in-process keyed mutual exclusion, used to
// serialize read-modify-write sequences per study without a single global
// lock.
package locks

import "sync"

// KeyedMutex provides one mutex per key. Mutexes are created on first use
// and kept for the process lifetime; the key space here (study IDs) is
// small.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for the given key, creating it if needed.
func (k *KeyedMutex) Lock(key string) {
	k.mutexFor(key).Lock()
}

// Unlock releases the mutex for the given key. Unlocking a key that was
// never locked panics, same as sync.Mutex.
func (k *KeyedMutex) Unlock(key string) {
	k.mutexFor(key).Unlock()
}

func (k *KeyedMutex) mutexFor(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
