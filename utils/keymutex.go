package utils

import "sync"

// KeyMutex serializes operations per string key while letting distinct keys
// proceed in parallel. Mutexes are created on first use and never evicted;
// the key space here (ticket types, orders, tickets) is small and bounded.
type KeyMutex struct {
	locks sync.Map
}

// Lock acquires the mutex for key and returns its unlock function.
//
//	unlock := km.Lock(key)
//	defer unlock()
func (k *KeyMutex) Lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
