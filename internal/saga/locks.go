package saga

import "sync"

// keyedMutex serializes saga operations per document. No two phases for the
// same document may run concurrently; different documents are independent.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*documentLock
}

type documentLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*documentLock)}
}

// lock acquires the per-document mutex and returns its release function.
func (k *keyedMutex) lock(documentID string) func() {
	k.mu.Lock()
	entry, ok := k.locks[documentID]
	if !ok {
		entry = &documentLock{}
		k.locks[documentID] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, documentID)
		}
		k.mu.Unlock()
	}
}
