package nursery

import "sync"

// lockTable hands out named mutexes. Entries exist only while held or
// contended, so the table stays small no matter how many swaps pass through.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// lock acquires the named lock and returns its release function.
func (t *lockTable) lock(key string) func() {
	t.mu.Lock()
	entry := t.entries[key]
	if entry == nil {
		entry = &lockEntry{}
		t.entries[key] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		t.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}
}

func swapLockKey(id string) string {
	return "swapLock:" + id
}

func reverseSwapLockKey(id string) string {
	return "reverseSwapLock:" + id
}
