package lifecycle

import (
	"fmt"
	"sync"

	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/store"
)

// KeyedMutex serializes operations per key so that create, renew, stop,
// submit and the sweep for the same (owner, challenge) never interleave.
// Entries are reference-counted and dropped once unused.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock blocks until the key is held and returns the unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func ownerKey(owner store.Owner, challengeID int64) string {
	return fmt.Sprintf("%s/%d/%d", owner.Kind, owner.ID, challengeID)
}

func quotaKey(owner store.Owner) string {
	return fmt.Sprintf("%s/%d", owner.Kind, owner.ID)
}
