package tabcomm

import (
	"fmt"
	"reflect"
	"sync"

	"ClawdCity-TabComm/internal/core/storage"
)

var (
	sharedMu sync.Mutex
	shared   = make(map[storage.Store]*Communicator)
)

// Shared returns the Communicator bound to store, creating it on first use.
// Later calls return the same instance and ignore opts, so a store is never
// subscribed twice. Closing the instance releases the binding. Stores are
// keyed by identity, so a store whose dynamic type is not comparable is
// rejected with ErrStoreNotComparable; use New for those.
func Shared(store storage.Store, opts ...Option) (*Communicator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrStoreNotComparable)
	}
	if t := reflect.TypeOf(store); !t.Comparable() {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotComparable, t)
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if c, ok := shared[store]; ok {
		return c, nil
	}
	c, err := New(store, opts...)
	if err != nil {
		return nil, err
	}
	c.shared = true
	shared[store] = c
	return c, nil
}

func releaseShared(c *Communicator) {
	if !c.shared {
		return
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared[c.store] == c {
		delete(shared, c.store)
	}
}
