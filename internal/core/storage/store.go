// Package storage models a per-origin key/value area shared by several
// browsing contexts. Every context sees the same entries; a mutation made
// through one context is announced to every other attached context as a
// Change, never to the writer itself.
package storage

import (
	"errors"
)

var (
	ErrDetached = errors.New("storage context detached")
	ErrClosed   = errors.New("storage area closed")
	ErrBadFrame = errors.New("malformed change frame")
)

// Change is the notification delivered for one mutation. NewValue is empty
// for removals.
type Change struct {
	Key      string
	OldValue string
	NewValue string
	Deleted  bool
	// Context is the id of the writing context.
	Context string
}

// Store is one context's view of a shared area.
type Store interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
	Keys() ([]string, error)
	// Subscribe streams changes made by other contexts. The returned func
	// cancels the subscription and closes the channel.
	Subscribe() (<-chan Change, func(), error)
}

// Backend persists the entries of an Area.
type Backend interface {
	Get(key string) (string, bool, error)
	// Set stores value and returns the previous value, if any.
	Set(key, value string) (string, bool, error)
	// Delete removes key and returns the removed value, if any.
	Delete(key string) (string, bool, error)
	Keys() ([]string, error)
	Close() error
}
