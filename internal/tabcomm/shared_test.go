package tabcomm

import (
	"testing"

	"ClawdCity-TabComm/internal/core/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedReturnsOneInstancePerStore(t *testing.T) {
	area := storage.NewArea(storage.NewMemoryBackend())
	defer area.Close()
	tabA, err := area.Attach()
	require.NoError(t, err)
	tabB, err := area.Attach()
	require.NoError(t, err)

	first, err := Shared(tabA)
	require.NoError(t, err)
	again, err := Shared(tabA, WithPrefixes("ignored", "ignored2"))
	require.NoError(t, err)
	assert.Same(t, first, again)

	other, err := Shared(tabB)
	require.NoError(t, err)
	assert.NotSame(t, first, other)

	require.NoError(t, first.Close())
	fresh, err := Shared(tabA)
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)

	require.NoError(t, fresh.Close())
	require.NoError(t, other.Close())
}

// sliceStore is a Store whose value type cannot be a map key.
type sliceStore struct {
	tags  []string
	inner storage.Store
}

func (s sliceStore) GetItem(key string) (string, bool, error) { return s.inner.GetItem(key) }
func (s sliceStore) SetItem(key, value string) error          { return s.inner.SetItem(key, value) }
func (s sliceStore) RemoveItem(key string) error              { return s.inner.RemoveItem(key) }
func (s sliceStore) Keys() ([]string, error)                  { return s.inner.Keys() }
func (s sliceStore) Subscribe() (<-chan storage.Change, func(), error) {
	return s.inner.Subscribe()
}

func TestSharedRejectsUncomparableStore(t *testing.T) {
	area := storage.NewArea(storage.NewMemoryBackend())
	defer area.Close()
	tab, err := area.Attach()
	require.NoError(t, err)

	store := sliceStore{tags: []string{"x"}, inner: tab}
	assert.NotPanics(t, func() {
		_, err = Shared(store)
	})
	assert.ErrorIs(t, err, ErrStoreNotComparable)

	_, err = Shared(nil)
	assert.ErrorIs(t, err, ErrStoreNotComparable)

	c, err := New(store)
	require.NoError(t, err)
	require.NoError(t, c.Close())
}
