package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "origin.db")
	b, err := OpenSQLite(path)
	require.NoError(t, err)

	_, existed, err := b.Set("tpxStorageMessage:sum", `{"type":"request","values":["2","3"]}`)
	require.NoError(t, err)
	assert.False(t, existed)

	old, existed, err := b.Set("tpxStorageMessage:sum", "second")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, `{"type":"request","values":["2","3"]}`, old)

	_, _, err = b.Set("theme", "dark")
	require.NoError(t, err)

	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"theme", "tpxStorageMessage:sum"}, keys)

	old, existed, err = b.Delete("tpxStorageMessage:sum")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "second", old)

	_, existed, err = b.Delete("tpxStorageMessage:sum")
	require.NoError(t, err)
	assert.False(t, existed)
	require.NoError(t, b.Close())

	// Entries survive a reopen; migrations are idempotent.
	b, err = OpenSQLite(path)
	require.NoError(t, err)
	defer b.Close()
	v, ok, err := b.Get("theme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dark", v)
}

func TestAreaOverSQLite(t *testing.T) {
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "origin.db"))
	require.NoError(t, err)
	a := NewArea(b)
	defer a.Close()

	tabA := attach(t, a)
	tabB := attach(t, a)
	ch, cancel, err := tabB.Subscribe()
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, tabA.SetItem("k", "v"))
	require.NoError(t, tabA.RemoveItem("k"))
	assert.Equal(t, "v", recv(t, ch).NewValue)
	assert.True(t, recv(t, ch).Deleted)
}
