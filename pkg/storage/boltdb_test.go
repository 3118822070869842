package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStorePutGetDelete(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("tablets", "t1", []byte("loc-1")))

	v, err := store.Get("tablets", "t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("loc-1"), v)

	v, err = store.Get("tablets", "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, store.Delete("tablets", "t1"))
	v, err = store.Get("tablets", "t1")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestBoltStoreForEach(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("tablets", "t1", []byte("a")))
	require.NoError(t, store.Put("tablets", "t2", []byte("b")))

	seen := map[string]string{}
	err = store.ForEach("tablets", func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"t1": "a", "t2": "b"}, seen)
}

func TestBoltStoreForEachMissingBucket(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	err = store.ForEach("does-not-exist", func(key string, value []byte) error {
		t.Fatal("should not be called")
		return nil
	})
	require.NoError(t, err)
}
