package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterByExtensions(t *testing.T) {
	keys := []string{"results/r1_1.h5", "results/r1_1.log", "results/r1_manager.log", "results/r1_2.csv"}
	got := FilterByExtensions(keys, []string{"h5", "csv"})
	assert.ElementsMatch(t, []string{"results/r1_1.h5", "results/r1_2.csv"}, got)
}

func TestMemStorePutGetListDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	require.NoError(t, m.Put(ctx, "results/a.log", []byte("x")))
	require.NoError(t, m.Put(ctx, "results/b.log", []byte("y")))
	require.NoError(t, m.Put(ctx, "script/entry.py", []byte("z")))

	keys, err := m.List(ctx, "results/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"results/a.log", "results/b.log"}, keys)

	v, err := m.Get(ctx, "results/a.log")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), v)

	require.NoError(t, m.Delete(ctx, "results/a.log"))
	v, err = m.Get(ctx, "results/a.log")
	require.NoError(t, err)
	assert.Nil(t, v)
}
