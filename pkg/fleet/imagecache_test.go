package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageCachePutGetListDelete(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewImageCache(dir)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	inst := CachedInstance{ID: "i-123", State: "running", LaunchedAt: time.Unix(1000, 0).UTC()}
	require.NoError(t, cache.Put(inst))

	got, found, err := cache.Get("i-123")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, inst.State, got.State)

	_, found, err = cache.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)

	all, err := cache.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, cache.Delete("i-123"))
	all, err = cache.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}
