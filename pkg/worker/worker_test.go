package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mcc/pkg/blobstore"
	"github.com/cuemby/mcc/pkg/config"
	"github.com/cuemby/mcc/pkg/coordination"
	"github.com/cuemby/mcc/pkg/types"
)

func newTestWorker(t *testing.T, entryPoint string) (*Worker, *coordination.Protocol, *blobstore.MemStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := coordination.NewRedisStoreFromClient(client)
	proto := coordination.NewProtocol(store, "run1")
	blob := blobstore.NewMemStore()

	cfg := config.Defaults()
	cfg.HeartbeatSec = 3600 // keep the heartbeat from firing mid-test

	w := New("w1", "run1", cfg, proto, blob, nil, entryPoint, filepath.Join(t.TempDir(), "output"), "")
	w.cpuSample = func() (float64, error) { return 0, nil }
	return w, proto, blob
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entry.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestRunDrainsQueueAndUploadsPartials(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho done > \"$1.out\"\nexit 0\n")
	w, proto, blob := newTestWorker(t, script)
	ctx := context.Background()

	require.NoError(t, proto.Seed(ctx, []types.Point{{0, 0}, {1, 1}, {2, 2}}))

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(runCtx))

	st, err := proto.ReadState(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Remaining)
	assert.Len(t, st.Completed, 3)
	assert.NotContains(t, st.InProgress, "w1")

	keys, err := blob.List(ctx, "results/run1/")
	require.NoError(t, err)
	assert.NotEmpty(t, keys)
}

func TestRunLeavesStuckItemInProgressOnEntryPointFailure(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexit 1\n")
	w, proto, _ := newTestWorker(t, script)
	ctx := context.Background()

	require.NoError(t, proto.Seed(ctx, []types.Point{{0, 0}}))

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(runCtx))

	st, err := proto.ReadState(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Completed)
	assert.Empty(t, st.Remaining)
	require.Contains(t, st.InProgress, "w1")
	assert.Len(t, st.InProgress["w1"].Items, 1)
}

func TestParallelismIsAtLeastOne(t *testing.T) {
	w, _, _ := newTestWorker(t, "/bin/true")
	assert.GreaterOrEqual(t, w.Parallelism(), 1)
}

func TestSampleCPUReturnsNonNegative(t *testing.T) {
	pct, err := sampleCPU()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pct, 0.0)
}
