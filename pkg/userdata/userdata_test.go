package userdata

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mcc/pkg/blobstore"
)

func TestManagerDataRoundTrip(t *testing.T) {
	md := ManagerData{Bucket: "b", WorkerInstanceType: "c5.xlarge", VCPUsPerNode: 4, HyperthreadConst: 1, CoordinationHost: "redis.internal", CoordinationPort: 6379, EntryPoint: "/opt/entry.py"}
	b, err := EncodeManagerData(md)
	require.NoError(t, err)

	got, err := DecodeManagerData(b)
	require.NoError(t, err)
	assert.Equal(t, md, got)
}

func TestWorkerDataRoundTrip(t *testing.T) {
	wd := WorkerData{Bucket: "b", EntryPoint: "/opt/entry.py", Run: "i-abc123", HyperthreadConst: 2, CoordinationHost: "redis.internal", CoordinationPort: 6379}
	b, err := EncodeWorkerData(wd)
	require.NoError(t, err)

	got, err := DecodeWorkerData(b)
	require.NoError(t, err)
	assert.Equal(t, wd, got)
}

func TestUploadAndDownloadScriptDir(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "entry.py"), []byte("print(1)"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "helper.py"), []byte("x=1"), 0o644))

	require.NoError(t, UploadEntryPoint(ctx, store, src))
	require.NoError(t, UploadRequiredFiles(ctx, store, map[string][]byte{"combine.py": []byte("def combine(): pass")}))

	keys, err := store.List(ctx, "script/")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	dest := t.TempDir()
	require.NoError(t, DownloadScriptDir(ctx, store, dest))

	data, err := os.ReadFile(filepath.Join(dest, "entry.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(data))

	data, err = os.ReadFile(filepath.Join(dest, "sub", "helper.py"))
	require.NoError(t, err)
	assert.Equal(t, "x=1", string(data))
}

func TestUploadAndFetchWorkerData(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()

	wd := WorkerData{Bucket: "b", EntryPoint: "/opt/entry.py", Run: "run-1", HyperthreadConst: 1, CoordinationHost: "redis.internal", CoordinationPort: 6379}
	require.NoError(t, UploadWorkerData(ctx, store, "run-1", wd))

	got, err := FetchWorkerData(ctx, store, "run-1")
	require.NoError(t, err)
	assert.Equal(t, wd, got)

	// A run whose descriptor was never published decodes to the zero
	// value rather than an error (types.Decode's empty-key convention),
	// which callers use to detect "nothing published yet".
	absent, err := FetchWorkerData(ctx, store, "run-2")
	require.NoError(t, err)
	assert.Equal(t, WorkerData{}, absent)
}
