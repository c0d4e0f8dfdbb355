package aggregator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mcc/pkg/blobstore"
)

// concatCombine is a deterministic Combiner: it reads each input file
// in sorted path order and concatenates bytes.
func concatCombine(files []string, outPath string) error {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	var out []byte
	for _, f := range sorted {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		out = append(out, b...)
	}
	return os.WriteFile(outPath, out, 0o644)
}

func TestAggregateProducesArtifactAndMergedLog(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()

	require.NoError(t, store.Put(ctx, "results/run1/w1_1.h5", []byte("AAA")))
	require.NoError(t, store.Put(ctx, "results/run1/w2_1.h5", []byte("BBB")))
	require.NoError(t, store.Put(ctx, "results/run1/w1.log", []byte("2026-01-01T00:00:01Z line1\n2026-01-01T00:00:03Z line3\n")))
	require.NoError(t, store.Put(ctx, "results/run1/w2.log", []byte("2026-01-01T00:00:02Z line2\n")))

	cfg := Config{Run: "run1", FileExtensions: []string{"h5"}, OutputFile: "output.h5", ScratchDir: filepath.Join(t.TempDir(), "scratch")}
	require.NoError(t, Aggregate(ctx, store, cfg, concatCombine))

	artifact, err := store.Get(ctx, "results/run1_output.h5")
	require.NoError(t, err)
	assert.Equal(t, "AAABBB", string(artifact))

	mergedLog, err := store.Get(ctx, "results/run1_workers.log")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01T00:00:01Z line1\n2026-01-01T00:00:02Z line2\n2026-01-01T00:00:03Z line3\n", string(mergedLog))

	remaining, err := store.List(ctx, "results/run1/")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAggregateIsIdempotentGivenUnchangedInputs(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()

	require.NoError(t, store.Put(ctx, "results/run2/w1_1.h5", []byte("XYZ")))

	cfg := Config{Run: "run2", FileExtensions: []string{"h5"}, OutputFile: "output.h5", ScratchDir: filepath.Join(t.TempDir(), "scratch1")}
	require.NoError(t, Aggregate(ctx, store, cfg, concatCombine))
	first, err := store.Get(ctx, "results/run2_output.h5")
	require.NoError(t, err)

	// Rerun against a fresh store seeded with the same unchanged inputs.
	store2 := blobstore.NewMemStore()
	require.NoError(t, store2.Put(ctx, "results/run2/w1_1.h5", []byte("XYZ")))
	cfg.ScratchDir = filepath.Join(t.TempDir(), "scratch2")
	require.NoError(t, Aggregate(ctx, store2, cfg, concatCombine))
	second, err := store2.Get(ctx, "results/run2_output.h5")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
