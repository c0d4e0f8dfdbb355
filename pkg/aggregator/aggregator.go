// Package aggregator implements the Manager's final collation step
// (spec.md §4.4), grounded on the combine/log-merge/cleanup sequence at
// the tail of original_source/mcc/manager_userdata.py.
package aggregator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/mcc/pkg/blobstore"
	mccerrs "github.com/cuemby/mcc/pkg/errs"
	"github.com/cuemby/mcc/pkg/metrics"
)

// Combiner is the user-supplied hook that reduces a set of partial files
// into one output artifact (spec.md §6 plug-in surface: combine(files,
// outPath)).
type Combiner func(files []string, outPath string) error

// Config parameterizes one aggregation pass.
type Config struct {
	Run            string
	FileExtensions []string
	OutputFile     string
	ScratchDir     string
}

func resultPrefix(run string) string {
	return fmt.Sprintf("results/%s/", run)
}

// Aggregate runs the full spec.md §4.4 sequence: enumerate partials,
// download, combine, upload the final artifact, merge worker logs, and
// delete ingested inputs. It is idempotent: given the same set of
// objects in OS and a deterministic combine, rerunning produces
// byte-identical artifact and log outputs (spec.md §8 property 4).
func Aggregate(ctx context.Context, store blobstore.Store, cfg Config, combine Combiner) error {
	metrics.AggregationStatus.WithLabelValues(cfg.Run).Set(1)
	defer metrics.AggregationStatus.WithLabelValues(cfg.Run).Set(0)

	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("%w: scratch dir: %v", mccerrs.ErrAggregationFailed, err)
	}

	allKeys, err := store.List(ctx, resultPrefix(cfg.Run))
	if err != nil {
		return fmt.Errorf("%w: list partials: %v", mccerrs.ErrAggregationFailed, err)
	}

	partialKeys := blobstore.FilterByExtensions(allKeys, cfg.FileExtensions)
	sort.Strings(partialKeys) // deterministic file order into combine()

	localFiles := make([]string, 0, len(partialKeys))
	for _, key := range partialKeys {
		data, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: download %s: %v", mccerrs.ErrAggregationFailed, key, err)
		}
		local := filepath.Join(cfg.ScratchDir, filepath.Base(key))
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return fmt.Errorf("%w: write %s: %v", mccerrs.ErrAggregationFailed, local, err)
		}
		localFiles = append(localFiles, local)
	}

	outPath := filepath.Join(cfg.ScratchDir, fmt.Sprintf("%s_%s", cfg.Run, cfg.OutputFile))
	if err := combine(localFiles, outPath); err != nil {
		return fmt.Errorf("%w: combine: %v", mccerrs.ErrAggregationFailed, err)
	}

	artifact, err := os.ReadFile(outPath)
	if err != nil {
		return fmt.Errorf("%w: read combined artifact: %v", mccerrs.ErrAggregationFailed, err)
	}
	finalKey := fmt.Sprintf("results/%s_%s", cfg.Run, cfg.OutputFile)
	if err := store.Put(ctx, finalKey, artifact); err != nil {
		return fmt.Errorf("%w: upload artifact: %v", mccerrs.ErrAggregationFailed, err)
	}

	for _, key := range partialKeys {
		if err := store.Delete(ctx, key); err != nil {
			return fmt.Errorf("%w: delete partial %s: %v", mccerrs.ErrAggregationFailed, key, err)
		}
	}

	return mergeWorkerLogs(ctx, store, cfg.Run, allKeys)
}

// mergeWorkerLogs concatenates every *.log object under the run's result
// prefix, sorts lines (each is ISO-timestamp prefixed, so a lexical sort
// is also a chronological merge), and uploads the result as
// results/<run>_workers.log, then deletes the ingested per-worker logs.
func mergeWorkerLogs(ctx context.Context, store blobstore.Store, run string, allKeys []string) error {
	logKeys := blobstore.FilterByExtensions(allKeys, []string{"log"})
	sort.Strings(logKeys)

	var lines []string
	for _, key := range logKeys {
		data, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: download log %s: %v", mccerrs.ErrAggregationFailed, key, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if line != "" {
				lines = append(lines, line)
			}
		}
	}
	sort.Strings(lines)

	merged := strings.Join(lines, "\n")
	if merged != "" {
		merged += "\n"
	}

	mergedKey := fmt.Sprintf("results/%s_workers.log", run)
	if err := store.Put(ctx, mergedKey, []byte(merged)); err != nil {
		return fmt.Errorf("%w: upload merged log: %v", mccerrs.ErrAggregationFailed, err)
	}

	for _, key := range logKeys {
		if err := store.Delete(ctx, key); err != nil {
			return fmt.Errorf("%w: delete log %s: %v", mccerrs.ErrAggregationFailed, key, err)
		}
	}
	return nil
}
