// Package worker implements the Worker of spec.md §4.3: register with
// the Coordination Store, run P cooperative sub-workers claiming and
// completing items, heartbeat liveness, and deregister + upload partials
// on drain. Grounded on the subprocess invocation and
// cpu_percent-based heartbeat of original_source/mcc/worker_userdata.py,
// adapted into the struct/constructor shape of pkg/worker/worker.go.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/cuemby/mcc/pkg/blobstore"
	"github.com/cuemby/mcc/pkg/config"
	"github.com/cuemby/mcc/pkg/coordination"
	"github.com/cuemby/mcc/pkg/fleet"
	"github.com/cuemby/mcc/pkg/log"
	"github.com/cuemby/mcc/pkg/metrics"
	"github.com/cuemby/mcc/pkg/types"
)

// Worker claims and executes work items for one run.
type Worker struct {
	ID         string
	Run        string
	Config     config.Config
	Proto      *coordination.Protocol
	Blob       blobstore.Store
	Fleet      fleet.Fleet
	EntryPoint string
	OutputDir  string
	LogPath    string

	// cpuSample is overridable by tests; defaults to sampleCPU.
	cpuSample func() (float64, error)
}

// New wires a Worker against already-constructed collaborators.
func New(id, run string, cfg config.Config, proto *coordination.Protocol, blob blobstore.Store, cf fleet.Fleet, entryPoint, outputDir, logPath string) *Worker {
	return &Worker{
		ID:         id,
		Run:        run,
		Config:     cfg,
		Proto:      proto,
		Blob:       blob,
		Fleet:      cf,
		EntryPoint: entryPoint,
		OutputDir:  outputDir,
		LogPath:    logPath,
		cpuSample:  sampleCPU,
	}
}

// Parallelism computes P per spec.md §4.3: cpus/hyperthreadConst if the
// host reports more than one logical CPU, else 1.
func (w *Worker) Parallelism() int {
	cpus := runtime.NumCPU()
	if cpus > 1 {
		p := cpus / w.Config.HyperthreadConst()
		if p < 1 {
			p = 1
		}
		return p
	}
	return 1
}

// Run executes the full worker lifecycle: register, run P sub-workers to
// drain the queue, stop the heartbeat, deregister, upload partials and
// log, and terminate self via CF.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithWorkerID(w.ID)

	if err := os.MkdirAll(w.OutputDir, 0o755); err != nil {
		return fmt.Errorf("worker: create output dir: %w", err)
	}
	if err := w.Proto.Register(ctx, w.ID, time.Now()); err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		w.heartbeat(heartbeatCtx)
	}()

	p := w.Parallelism()
	logger.Info().Int("parallelism", p).Msg("starting claim loop")

	var wg sync.WaitGroup
	errCh := make(chan error, p)
	for i := 0; i < p; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := w.claimLoop(ctx, idx, logger); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	stopHeartbeat()
	hbDone.Wait()

	for err := range errCh {
		if err != nil {
			return fmt.Errorf("worker: claim loop: %w", err)
		}
	}

	return w.deregister(ctx, logger)
}

// claimLoop is one of the P cooperative sub-workers of spec.md §4.3
// claimLoop. A non-zero user entry-point exit leaves the item in
// in_progress rather than marking it completed (spec.md §7
// UserEntryPointFailed, §9 Open Question 1: the stall detector is the
// only recovery path for a lost item, matching the source's behavior).
func (w *Worker) claimLoop(ctx context.Context, idx int, logger zerolog.Logger) error {
	outPath := filepath.Join(w.OutputDir, fmt.Sprintf("%s_%d", w.ID, idx+1))

	for {
		point, err := w.Proto.Claim(ctx, w.ID, time.Now())
		if errors.Is(err, coordination.ErrQueueEmpty) {
			return nil
		}
		if err != nil {
			return err
		}

		logger.Info().Str("point", point.Key()).Msg("starting point")
		if err := w.invokeEntryPoint(ctx, outPath, point); err != nil {
			metrics.EntryPointFailuresTotal.WithLabelValues(w.Run).Inc()
			logger.Warn().Err(err).Str("point", point.Key()).Msg("entry point failed, leaving item in progress for stall re-route")
			continue
		}
		logger.Info().Str("point", point.Key()).Msg("point finished")

		if err := w.Proto.Complete(ctx, w.ID, point); err != nil {
			return err
		}
	}
}

// invokeEntryPoint runs the user entry-point as an external process
// (spec.md §6: "entryPoint outPath item_scalars...").
func (w *Worker) invokeEntryPoint(ctx context.Context, outPath string, point types.Point) error {
	args := make([]string, 0, len(point)+1)
	args = append(args, outPath)
	for _, scalar := range point {
		args = append(args, fmt.Sprintf("%v", scalar))
	}
	cmd := exec.CommandContext(ctx, w.EntryPoint, args...)
	return cmd.Run()
}

// heartbeat runs on a dedicated background task at heartbeatSec
// intervals (spec.md §4.3 heartbeat). It refreshes check_in only when
// sampled CPU exceeds the quiescence threshold, and exits silently once
// its own entry has disappeared from in_progress.
func (w *Worker) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.Config.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pct, err := w.cpuSample()
		if err != nil {
			continue
		}
		if pct <= float64(w.Config.QuiescenceCPUPct) {
			continue
		}

		registered, err := w.Proto.Heartbeat(ctx, w.ID, time.Now())
		if err != nil {
			continue
		}
		if !registered {
			return
		}
	}
}

// sampleCPU takes 10 one-second percpu samples and returns the maximum,
// across cores, of each core's mean across the samples (spec.md §4.3:
// "10 short samples, take the max across cores of the mean"), matching
// original_source's zip(*[psutil.cpu_percent(...) for _ in range(10)]).
func sampleCPU() (float64, error) {
	const samples = 10
	perSample := make([][]float64, 0, samples)
	for i := 0; i < samples; i++ {
		pcts, err := cpu.Percent(time.Second, true)
		if err != nil {
			return 0, err
		}
		perSample = append(perSample, pcts)
	}
	if len(perSample) == 0 || len(perSample[0]) == 0 {
		return 0, nil
	}

	numCores := len(perSample[0])
	var max float64
	for c := 0; c < numCores; c++ {
		var sum float64
		for _, s := range perSample {
			if c < len(s) {
				sum += s[c]
			}
		}
		mean := sum / float64(len(perSample))
		if mean > max {
			max = mean
		}
	}
	return max, nil
}

// deregister implements spec.md §4.3 deregister: remove self from
// in_progress, upload partials and the worker log to OS, request CF
// terminate self.
//
// Policy decision for §9 Open Question 1: if any item is still listed
// under this worker's in_progress entry (a user entry-point failed and
// was never completed), the entry is deliberately left in place instead
// of being deleted, so the Manager's stall detector can still reclaim
// the item. Unconditionally deleting it here, as the source does, would
// lose the item forever once this host terminates (see DESIGN.md).
func (w *Worker) deregister(ctx context.Context, logger zerolog.Logger) error {
	st, err := w.Proto.ReadState(ctx)
	if err != nil {
		return fmt.Errorf("worker: read state before deregister: %w", err)
	}
	if rec, ok := st.InProgress[w.ID]; ok && len(rec.Items) > 0 {
		logger.Warn().Int("stuck_items", len(rec.Items)).Msg("exiting with unfinished items, leaving in_progress entry for stall recovery")
	} else if err := w.Proto.Deregister(ctx, w.ID); err != nil {
		return fmt.Errorf("worker: deregister: %w", err)
	}

	entries, err := os.ReadDir(w.OutputDir)
	if err != nil {
		return fmt.Errorf("worker: read output dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.OutputDir, e.Name()))
		if err != nil {
			return fmt.Errorf("worker: read partial %s: %w", e.Name(), err)
		}
		key := fmt.Sprintf("results/%s/%s", w.Run, e.Name())
		if err := w.Blob.Put(ctx, key, data); err != nil {
			return fmt.Errorf("worker: upload partial %s: %w", e.Name(), err)
		}
	}

	if w.LogPath != "" {
		if data, err := os.ReadFile(w.LogPath); err == nil {
			key := fmt.Sprintf("results/%s/%s.log", w.Run, w.ID)
			if err := w.Blob.Put(ctx, key, data); err != nil {
				return fmt.Errorf("worker: upload log: %w", err)
			}
		}
	}

	logger.Info().Msg("no points remaining, terminating self")
	if w.Fleet == nil {
		return nil
	}
	self, err := w.Fleet.SelfInstanceID(ctx)
	if err != nil {
		return fmt.Errorf("worker: resolve self instance id: %w", err)
	}
	return w.Fleet.Terminate(ctx, []string{self})
}
