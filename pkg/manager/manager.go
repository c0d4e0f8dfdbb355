// Package manager implements the Manager supervisor of spec.md §4.2:
// seed the queue, launch the initial fleet, poll the Coordination Store
// for stalls, evict and replace stalled workers, and finalize the run
// once every item is completed. Grounded on the tick-loop shape of
// pkg/worker/health_monitor.go and the seed/terminate sequence of
// original_source/mcc/manager_userdata.py.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/mcc/pkg/aggregator"
	"github.com/cuemby/mcc/pkg/blobstore"
	"github.com/cuemby/mcc/pkg/config"
	"github.com/cuemby/mcc/pkg/coordination"
	mccerrs "github.com/cuemby/mcc/pkg/errs"
	"github.com/cuemby/mcc/pkg/fleet"
	"github.com/cuemby/mcc/pkg/log"
	"github.com/cuemby/mcc/pkg/metrics"
	"github.com/cuemby/mcc/pkg/types"
	"github.com/cuemby/mcc/pkg/userdata"
)

// Manager supervises one run: Run is the run id (the Manager's own
// instance id), used to namespace the four coordination keys.
type Manager struct {
	Run    string
	Config config.Config
	Proto  *coordination.Protocol
	Fleet  fleet.Fleet
	Blob   blobstore.Store
	Cache  *fleet.ImageCache

	fleetIDs []string
	logPath  string
}

// New wires a Manager for run id R against already-constructed
// collaborators (spec.md §9 Design Note: explicit Environment, no global
// SDK singletons).
func New(run string, cfg config.Config, proto *coordination.Protocol, cf fleet.Fleet, blob blobstore.Store, cache *fleet.ImageCache, logPath string) *Manager {
	return &Manager{Run: run, Config: cfg, Proto: proto, Fleet: cf, Blob: blob, Cache: cache, logPath: logPath}
}

// Seed writes the four run keys, publishes the WorkerData descriptor and
// (if configured) the entry-point script bundle to OS, and launches
// fleetSize workers (spec.md §4.2 seed). If no worker launches, Seed
// uploads the manager log, asks CF to terminate its own instance (best
// effort), and returns errs.ErrFleetEmpty so the caller can exit with the
// documented FleetEmpty code. The returned LaunchSpec carries the
// UserData PrepareLaunchSpec filled in; callers must pass that spec (not
// their original) to Supervise so stall-replacement launches carry the
// same boot data as the initial fleet.
func (m *Manager) Seed(ctx context.Context, items []types.Point, fleetSize int, spec fleet.LaunchSpec) (fleet.LaunchSpec, error) {
	logger := log.WithRunID(m.Run)

	if err := m.Proto.Seed(ctx, items); err != nil {
		return spec, fmt.Errorf("manager: seed queue: %w", err)
	}

	spec, err := m.PrepareLaunchSpec(ctx, spec)
	if err != nil {
		return spec, err
	}

	spec.Count = fleetSize
	instances, err := m.Fleet.Launch(ctx, spec)
	if err != nil {
		if errors.Is(err, mccerrs.ErrQuotaExceeded) {
			metrics.QuotaRejectionsTotal.WithLabelValues(m.Run).Inc()
		}
		if len(instances) == 0 {
			logger.Error().Err(err).Msg("initial fleet launch failed")
		}
	}

	for _, inst := range instances {
		m.fleetIDs = append(m.fleetIDs, inst.ID)
		if m.Cache != nil {
			_ = m.Cache.Put(fleet.CachedInstance{ID: inst.ID, State: inst.State, LaunchedAt: time.Now()})
		}
	}
	metrics.WorkersLaunchedTotal.WithLabelValues(m.Run).Add(float64(len(instances)))

	logger.Info().Int("launched", len(instances)).Int("requested", fleetSize).Msg("manager launched worker instances")

	if len(instances) == 0 {
		m.uploadLog(ctx, logger)
		if self, err := m.Fleet.SelfInstanceID(ctx); err == nil {
			_ = m.Fleet.Terminate(ctx, []string{self})
		}
		return spec, mccerrs.ErrFleetEmpty
	}
	return spec, nil
}

// PrepareLaunchSpec uploads the entry-point bundle (if m.Config.EntryPointDir
// is set) and the WorkerData descriptor to OS, then returns spec with
// UserData filled in with the encoded descriptor if the caller left it
// unset, so a worker booting from spec.LaunchTemplateID has something to
// decode (spec.md §9 Design Note: a typed struct at a well-known OS key,
// not a textually substituted script). Seed calls this for the initial
// fleet; callers that supervise a run without seeding it themselves (e.g.
// a manager resuming an already-seeded run) must call it too, so
// Supervise's stall-replacement launches carry the same UserData.
func (m *Manager) PrepareLaunchSpec(ctx context.Context, spec fleet.LaunchSpec) (fleet.LaunchSpec, error) {
	if m.Config.EntryPointDir != "" {
		if err := userdata.UploadEntryPoint(ctx, m.Blob, m.Config.EntryPointDir); err != nil {
			return spec, fmt.Errorf("manager: upload entry point: %w", err)
		}
	}

	wd := userdata.WorkerData{
		Bucket:           m.Config.Bucket,
		EntryPoint:       m.Config.EntryPoint,
		Run:              m.Run,
		HyperthreadConst: m.Config.HyperthreadConst(),
		CoordinationHost: m.Config.CoordinationEndpoint,
		CoordinationPort: m.Config.CoordinationPort,
	}
	if err := userdata.UploadWorkerData(ctx, m.Blob, m.Run, wd); err != nil {
		return spec, fmt.Errorf("manager: upload worker data: %w", err)
	}

	if spec.UserData == "" {
		encoded, err := userdata.EncodeWorkerData(wd)
		if err != nil {
			return spec, fmt.Errorf("manager: encode worker data: %w", err)
		}
		spec.UserData = string(encoded)
	}
	return spec, nil
}

// Supervise runs the fixed-interval tick loop of spec.md §4.2 until the
// run completes or ctx is cancelled.
func (m *Manager) Supervise(ctx context.Context, spec fleet.LaunchSpec) error {
	logger := log.WithRunID(m.Run)
	ticker := time.NewTicker(m.Config.Tick())
	defer ticker.Stop()

	var lastInProgress, lastCompleted, lastStalled int

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		st, err := m.Proto.ReadState(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("supervise: read state failed, retrying next tick")
			continue
		}

		if len(st.Completed) >= len(st.All) && len(st.All) > 0 {
			logger.Info().Msg("all points completed")
			return nil
		}

		pointsInProgress := 0
		var stalledWorkers []string
		now := time.Now()
		for w, rec := range st.InProgress {
			pointsInProgress += len(rec.Items)
			if now.Sub(rec.CheckIn) > m.Config.StallThreshold() && len(rec.Items) > 0 {
				stalledWorkers = append(stalledWorkers, w)
			}
		}

		if pointsInProgress != lastInProgress || len(st.Completed) != lastCompleted || len(stalledWorkers) != lastStalled {
			lastInProgress, lastCompleted, lastStalled = pointsInProgress, len(st.Completed), len(stalledWorkers)
			logger.Info().Int("completed", lastCompleted).Int("in_progress", lastInProgress).Int("stalled", lastStalled).Msg("tick")
		}

		for _, w := range stalledWorkers {
			if err := m.evictAndReplace(ctx, w, spec, logger); err != nil {
				logger.Warn().Err(err).Str("worker", w).Msg("stall handling failed, will retry next tick")
			}
		}
	}
}

// evictAndReplace implements spec.md §4.2 supervise step 4: terminate
// the stalled instance, requeue its items transactionally, then try to
// launch one replacement (tolerating quota errors).
func (m *Manager) evictAndReplace(ctx context.Context, workerID string, spec fleet.LaunchSpec, logger zerolog.Logger) error {
	if err := m.Fleet.Terminate(ctx, []string{workerID}); err != nil {
		return fmt.Errorf("terminate stalled worker: %w", err)
	}
	if err := m.Fleet.WaitTerminated(ctx, []string{workerID}); err != nil {
		return fmt.Errorf("wait for stalled worker termination: %w", err)
	}
	if m.Cache != nil {
		_ = m.Cache.Delete(workerID)
	}

	requeued, err := m.Proto.EvictStalled(ctx, workerID)
	if err != nil {
		return fmt.Errorf("requeue stalled worker items: %w", err)
	}
	metrics.WorkersStalledTotal.WithLabelValues(m.Run).Inc()
	logger.Info().Str("worker", workerID).Int("requeued", len(requeued)).Msg("worker stalled, items requeued")

	spec.Count = 1
	instances, err := m.Fleet.Launch(ctx, spec)
	if err != nil {
		if errors.Is(err, mccerrs.ErrQuotaExceeded) {
			metrics.QuotaRejectionsTotal.WithLabelValues(m.Run).Inc()
			logger.Warn().Msg("replacement launch hit quota, continuing without it")
			return nil
		}
		return fmt.Errorf("launch replacement: %w", err)
	}
	metrics.WorkersLaunchedTotal.WithLabelValues(m.Run).Add(float64(len(instances)))
	for _, inst := range instances {
		m.fleetIDs = append(m.fleetIDs, inst.ID)
		if m.Cache != nil {
			_ = m.Cache.Put(fleet.CachedInstance{ID: inst.ID, State: inst.State, LaunchedAt: time.Now()})
		}
	}
	return nil
}

// Finalize implements spec.md §4.2 finalize: delete the four run keys,
// run the Aggregator, upload logs, and terminate the Manager's own
// instance.
func (m *Manager) Finalize(ctx context.Context, aggCfg aggregator.Config, combine aggregator.Combiner) error {
	logger := log.WithRunID(m.Run)

	if err := m.Proto.Finalize(ctx); err != nil {
		return fmt.Errorf("manager: delete run keys: %w", err)
	}

	if err := aggregator.Aggregate(ctx, m.Blob, aggCfg, combine); err != nil {
		m.uploadLog(ctx, logger)
		return fmt.Errorf("manager: %w", err)
	}

	m.uploadLog(ctx, logger)
	logger.Info().Msg("finalize complete, terminating self")

	self, err := m.Fleet.SelfInstanceID(ctx)
	if err != nil {
		return fmt.Errorf("manager: resolve self instance id: %w", err)
	}
	return m.Fleet.Terminate(ctx, []string{self})
}

func (m *Manager) uploadLog(ctx context.Context, logger zerolog.Logger) {
	if m.logPath == "" {
		return
	}
	data, err := os.ReadFile(m.logPath)
	if err != nil {
		logger.Warn().Err(err).Msg("could not read manager log for upload")
		return
	}
	key := fmt.Sprintf("results/%s_manager.log", m.Run)
	if err := m.Blob.Put(ctx, key, data); err != nil {
		logger.Warn().Err(err).Msg("could not upload manager log")
	}
}
