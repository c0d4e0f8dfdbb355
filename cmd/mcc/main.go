package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/mcc/pkg/aggregator"
	"github.com/cuemby/mcc/pkg/awsenv"
	"github.com/cuemby/mcc/pkg/blobstore"
	"github.com/cuemby/mcc/pkg/config"
	"github.com/cuemby/mcc/pkg/coordination"
	mccerrs "github.com/cuemby/mcc/pkg/errs"
	"github.com/cuemby/mcc/pkg/fleet"
	"github.com/cuemby/mcc/pkg/log"
	"github.com/cuemby/mcc/pkg/manager"
	"github.com/cuemby/mcc/pkg/metrics"
	"github.com/cuemby/mcc/pkg/types"
	"github.com/cuemby/mcc/pkg/userdata"
	"github.com/cuemby/mcc/pkg/worker"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the sentinel errors spec.md §6 documents to distinct
// process exit codes: 1 when the initial fleet launched zero workers, 2
// when the Aggregator fails unrecoverably, 1 for anything else.
func exitCode(err error) int {
	if errors.Is(err, mccerrs.ErrAggregationFailed) {
		return 2
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "mcc",
	Short: "mcc - cloud-native batch compute driver",
	Long: `mcc distributes a batch of work items across a fleet of cloud
instances, coordinating claims through Redis and collating results in
an object store once every item is completed.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("mcc version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to mcc.yaml config file")
	rootCmd.PersistentFlags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(configureCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Config{}, fmt.Errorf("--config is required")
	}
	return config.Load(path)
}

// startMetricsServer serves Prometheus metrics and health endpoints on a
// background HTTP server for the lifetime of the process; errors are
// logged, not fatal.
func startMetricsServer(addr string) {
	metrics.SetVersion(Version)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/readyz", metrics.ReadyHandler())
	mux.Handle("/livez", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch a complete run: seed, supervise, and finalize from a single process",
	Long: `run is the all-in-one local entry point: it seeds the queue, launches
the initial worker fleet, supervises the run to completion, and finalizes
results, all from the invoking process rather than from provisioned
Manager/Worker instances.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		run, _ := cmd.Flags().GetString("run")
		if run == "" {
			run = uuid.NewString()
		}
		items, err := loadPoints(cmd)
		if err != nil {
			return err
		}
		fleetSize, _ := cmd.Flags().GetInt("fleet-size")

		ctx := cmd.Context()
		clients, err := awsenv.Load(ctx)
		if err != nil {
			return err
		}

		if fleetSize <= 0 {
			if err := resolveVCPUsPerNode(ctx, &cfg, clients); err != nil {
				return err
			}
			fleetSize = cfg.InitialFleetSize(len(items))
		}

		store := coordination.NewRedisStore(fmt.Sprintf("%s:%d", cfg.CoordinationEndpoint, cfg.CoordinationPort))
		defer store.Close()
		proto := coordination.NewProtocol(store, run)
		metrics.RegisterComponent("coordination_store", true, "")

		cf := fleet.NewEC2Fleet(clients.EC2)
		metrics.RegisterComponent("cloud_fleet", true, "")
		blob := blobstore.NewRetrying(blobstore.NewS3Store(clients.S3, cfg.Bucket), 3)
		metrics.RegisterComponent("object_store", true, "")

		mgr := manager.New(run, cfg, proto, cf, blob, nil, "")

		spec := fleet.LaunchSpec{
			InstanceType:     cfg.WorkerInstanceType,
			LaunchTemplateID: cfg.WorkerLaunchTemplateID,
			TemplateVersion:  cfg.WorkerLaunchTemplateVersion,
		}
		logger := log.WithRunID(run)
		logger.Info().Int("items", len(items)).Int("fleet_size", fleetSize).Msg("seeding run")
		spec, err = mgr.Seed(ctx, items, fleetSize, spec)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}

		if err := mgr.Supervise(ctx, spec); err != nil {
			return fmt.Errorf("supervise: %w", err)
		}

		aggCfg := aggregator.Config{
			Run:            run,
			FileExtensions: []string{"out"},
			OutputFile:     "combined.out",
			ScratchDir:     os.TempDir(),
		}
		return mgr.Finalize(ctx, aggCfg, concatCombine)
	},
}

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Manage a run's Manager process",
}

var managerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Manager loop for an already-provisioned run",
	Long: `start runs only the Manager side of a run. With --points-file it
seeds the queue and launches the initial fleet first; without it, it
expects the queue to have already been seeded. It then supervises until
completion, mirroring how manager_userdata.py runs as its own EC2
instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		run, _ := cmd.Flags().GetString("run")
		if run == "" {
			return fmt.Errorf("--run is required")
		}
		items, err := loadPoints(cmd)
		if err != nil {
			return err
		}
		fleetSize, _ := cmd.Flags().GetInt("fleet-size")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		logPath, _ := cmd.Flags().GetString("log-file")

		ctx := cmd.Context()
		clients, err := awsenv.Load(ctx)
		if err != nil {
			return err
		}

		if len(items) > 0 && fleetSize <= 0 {
			if err := resolveVCPUsPerNode(ctx, &cfg, clients); err != nil {
				return err
			}
			fleetSize = cfg.InitialFleetSize(len(items))
		}

		store := coordination.NewRedisStore(fmt.Sprintf("%s:%d", cfg.CoordinationEndpoint, cfg.CoordinationPort))
		defer store.Close()
		proto := coordination.NewProtocol(store, run)
		metrics.RegisterComponent("coordination_store", true, "")

		cf := fleet.NewEC2Fleet(clients.EC2)
		metrics.RegisterComponent("cloud_fleet", true, "")
		blob := blobstore.NewRetrying(blobstore.NewS3Store(clients.S3, cfg.Bucket), 3)
		metrics.RegisterComponent("object_store", true, "")

		var cache *fleet.ImageCache
		if dataDir != "" {
			cache, err = fleet.NewImageCache(dataDir)
			if err != nil {
				return fmt.Errorf("open image cache: %w", err)
			}
			defer cache.Close()
		}

		mgr := manager.New(run, cfg, proto, cf, blob, cache, logPath)
		spec := fleet.LaunchSpec{
			InstanceType:     cfg.WorkerInstanceType,
			LaunchTemplateID: cfg.WorkerLaunchTemplateID,
			TemplateVersion:  cfg.WorkerLaunchTemplateVersion,
		}

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		startMetricsServer(metricsAddr)
		collector := metrics.NewCollector(run, proto)
		collector.Start()
		defer collector.Stop()

		if len(items) > 0 {
			spec, err = mgr.Seed(ctx, items, fleetSize, spec)
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}
		} else {
			spec, err = mgr.PrepareLaunchSpec(ctx, spec)
			if err != nil {
				return fmt.Errorf("prepare launch spec: %w", err)
			}
		}

		if err := mgr.Supervise(ctx, spec); err != nil {
			return fmt.Errorf("supervise: %w", err)
		}

		aggCfg := aggregator.Config{
			Run:            run,
			FileExtensions: []string{"out"},
			OutputFile:     "combined.out",
			ScratchDir:     os.TempDir(),
		}
		return mgr.Finalize(ctx, aggCfg, concatCombine)
	},
}

func init() {
	managerCmd.AddCommand(managerStartCmd)

	for _, c := range []*cobra.Command{runCmd, managerStartCmd} {
		c.Flags().String("run", "", "Run id; generated if omitted (run only)")
		c.Flags().Int("fleet-size", 0, "Number of worker instances to launch at seed time; 0 derives it from vcpusPerNode per spec.md §6")
		c.Flags().String("points-file", "", `Path to a versioned work item envelope to seed, e.g. {"version":1,"data":[[1],[2]]}`)
	}
	managerStartCmd.Flags().String("data-dir", "", "Directory for the local instance-image cache (bolt)")
	managerStartCmd.Flags().String("log-file", "", "Path to this process's own log file, uploaded at finalize")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage a run's Worker process",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Worker claim loop for a run",
	Long: `start registers with the Coordination Store, runs the parallel claim
loop against the user entry-point until the queue drains, and uploads
partials before terminating itself, mirroring worker_userdata.py.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		run, _ := cmd.Flags().GetString("run")
		if run == "" {
			return fmt.Errorf("--run is required")
		}
		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			id = uuid.NewString()
		}
		outputDir, _ := cmd.Flags().GetString("output-dir")
		logPath, _ := cmd.Flags().GetString("log-file")

		ctx := cmd.Context()
		clients, err := awsenv.Load(ctx)
		if err != nil {
			return err
		}

		store := coordination.NewRedisStore(fmt.Sprintf("%s:%d", cfg.CoordinationEndpoint, cfg.CoordinationPort))
		defer store.Close()
		proto := coordination.NewProtocol(store, run)
		metrics.RegisterComponent("coordination_store", true, "")

		cf := fleet.NewEC2Fleet(clients.EC2)
		metrics.RegisterComponent("cloud_fleet", true, "")
		blob := blobstore.NewRetrying(blobstore.NewS3Store(clients.S3, cfg.Bucket), 3)
		metrics.RegisterComponent("object_store", true, "")

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		startMetricsServer(metricsAddr)

		entryPoint, err := resolveWorkerEntryPoint(ctx, blob, run, cfg.EntryPoint)
		if err != nil {
			return err
		}

		w := worker.New(id, run, cfg, proto, blob, cf, entryPoint, outputDir, logPath)
		return w.Run(ctx)
	},
}

func init() {
	workerCmd.AddCommand(workerStartCmd)
	workerStartCmd.Flags().String("run", "", "Run id to join")
	workerStartCmd.Flags().String("id", "", "Worker id; generated if omitted")
	workerStartCmd.Flags().String("output-dir", "/tmp/mcc-worker", "Local directory for partial outputs before upload")
	workerStartCmd.Flags().String("log-file", "", "Path to this process's own log file, uploaded on drain")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete a failed run's artifacts from the object store",
	Long: `clean is the administrative tool spec.md §7 requires for runs that
the Manager never finalized: it deletes every object under the run's
results/ and script/ prefixes. Grounded on original_source/mcc/clean.py;
unlike it, this requires an explicit --yes to actually delete.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		run, _ := cmd.Flags().GetString("run")
		if run == "" {
			return fmt.Errorf("--run is required")
		}
		confirmed, _ := cmd.Flags().GetBool("yes")

		ctx := cmd.Context()
		clients, err := awsenv.Load(ctx)
		if err != nil {
			return err
		}
		blob := blobstore.NewRetrying(blobstore.NewS3Store(clients.S3, cfg.Bucket), 3)

		prefixes := []string{fmt.Sprintf("results/%s", run), fmt.Sprintf("script/%s", run)}
		var toDelete []string
		for _, p := range prefixes {
			keys, err := blob.List(ctx, p)
			if err != nil {
				return fmt.Errorf("list %s: %w", p, err)
			}
			toDelete = append(toDelete, keys...)
		}

		if !confirmed {
			fmt.Printf("would delete %d objects for run %s (rerun with --yes to delete)\n", len(toDelete), run)
			for _, k := range toDelete {
				fmt.Println("  " + k)
			}
			return nil
		}

		for _, k := range toDelete {
			if err := blob.Delete(ctx, k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
		}
		fmt.Printf("deleted %d objects for run %s\n", len(toDelete), run)
		return nil
	},
}

func init() {
	cleanCmd.Flags().String("run", "", "Run id whose artifacts should be deleted")
	cleanCmd.Flags().Bool("yes", false, "Actually delete rather than just listing")
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Resolve and print the AWS credentials this driver will use",
	Long: `configure resolves credentials through the default AWS SDK
credential chain and prints the access key id and region for operator
sanity-checking. It is read-only: it never writes to shared AWS CLI
credential files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		creds, err := cfg.Credentials.Retrieve(ctx)
		if err != nil {
			return fmt.Errorf("resolve credentials: %w", err)
		}
		fmt.Printf("region: %s\n", cfg.Region)
		fmt.Printf("access key id: %s\n", creds.AccessKeyID)
		fmt.Printf("credential source: %s\n", creds.Source)
		return nil
	},
}

// resolveVCPUsPerNode fills cfg.VCPUsPerNode from the AWS Pricing API when
// the config omits it, so InitialFleetSize has a real vcpu count to divide
// by (spec.md §6 Design Note, grounded on
// original_source/mcc/statistics.py's get_ec2_vcpus).
func resolveVCPUsPerNode(ctx context.Context, cfg *config.Config, clients awsenv.Clients) error {
	if cfg.VCPUsPerNode > 0 {
		return nil
	}
	vcpus, err := fleet.VCPUsForInstanceType(ctx, clients.Pricing, cfg.WorkerInstanceType)
	if err != nil {
		return fmt.Errorf("resolve vcpusPerNode for %s: %w", cfg.WorkerInstanceType, err)
	}
	cfg.VCPUsPerNode = vcpus
	return nil
}

// resolveWorkerEntryPoint implements the Worker-boot half of spec.md §9's
// UserData re-architecture: fetch the WorkerData descriptor the Manager
// published at Seed time and, if it names an entry point, download the
// script bundle Seed uploaded and return the local path to it. Falls
// back to the operator-supplied --config entry point when no descriptor
// has been published for this run, when it names no entry point, or when
// the downloaded bundle does not contain that file (e.g. entryPointDir
// was never set, so Seed uploaded no bundle).
func resolveWorkerEntryPoint(ctx context.Context, store blobstore.Store, run, configEntryPoint string) (string, error) {
	wd, err := userdata.FetchWorkerData(ctx, store, run)
	if err != nil {
		log.Logger.Debug().Err(err).Str("run", run).Msg("no worker data descriptor in object store, using --config entry point")
		return configEntryPoint, nil
	}
	if wd.EntryPoint == "" {
		return configEntryPoint, nil
	}

	scriptDir := filepath.Join(os.TempDir(), "mcc-worker-scripts", run)
	if err := userdata.DownloadScriptDir(ctx, store, scriptDir); err != nil {
		return "", fmt.Errorf("download entry point script bundle: %w", err)
	}
	local := filepath.Join(scriptDir, filepath.Base(wd.EntryPoint))
	if _, err := os.Stat(local); err != nil {
		return configEntryPoint, nil
	}
	return local, nil
}

func loadPoints(cmd *cobra.Command) ([]types.Point, error) {
	path, _ := cmd.Flags().GetString("points-file")
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read points file: %w", err)
	}
	var points []types.Point
	if err := types.Decode(b, &points); err != nil {
		return nil, fmt.Errorf("decode points file: %w", err)
	}
	return points, nil
}

// concatCombine is the default Combiner for mcc run/manager start: it
// concatenates every partial's bytes in sorted-filename order. Callers
// wiring a domain-specific reduction should invoke pkg/manager directly
// with their own aggregator.Combiner instead of this CLI.
func concatCombine(files []string, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
	}
	return nil
}

