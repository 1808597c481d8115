package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mqic/communicator/pkg/api"
	"github.com/mqic/communicator/pkg/config"
	"github.com/mqic/communicator/pkg/events"
	"github.com/mqic/communicator/pkg/gpumgr"
	"github.com/mqic/communicator/pkg/local"
	"github.com/mqic/communicator/pkg/log"
	"github.com/mqic/communicator/pkg/metrics"
	"github.com/mqic/communicator/pkg/remote"
	"github.com/mqic/communicator/pkg/scheduler"
	"github.com/mqic/communicator/pkg/storage"
	"github.com/mqic/communicator/pkg/supervisor"
	"github.com/mqic/communicator/pkg/watcher"
	"github.com/mqic/communicator/pkg/worker"
	"github.com/mqic/communicator/pkg/workflow"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mqic",
	Short: "MQI Communicator - radiotherapy simulation pipeline supervisor",
	Long: `The MQI Communicator watches a directory for new patient cases and
drives each one through local preprocessing, remote GPU simulation on
an HPC cluster, and local postprocessing, with durable state and crash
recovery.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mqic version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOutput := os.Stdout
	if cfg.Log.Path != "" {
		f, err := os.OpenFile(cfg.Log.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOutput = f
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     logOutput,
	})
	metrics.SetVersion(Version)
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("config", configPath).Msg("starting")

	store, err := storage.NewBoltStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()
	metrics.UpdateComponent("storage", true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	sshClient := remote.NewClient(remote.ClientConfig{
		Addr:           cfg.HPC.Addr(),
		User:           cfg.HPC.User,
		PrivateKeyPath: cfg.HPC.PrivateKeyPath,
		ConnectTimeout: cfg.HPC.ConnectTimeout(),
	})
	executor := remote.NewExecutor(sshClient, remote.ExecutorConfig{
		PueueCommand:          cfg.HPC.PueueCommand,
		SimulationCommand:     cfg.HPC.SimulationCommand,
		RemoteBaseDir:         cfg.HPC.RemoteBaseDir,
		InterpreterOutputsDir: cfg.HPC.InterpreterOutputsDir,
		OutputsDir:            cfg.HPC.OutputsDir,
	})
	probe := remote.NewProbe(sshClient, cfg.HPC.PueueCommand)

	engine := workflow.New(store, executor, local.NewExecutor(), broker, workflow.Options{
		Steps:                 cfg.Workflow,
		Tools:                 cfg.LocalTools,
		TPSDefaults:           cfg.MoquiTPSParameters,
		PollingInterval:       cfg.MainLoop.PollingInterval(),
		RemoteBaseDir:         cfg.HPC.RemoteBaseDir,
		InterpreterOutputsDir: cfg.HPC.InterpreterOutputsDir,
		OutputsDir:            cfg.HPC.OutputsDir,
	})
	pool := worker.NewPool(store, engine, broker, cfg.MainLoop.MaxWorkers, cfg.MainLoop.ProcessingTimeout())
	sched := scheduler.New(cfg.PriorityScheduling)
	gpus := gpumgr.New(store, probe)

	watch := watcher.New(watcher.Config{
		WatchPath:        cfg.Scanner.WatchPath,
		QuiescencePeriod: cfg.Scanner.QuiescencePeriod(),
		ScanInterval:     cfg.Scanner.ScanInterval(),
	}, store, broker)
	if err := watch.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := supervisor.New(store, executor, pool, sched, gpus, broker, cfg.MainLoop)
	sup.Start(ctx)

	var dashboard *api.Server
	if cfg.Dashboard.Enabled {
		dashboard = api.NewServer(store, broker, pool, sched)
		go func() {
			if err := dashboard.Start(cfg.Dashboard.ListenAddr); err != nil {
				logger.Error().Err(err).Msg("dashboard stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// Stop taking new work, then drain what is in flight.
	watch.Stop()
	sup.Stop()
	cancel()
	pool.Wait()

	if dashboard != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := dashboard.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("dashboard shutdown failed")
		}
	}
	logger.Info().Msg("stopped")
	return nil
}
