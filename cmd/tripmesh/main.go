package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripmesh/tripmesh/am"
	"github.com/tripmesh/tripmesh/bus"
	"github.com/tripmesh/tripmesh/jobstatus"
	"github.com/tripmesh/tripmesh/kv"
	"github.com/tripmesh/tripmesh/logger"
	"github.com/tripmesh/tripmesh/recommend"
	"github.com/tripmesh/tripmesh/roomlock"
	"github.com/tripmesh/tripmesh/schedule"
	"github.com/tripmesh/tripmesh/server"
	"github.com/tripmesh/tripmesh/storage"
	"github.com/tripmesh/tripmesh/vote"
)

var rootCmd = &cobra.Command{
	Use:   "tripmesh",
	Short: "tripmesh - collaborative trip planning coordination backend",
	Long: `tripmesh coordinates collaborative trip planning rooms: it runs
recommendation jobs behind room locks, keeps job status snapshots,
fans room events out to connected clients, and commits collaboratively
edited schedules with optimistic concurrency.

Examples:
  tripmesh serve           # Start the coordination server
  tripmesh serve --json    # Start with JSON log output`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tripmesh coordination server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("json", false, "Emit JSON logs instead of console output")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}

	jsonLogs, _ := cmd.Flags().GetBool("json")
	if err := logger.Initialize(jsonLogs || cfg.Server.LogJSON); err != nil {
		return err
	}
	defer logger.Cleanup()
	log := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kvStore, err := kv.NewRedisStore(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	store := storage.NewStore(db)

	publisher := bus.NewPublisher(kvStore, log)

	locks := roomlock.NewService(kvStore, map[string]time.Duration{
		string(jobstatus.TaskSchedule): cfg.Jobs.ScheduleLockTTL(),
		string(jobstatus.TaskRoute):    cfg.Jobs.RouteLockTTL(),
	}, log)

	status := jobstatus.NewStore(kvStore, jobstatus.StoreConfig{
		ProgressMinDelta:    cfg.Jobs.ProgressMinDelta,
		ProgressMinInterval: cfg.Jobs.ProgressMinInterval(),
		JobRetention:        cfg.Jobs.JobRetention(),
		RecentJobsLimit:     int64(cfg.Jobs.RecentJobsLimit),
	}, log)

	pool := recommend.NewPool(ctx, cfg.Jobs.Workers, cfg.Jobs.QueueDepth, log)
	pool.Start()
	defer pool.Stop()

	gateway := recommend.NewHTTPGateway(cfg.Jobs.GatewayURL)
	jobPublisher := recommend.NewPublisher(status, publisher, log)
	coordinator := recommend.NewCoordinator(locks, jobPublisher, gateway, store, pool, cfg.Jobs.GatewayTimeout(), log)

	schedules := schedule.NewService(kvStore, store, publisher, log)
	votes := vote.NewAggregator(store, publisher, log)

	srv := server.NewTripServer(ctx, cfg, server.Deps{
		KV:          kvStore,
		DB:          store,
		Status:      status,
		Coordinator: coordinator,
		Schedules:   schedules,
		Votes:       votes,
		Publisher:   publisher,
	}, log)

	// Hot-reload the tunable knobs when the config file changes
	if configPath := am.WatchablePath(); configPath != "" {
		watcher, err := am.NewConfigWatcher(configPath)
		if err != nil {
			log.Warnw("Config watcher unavailable", "path", configPath, "error", err)
		} else {
			watcher.OnReload(func(next *am.Config) error {
				locks.SetTTL(string(jobstatus.TaskSchedule), next.Jobs.ScheduleLockTTL())
				locks.SetTTL(string(jobstatus.TaskRoute), next.Jobs.RouteLockTTL())
				status.Reconfigure(jobstatus.StoreConfig{
					ProgressMinDelta:    next.Jobs.ProgressMinDelta,
					ProgressMinInterval: next.Jobs.ProgressMinInterval(),
					JobRetention:        next.Jobs.JobRetention(),
					RecentJobsLimit:     int64(next.Jobs.RecentJobsLimit),
				})
				coordinator.SetGatewayTimeout(next.Jobs.GatewayTimeout())
				srv.Reconfigure(next)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
			log.Infow("Watching config for changes", "path", configPath)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
