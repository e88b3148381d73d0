package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goredis "github.com/go-redis/redis/v8"

	"github.com/oriys/enginehost/internal/blocking"
	"github.com/oriys/enginehost/internal/channel"
	"github.com/oriys/enginehost/internal/codesource"
	"github.com/oriys/enginehost/internal/config"
	"github.com/oriys/enginehost/internal/engine/refengine"
	"github.com/oriys/enginehost/internal/factory"
	"github.com/oriys/enginehost/internal/logging"
	"github.com/oriys/enginehost/internal/observability"
	"github.com/oriys/enginehost/internal/queue"
	"github.com/oriys/enginehost/internal/scheduler"
	"github.com/oriys/enginehost/internal/sourcequeue"
	"github.com/oriys/enginehost/internal/store"
	"github.com/oriys/enginehost/internal/telemetry"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel string
		capacity int
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the engine-host daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			} else {
				cfg = config.DefaultConfig()
			}
			cfg = config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("capacity") {
				cfg.Factory.Capacity = int32(capacity)
			}
			logging.SetLevelFromString(cfg.Daemon.LogLevel)

			ctx := context.Background()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Enabled,
				Exporter:    cfg.Observability.Exporter,
				Endpoint:    cfg.Observability.Endpoint,
				ServiceName: cfg.Observability.ServiceName,
				SampleRate:  cfg.Observability.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(ctx)

			var telem *telemetry.Telemetry
			if cfg.Telemetry.Enabled {
				telem = telemetry.New(cfg.Telemetry.Namespace)
			}

			var callLog *logging.CallLog
			if logPath := os.Getenv("ENGINEHOST_CALL_LOG_PATH"); logPath != "" {
				callLog = logging.DefaultCallLog()
				if err := callLog.SetOutput(logPath); err != nil {
					logging.Op().Warn("failed to open call log file", "error", err)
				}
			} else {
				callLog = logging.DefaultCallLog()
			}

			var auditStore *store.PostgresStore
			if cfg.Postgres.DSN != "" {
				var err error
				auditStore, err = store.NewPostgresStore(ctx, cfg.Postgres.DSN)
				if err != nil {
					logging.Op().Warn("postgres audit store unavailable", "error", err)
				} else {
					defer auditStore.Close()
					logging.Op().Info("postgres audit store connected")
				}
			}

			var notifier queue.Notifier
			if cfg.Redis.Addr != "" {
				redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr})
				if err := redisClient.Ping(ctx).Err(); err != nil {
					logging.Op().Warn("redis wake-notifier unavailable, falling back to single-process wakeup", "error", err)
				} else {
					rn := queue.NewRedisNotifier(redisClient)
					defer rn.Close()
					notifier = rn
					logging.Op().Info("redis cross-process wake notifier connected", "addr", cfg.Redis.Addr)
				}
			}

			sched := scheduler.New(scheduler.Config{
				MinWorkers: cfg.Scheduler.MinWorkers,
				MaxWorkers: cfg.Scheduler.MaxWorkers,
				QueueDepth: cfg.Scheduler.QueueDepth,
				Notifier:   notifier,
			})
			defer sched.Shutdown(context.Background())

			sq := sourcequeue.New(sched)
			channels := channel.New()
			if telem != nil {
				channels.SetTelemetry(telem)
			}
			// coordinator is wired to the scheduler now so that channel
			// handlers registered later in this daemon's lifetime (over an
			// RPC or embedding API not yet exposed here) can call its
			// BlockSetGlobalVar/BlockReply/BlockThrow without constructing
			// their own scheduler binding.
			coordinator := blocking.New(sched)
			_ = coordinator
			logging.Op().Info("channel registry and blocking coordinator ready", "gray", channels.GetGray())

			f := factory.New(factory.Config{
				Name:            "default",
				Capacity:        cfg.Factory.Capacity,
				MaxHeapSize:     cfg.Factory.MaxHeapSize,
				Constructor:     refengine.New,
				Scheduler:       sched,
				SourceQueue:     sq,
				Telemetry:       telem,
				Tracer:          observability.CallTracer{},
				CallLog:         callLog,
				PanicOnOverflow: cfg.Factory.PanicOnOverflow,
			})

			if cfg.CodeSource.Enabled {
				src, err := codesource.New(ctx, codesource.Config{
					Bucket: cfg.CodeSource.Bucket,
					Region: cfg.CodeSource.Region,
					Prefix: cfg.CodeSource.Prefix,
				})
				if err != nil {
					logging.Op().Warn("code source unavailable", "error", err)
				} else {
					total, err := src.LoadAll(ctx, f)
					if err != nil {
						logging.Op().Warn("failed to load bytecode from code source", "error", err)
					} else {
						logging.Op().Info("loaded bytecode from code source", "bytes", total)
						if auditStore != nil {
							_ = auditStore.SaveCodeManifest(ctx, &store.CodeManifest{
								Factory: f.Name(),
								Source:  "s3",
							})
						}
					}
				}
			}

			logging.Op().Info("enginehostd started",
				"capacity", f.Capacity(),
				"log_level", cfg.Daemon.LogLevel,
				"telemetry", cfg.Telemetry.Enabled,
				"tracing", cfg.Observability.Enabled,
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received", "timeout", cfg.Daemon.ShutdownTimeout)
					return nil
				case <-ticker.C:
					logging.Op().Debug("daemon status", "factory_size", f.Size(), "free", f.FreeSize())
				}
			}
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "Engine pool capacity override")

	return cmd
}
