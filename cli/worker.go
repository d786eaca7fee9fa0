package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ingest.groundswell.dev/common"
	"ingest.groundswell.dev/db"
	"ingest.groundswell.dev/pipeline"
	"ingest.groundswell.dev/queue"
	"ingest.groundswell.dev/worker"
)

func init() {
	triggerCmd.Flags().String("integration", "", "integration id to run")
	triggerCmd.Flags().Bool("onboarding", false, "run as onboarding (full history)")
	_ = triggerCmd.MarkFlagRequired("integration")

	rootCmd.AddCommand(migrateCmd, runWorkerCmd, streamWorkerCmd, dataWorkerCmd, sweeperCmd, triggerCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the pipeline database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		gdb, err := db.OpenGorm(cfg.Database.URL)
		if err != nil {
			return err
		}
		if err := db.Migrate(gdb); err != nil {
			return err
		}

		common.Logger.Info("schema migrated")
		return nil
	},
}

var runWorkerCmd = &cobra.Command{
	Use:   "run-worker",
	Short: "Process run messages (stream generation and resume)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			svc := pipeline.NewRunService(common.Logger, rt.runs, rt.streams,
				rt.integrations, registry, rt.emitter, rt.cacheFor)

			processor := worker.ProcessorFunc(func(ctx context.Context, msg *queue.Message) error {
				switch msg.Type {
				case queue.MessageTypeProcessRun:
					return svc.Process(ctx, msg.RunID)
				case queue.MessageTypeStreamError:
					return svc.ProcessStreamError(ctx, msg)
				default:
					common.Logger.WithField("type", msg.Type).Warn("unexpected message type, dropping")
					return nil
				}
			})

			pool := worker.NewPool(common.Logger, "run-worker", rt.runQueue, processor, rt.cfg.Worker.MaxConcurrent)
			pool.Run(ctx)
			return nil
		})
	},
}

var streamWorkerCmd = &cobra.Command{
	Use:   "stream-worker",
	Short: "Process stream messages (resource traversal)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			svc := pipeline.NewStreamService(common.Logger, rt.runs, rt.streams,
				rt.data, rt.integrations, registry, rt.emitter, rt.cacheFor,
				rt.cfg.Worker.MaxStreamRetries, rt.cfg.Worker.RetryBackoff)

			processor := worker.ProcessorFunc(func(ctx context.Context, msg *queue.Message) error {
				if msg.Type != queue.MessageTypeProcessStream {
					common.Logger.WithField("type", msg.Type).Warn("unexpected message type, dropping")
					return nil
				}
				return svc.Process(ctx, msg.StreamID)
			})

			pool := worker.NewPool(common.Logger, "stream-worker", rt.streamQueue, processor, rt.cfg.Worker.MaxConcurrent)
			pool.Run(ctx)
			return nil
		})
	},
}

var dataWorkerCmd = &cobra.Command{
	Use:   "data-worker",
	Short: "Process data messages (sink ingestion)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			sink := &pipeline.LogSink{Log: common.Logger.WithField("component", "sink")}
			svc := pipeline.NewDataService(common.Logger, rt.runs, rt.data,
				rt.integrations, registry, sink, rt.cacheFor,
				rt.cfg.Worker.MaxDataRetries)

			processor := worker.ProcessorFunc(func(ctx context.Context, msg *queue.Message) error {
				if msg.Type != queue.MessageTypeProcessData {
					common.Logger.WithField("type", msg.Type).Warn("unexpected message type, dropping")
					return nil
				}
				return svc.Process(ctx, msg.DataID)
			})

			pool := worker.NewPool(common.Logger, "data-worker", rt.dataQueue, processor, rt.cfg.Worker.MaxConcurrent)
			pool.Run(ctx)
			return nil
		})
	},
}

var sweeperCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Promote delayed work and finalize finished runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			sweeper := pipeline.NewSweeper(common.Logger, rt.runs, rt.streams,
				rt.data, rt.emitter, rt.cfg.Worker.SweepInterval)
			sweeper.Run(ctx)
			return nil
		})
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Create and enqueue a run for an integration",
	RunE: func(cmd *cobra.Command, args []string) error {
		integrationID, _ := cmd.Flags().GetString("integration")
		onboarding, _ := cmd.Flags().GetBool("onboarding")

		return withRuntime(func(ctx context.Context, rt *runtime) error {
			svc := pipeline.NewRunService(common.Logger, rt.runs, rt.streams,
				rt.integrations, registry, rt.emitter, rt.cacheFor)

			runID, err := svc.Trigger(ctx, integrationID, onboarding)
			if err != nil {
				return err
			}
			common.Logger.WithField("runId", runID).Info("run triggered")
			return nil
		})
	},
}

// withRuntime loads config, builds the runtime and runs fn under a context
// cancelled by SIGINT or SIGTERM.
func withRuntime(fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	return fn(ctx, rt)
}
