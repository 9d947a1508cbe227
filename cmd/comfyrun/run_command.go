package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"comfyrun/internal/artifacts"
	"comfyrun/internal/config"
	"comfyrun/internal/gpu"
	"comfyrun/internal/history"
	"comfyrun/internal/job"
	"comfyrun/internal/logging"
	"comfyrun/internal/notifications"
	"comfyrun/internal/redisbus"
	"comfyrun/internal/services"
	"comfyrun/internal/telemetry"
	"comfyrun/internal/workflow"
)

// errJobsIncomplete makes the process exit non-zero when a job did not end
// clean.
var errJobsIncomplete = errors.New("not every job finished clean")

func newRunCommand(ctx *commandContext) *cobra.Command {
	var manifestPath string
	var fromRedis bool
	var jsonOut *jsonOutput

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit jobs, wait for completion, and collect their frames",
		Long: `Run every job from a TOML manifest (or drained from the Redis intake list)
sequentially. Each attempt is persisted under <runs_dir>/<run_id>/ with its
telemetry record, poll log, and collected frames.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			manifestPath = strings.TrimSpace(manifestPath)
			if manifestPath == "" && !fromRedis {
				return errors.New("provide --manifest or --redis")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			base, err := ctx.logger()
			if err != nil {
				return err
			}

			runID := workflow.NewRunID(time.Now())
			runLog, err := logging.OpenRunLog(base, cfg.Paths.LogDir, runID)
			if err != nil {
				return err
			}
			defer func() { _ = runLog.Close() }()
			logger := runLog.Logger
			if pruned := logging.PruneRunLogs(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays, runLog.Path); pruned > 0 {
				logger.Debug("pruned old run logs", logging.Int("count", pruned))
			}

			wiring, err := buildRunDeps(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer wiring.close()

			batch, err := loadJobs(cmd.Context(), manifestPath, fromRedis, wiring.bus, logger)
			if err != nil {
				return err
			}
			defs := batch.defs
			if len(defs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs to run")
				return nil
			}

			runner, err := workflow.NewRunner(cfg, wiring.deps, workflow.WithLogger(logger), workflow.WithRunID(runID))
			if err != nil {
				batch.requeueFrom(cmd.Context(), 0, logger)
				return err
			}
			agg, runErr := runner.Run(cmd.Context(), defs, batch.source())
			reached := 0
			if agg != nil {
				reached = len(agg.Jobs)
			}
			batch.requeueFrom(cmd.Context(), reached, logger)
			if agg != nil {
				if jsonOut.enabled {
					if err := jsonOut.write(cmd, agg); err != nil {
						return err
					}
				} else {
					printRunSummary(cmd.OutOrStdout(), cfg, agg)
				}
			}
			if runErr != nil {
				return runErr
			}
			if agg.Summary.Clean != agg.Summary.Jobs {
				return fmt.Errorf("%w: %d clean, %d below floor, %d failed",
					errJobsIncomplete, agg.Summary.Clean, agg.Summary.BelowFloor, agg.Summary.Failed)
			}
			return nil
		},
	}
	jsonOut = addJSONFlags(cmd, "Print the run aggregate as JSON")

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "TOML manifest with [[jobs]] tables")
	cmd.Flags().BoolVar(&fromRedis, "redis", false, "Drain jobs from the Redis intake list")
	return cmd
}

type runWiring struct {
	deps    workflow.Deps
	bus     *redisbus.Bus
	closers []func() error
}

func (w *runWiring) close() {
	for _, fn := range w.closers {
		_ = fn()
	}
}

func buildRunDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runWiring, error) {
	client := newComfyClient(cfg)
	w := &runWiring{
		deps: workflow.Deps{
			Submitter:   job.NewSubmitter(client, cfg.ComfyUI.InputDir, job.WithLogger(logger)),
			Status:      client,
			Interrupter: client,
			GPU:         gpu.NewFromConfig(cfg.GPU, client, services.CommandExecutor{}, nil, logger),
			Artifacts:   artifacts.New(cfg.Artifacts, artifacts.WithCleanupDirs(cfg.MarkerDir()), artifacts.WithLogger(logger)),
			Notifier:    notifications.NewService(cfg),
		},
	}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			logging.WarnWithContext(logger, "history store unavailable; continuing without it", "history_open_failed",
				logging.String("path", cfg.History.Path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "delete or migrate the history database"),
				logging.String(logging.FieldImpact, "this run will not appear in comfyrun history"),
			)
		} else {
			w.deps.History = store
			w.deps.Sinks = append(w.deps.Sinks, store)
			w.closers = append(w.closers, store.Close)
		}
	}

	if cfg.Redis.Enabled {
		bus := newBus(cfg, logger)
		if err := bus.Ping(ctx); err != nil {
			_ = bus.Close()
			return nil, services.Wrap(services.ErrConfiguration, "run", "connect redis", cfg.Redis.Addr, err)
		}
		w.bus = bus
		w.deps.Sinks = append(w.deps.Sinks, bus)
		w.closers = append(w.closers, bus.Close)
	}
	return w, nil
}

// jobBatch is the ordered job list for one run. Jobs drained from Redis
// follow the manifest jobs and are returned to the intake list when the run
// never reaches them.
type jobBatch struct {
	defs       []job.Definition
	sources    []string
	redisStart int
	bus        *redisbus.Bus
}

func (b jobBatch) source() string {
	return strings.Join(b.sources, "+")
}

// requeueFrom pushes the drained jobs at index reached and later back onto
// the front of the intake list.
func (b jobBatch) requeueFrom(ctx context.Context, reached int, logger *slog.Logger) {
	if b.bus == nil {
		return
	}
	start := max(reached, b.redisStart)
	if start >= len(b.defs) {
		return
	}
	rest := b.defs[start:]
	if err := b.bus.Requeue(context.WithoutCancel(ctx), rest); err != nil {
		logging.ErrorWithContext(logger, "failed to return unprocessed jobs to redis", "redis_requeue_failed",
			logging.Int("jobs", len(rest)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "re-enqueue the jobs listed in the run log"),
			logging.String(logging.FieldImpact, "drained jobs were not run and are no longer queued"),
		)
		for _, def := range rest {
			logger.Error("unqueued job", logging.String(logging.FieldJobID, def.ID), logging.String("prefix", def.Prefix))
		}
	}
}

func loadJobs(ctx context.Context, manifestPath string, fromRedis bool, bus *redisbus.Bus, logger *slog.Logger) (jobBatch, error) {
	var batch jobBatch
	if manifestPath != "" {
		fromFile, err := job.LoadManifest(manifestPath)
		if err != nil {
			return jobBatch{}, err
		}
		batch.defs = append(batch.defs, fromFile...)
		batch.sources = append(batch.sources, manifestPath)
	}
	if fromRedis {
		if bus == nil {
			return jobBatch{}, errors.New("--redis requires [redis] enabled = true")
		}
		batch.redisStart = len(batch.defs)
		batch.bus = bus
		drained, err := bus.DrainJobs(ctx)
		batch.defs = append(batch.defs, drained...)
		if err != nil {
			batch.requeueFrom(ctx, 0, logger)
			return jobBatch{}, err
		}
		batch.sources = append(batch.sources, "redis")
	}
	return batch, nil
}

func printRunSummary(out io.Writer, cfg *config.Config, agg *workflow.RunAggregate) {
	fmt.Fprintf(out, "Run %s: %s\n", agg.RunID, titleLabel(string(agg.Status)))
	rows := make([][]string, 0, len(agg.Jobs))
	for _, j := range agg.Jobs {
		last, _ := j.Last()
		rows = append(rows, []string{
			j.JobID,
			titleLabel(string(j.Outcome)),
			strconv.Itoa(len(j.Attempts)),
			fmt.Sprintf("%d/%d", last.Result.FrameCount, j.Floor),
			exitLabel(last.Result.Telemetry),
			strconv.Itoa(j.RemainingBudget),
		})
	}
	writeTable(out,
		[]string{"Job", "Outcome", "Attempts", "Frames", "Exit", "Retries Left"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignRight},
	)
	s := agg.Summary
	fmt.Fprintf(out, "%d clean, %d below floor, %d failed; records in %s\n",
		s.Clean, s.BelowFloor, s.Failed, workflow.RunDirFor(cfg, agg.RunID))
}

func exitLabel(rec telemetry.Record) string {
	if rec.HistoryExitReason == "" {
		return "-"
	}
	return string(rec.HistoryExitReason)
}
