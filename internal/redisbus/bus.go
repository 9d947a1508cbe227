package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"comfyrun/internal/config"
	"comfyrun/internal/job"
	"comfyrun/internal/logging"
	"comfyrun/internal/telemetry"
)

// RejectedSuffix names the list that receives undecodable job payloads.
const RejectedSuffix = ":rejected"

// Bus wraps the job intake and telemetry lists.
type Bus struct {
	client        *redis.Client
	jobQueue      string
	telemetryList string
	maxJobs       int
	logger        *slog.Logger
}

// NewClient builds a go-redis client from the [redis] section.
func NewClient(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New wraps client using the list names from cfg.
func New(client *redis.Client, cfg config.Redis, logger *slog.Logger) *Bus {
	maxJobs := cfg.MaxJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}
	return &Bus{
		client:        client,
		jobQueue:      cfg.JobQueue,
		telemetryList: cfg.TelemetryList,
		maxJobs:       maxJobs,
		logger:        logging.NewComponentLogger(logger, "redisbus"),
	}
}

// Close closes the underlying client.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Ping checks connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Enqueue pushes a definition onto the intake list.
func (b *Bus) Enqueue(ctx context.Context, def job.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode job definition: %w", err)
	}
	return b.client.RPush(ctx, b.jobQueue, data).Err()
}

// DrainJobs pops up to the configured number of definitions in FIFO order.
// Payloads that do not decode are moved to the rejected list and skipped.
func (b *Bus) DrainJobs(ctx context.Context) ([]job.Definition, error) {
	var defs []job.Definition
	for len(defs) < b.maxJobs {
		payload, err := b.client.LPop(ctx, b.jobQueue).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return defs, fmt.Errorf("pop job: %w", err)
		}
		def, err := job.DecodeDefinition([]byte(payload))
		if err != nil {
			logging.WarnWithContext(b.logger, "rejected queued job payload", "redis_job_rejected",
				logging.Error(err),
				logging.String("queue", b.jobQueue),
				logging.String(logging.FieldErrorHint, "fix the producer's payload; see the rejected list"),
				logging.String(logging.FieldImpact, "job skipped"),
			)
			if pushErr := b.client.RPush(ctx, b.jobQueue+RejectedSuffix, payload).Err(); pushErr != nil {
				return defs, fmt.Errorf("record rejected job: %w", pushErr)
			}
			continue
		}
		defs = append(defs, def)
	}
	b.logger.Info("drained queued jobs",
		logging.Int("jobs", len(defs)),
		logging.String("queue", b.jobQueue),
		logging.String(logging.FieldEventType, "redis_jobs_drained"),
	)
	return defs, nil
}

// Requeue pushes defs back onto the front of the intake list so the next
// drain returns them first, in their original order.
func (b *Bus) Requeue(ctx context.Context, defs []job.Definition) error {
	if len(defs) == 0 {
		return nil
	}
	values := make([]any, 0, len(defs))
	for i := len(defs) - 1; i >= 0; i-- {
		data, err := json.Marshal(defs[i])
		if err != nil {
			return fmt.Errorf("encode job definition: %w", err)
		}
		values = append(values, data)
	}
	if err := b.client.LPush(ctx, b.jobQueue, values...).Err(); err != nil {
		return fmt.Errorf("requeue jobs: %w", err)
	}
	b.logger.Info("returned unprocessed jobs to intake list",
		logging.Int("jobs", len(defs)),
		logging.String("queue", b.jobQueue),
		logging.String(logging.FieldEventType, "redis_jobs_requeued"),
	)
	return nil
}

// Name identifies the bus as a telemetry sink.
func (b *Bus) Name() string { return "redis" }

// Publish appends the attempt to the telemetry list.
func (b *Bus) Publish(ctx context.Context, attempt telemetry.Attempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}
	if err := b.client.RPush(ctx, b.telemetryList, data).Err(); err != nil {
		return fmt.Errorf("publish attempt: %w", err)
	}
	return nil
}
