package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/backoffice/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	queue     jobs.TaskEnqueuer
	inspector jobs.QueueInspector
	closers   []io.Closer
}

// NewJobsCLI initialises the CLI helpers against the provided Redis endpoint.
func NewJobsCLI(redis asynq.RedisClientOpt) *JobsCLI {
	client := asynq.NewClient(redis)
	inspector := asynq.NewInspector(redis)
	return &JobsCLI{queue: client, inspector: inspector, closers: []io.Closer{client, inspector}}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	for _, closer := range c.closers {
		if closeErr := closer.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerOptions carries the per-job parameters accepted by Trigger.
type TriggerOptions struct {
	Type  string
	ID    int64
	Limit int
	Hours int
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.queue == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	switch name {
	case jobs.TaskReconcileDocument:
		if opts.Type == "" || opts.ID <= 0 {
			return nil, errors.New("jobs cli: documents:reconcile needs --type and --id")
		}
		task, err = jobs.NewReconcileTask(opts.Type, opts.ID)
	case jobs.TaskReconcileSweep:
		var types []string
		if opts.Type != "" {
			types = append(types, opts.Type)
		}
		task, err = jobs.NewReconcileSweepTask(opts.Limit, types...)
	case jobs.TaskIdempotencyCleanup:
		task, err = jobs.NewIdempotencyCleanupTask(opts.Hours)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.queue.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue() (jobs.QueueStats, error) {
	if c == nil || c.inspector == nil {
		return jobs.QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	return jobs.Stats(c.inspector)
}

// JobsCommand runs "jobs trigger <name>" or "jobs stats" and returns an exit code.
func (c *JobsCLI) JobsCommand(ctx context.Context, action, name string, opts TriggerOptions, stdout, stderr io.Writer) int {
	switch action {
	case "trigger":
		info, err := c.Trigger(ctx, name, opts)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs trigger: %v\n", err)
			return ExitError
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return ExitOK
	case "stats":
		stats, err := c.InspectQueue()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs stats: %v\n", err)
			return ExitError
		}
		if err := json.NewEncoder(stdout).Encode(stats); err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs stats: %v\n", err)
			return ExitError
		}
		return ExitOK
	default:
		_, _ = fmt.Fprintf(stderr, "jobs: unknown action %q (expected trigger or stats)\n", action)
		return ExitError
	}
}
