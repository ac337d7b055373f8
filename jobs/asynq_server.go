package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// errSyncFailed surfaces a fully failed run to Asynq's retry machinery.
var errSyncFailed = errors.New("jobs: sync run failed")

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts asynq.RedisClientOpt
	Logger    *slog.Logger
	Handlers  *SyncHandlers
	Cron      []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	if cfg.Handlers != nil {
		mux.HandleFunc(TaskTypeSyncIncremental, cfg.Handlers.HandleSync)
		mux.HandleFunc(TaskTypeSyncReconcile, cfg.Handlers.HandleSync)
		mux.HandleFunc(TaskTypeSyncFanOut, cfg.Handlers.HandleFanOut)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// DefaultCron returns the scheduled sync registrations: incremental hourly,
// reconcile nightly at 02:00 UTC.
func DefaultCron() ([]CronRegistration, error) {
	incremental, err := NewFanOutTask(TaskTypeSyncIncremental)
	if err != nil {
		return nil, err
	}
	reconcile, err := NewFanOutTask(TaskTypeSyncReconcile)
	if err != nil {
		return nil, err
	}
	return []CronRegistration{
		{Spec: "@hourly", Task: incremental, Options: []asynq.Option{asynq.Queue(QueueDefault)}},
		{Spec: "0 2 * * *", Task: reconcile, Options: []asynq.Option{asynq.Queue(QueueDefault)}},
	}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client}, nil
}

// EnqueueSync enqueues one per-tenant sync task.
func (c *Client) EnqueueSync(ctx context.Context, taskType string, payload SyncPayload) (*asynq.TaskInfo, error) {
	task, err := NewSyncTask(taskType, payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
