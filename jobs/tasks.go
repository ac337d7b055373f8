// Package jobs holds the background task definitions and the Asynq worker
// around them. Scheduled syncs fan out: a cron-fired task lists tenants and
// enqueues one per-tenant task, so a slow tenant never blocks the others.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/ledgerbridge/ledgerbridge/internal/syncer"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskTypeSyncIncremental runs an incremental sync for one tenant.
	TaskTypeSyncIncremental = "sync:incremental"
	// TaskTypeSyncReconcile runs a reconciliation (plus the trailing
	// incremental) for one tenant.
	TaskTypeSyncReconcile = "sync:reconcile"
	// TaskTypeSyncFanOut enqueues a per-tenant task of the carried type for
	// every connected tenant.
	TaskTypeSyncFanOut = "sync:fanout"
)

// SyncPayload targets one tenant.
type SyncPayload struct {
	TenantID int64 `json:"tenant_id"`
}

// FanOutPayload names the per-tenant task type to spread.
type FanOutPayload struct {
	TaskType string `json:"task_type"`
}

// NewSyncTask constructs a per-tenant sync task.
func NewSyncTask(taskType string, payload SyncPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

// NewFanOutTask constructs a fan-out task for the given per-tenant type.
func NewFanOutTask(taskType string) (*asynq.Task, error) {
	data, err := json.Marshal(FanOutPayload{TaskType: taskType})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSyncFanOut, data), nil
}

// SyncRunner is the orchestrator surface the worker drives.
type SyncRunner interface {
	Incremental(ctx context.Context, tenantID int64) *syncer.Result
	Reconcile(ctx context.Context, tenantID int64) *syncer.Result
}

// TenantLister enumerates tenants for fan-out.
type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]int64, error)
}

// SyncHandlers processes the sync task types.
type SyncHandlers struct {
	Runner  SyncRunner
	Tenants TenantLister
	Client  *Client
	Logger  *slog.Logger
}

// HandleSync processes one per-tenant sync task. A lock conflict is treated
// as done: the concurrent run covers the work.
func (h *SyncHandlers) HandleSync(ctx context.Context, t *asynq.Task) error {
	var payload SyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	var res *syncer.Result
	switch t.Type() {
	case TaskTypeSyncIncremental:
		res = h.Runner.Incremental(ctx, payload.TenantID)
	case TaskTypeSyncReconcile:
		res = h.Runner.Reconcile(ctx, payload.TenantID)
	default:
		return asynq.SkipRetry
	}

	h.Logger.Info("job finished",
		slog.String("task", t.Type()),
		slog.Int64("tenant_id", payload.TenantID),
		slog.String("status", string(res.Status)),
		slog.Int("synced", res.Synced),
		slog.Int("errors", res.ErrorCount))

	if res.Status == syncer.StatusFailed {
		return errSyncFailed
	}
	return nil
}

// HandleFanOut enqueues one task of the payload type per connected tenant.
func (h *SyncHandlers) HandleFanOut(ctx context.Context, t *asynq.Task) error {
	var payload FanOutPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.TaskType != TaskTypeSyncIncremental && payload.TaskType != TaskTypeSyncReconcile {
		return asynq.SkipRetry
	}

	tenants, err := h.Tenants.ListTenantIDs(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		if _, err := h.Client.EnqueueSync(ctx, payload.TaskType, SyncPayload{TenantID: tenantID}); err != nil {
			h.Logger.Error("fan-out enqueue",
				slog.String("task", payload.TaskType),
				slog.Int64("tenant_id", tenantID),
				slog.Any("error", err))
		}
	}
	return nil
}
