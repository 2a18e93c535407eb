package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileDocument recomputes one document and compares it to its stored totals.
	TaskReconcileDocument = "documents:reconcile"
	// TaskReconcileSweep fans reconcile tasks out over every open document.
	TaskReconcileSweep = "documents:reconcile_sweep"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "documents:idempotency_cleanup"
)

// taskNamespace seeds deterministic task identifiers.
var taskNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("backoffice/jobs"))

// ReconcilePayload identifies the document to reconcile.
type ReconcilePayload struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// ReconcileSweepPayload scopes a sweep. Empty Types means every document type.
type ReconcileSweepPayload struct {
	Types []string `json:"types,omitempty"`
	Limit int      `json:"limit"`
}

// IdempotencyCleanupPayload configures the retention window of idempotency keys.
type IdempotencyCleanupPayload struct {
	OlderThanHours int `json:"older_than_hours"`
}

// ReconcileTaskID returns the task id for a document, so a document is queued at
// most once at a time.
func ReconcileTaskID(docType string, id int64) string {
	return uuid.NewSHA1(taskNamespace, []byte(fmt.Sprintf("%s:%s:%d", TaskReconcileDocument, docType, id))).String()
}

// NewReconcileTask builds a reconcile task for one document.
func NewReconcileTask(docType string, id int64) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcilePayload{Type: docType, ID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileDocument, body,
		asynq.Queue(QueueDefault),
		asynq.TaskID(ReconcileTaskID(docType, id)),
		asynq.MaxRetry(3),
	), nil
}

// NewReconcileSweepTask builds a sweep task.
func NewReconcileSweepTask(limit int, types ...string) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcileSweepPayload{Types: types, Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileSweep, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask builds a cleanup task.
func NewIdempotencyCleanupTask(olderThanHours int) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{OlderThanHours: olderThanHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
