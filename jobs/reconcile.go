package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/backoffice/internal/docstatus"
	"github.com/odyssey-erp/backoffice/internal/documents"
	jobmetrics "github.com/odyssey-erp/backoffice/internal/jobs"
	"github.com/odyssey-erp/backoffice/internal/pricing"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// DocumentReconciler recomputes a document from storage.
type DocumentReconciler interface {
	ReconcileDocument(ctx context.Context, ref documents.DocumentRef) (documents.Document, error)
}

// ReconcileJob compares one document's recomputed totals with its stored header totals.
type ReconcileJob struct {
	Service DocumentReconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReconcileJob wires dependencies for the reconcile handler.
func NewReconcileJob(service DocumentReconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes TaskReconcileDocument tasks. A mismatch is a finding, not a
// job failure: it is logged and counted and the task completes.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	ref := documents.DocumentRef{Type: docstatus.DocumentType(payload.Type), ID: payload.ID}
	if _, err := docstatus.For(ref.Type); err != nil || ref.ID <= 0 {
		return fmt.Errorf("reconcile %s: %w", ref, asynq.SkipRetry)
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskReconcileDocument)
	defer func() {
		err = tracker.End(err)
	}()

	logger := jobLogger(j.Logger, TaskReconcileDocument).With(
		slog.String("doc_type", string(ref.Type)),
		slog.Int64("doc_id", ref.ID),
	)

	doc, err := j.Service.ReconcileDocument(ctx, ref)
	switch {
	case errors.Is(err, documents.ErrNotFound):
		logger.Info("document vanished before reconcile")
		return nil
	case err != nil && !errors.Is(err, pricing.ErrReconciliationMismatch):
		logger.Error("reconcile failed", slog.Any("error", err))
		return err
	}

	mismatches := doc.Reconciliation.Mismatches()
	for _, d := range mismatches {
		logger.Warn("stored totals mismatch",
			slog.String("field", d.Field),
			slog.String("computed", d.Computed.String()),
			slog.String("stored", d.Stored.String()),
			slog.String("delta", d.Difference.String()),
		)
	}
	metricsOrDefault(j.Metrics).AddMismatches(string(ref.Type), len(mismatches))
	logger.Debug("reconciled document", slog.Int("mismatches", len(mismatches)))
	return nil
}

// OpenDocumentLister lists documents that have not reached a terminal status.
type OpenDocumentLister interface {
	OpenDocuments(ctx context.Context, docType docstatus.DocumentType, limit int) ([]documents.DocumentRef, error)
}

// TaskEnqueuer is satisfied by *asynq.Client.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

const defaultSweepLimit = 500

// ReconcileSweepJob enqueues a reconcile task for every open document.
type ReconcileSweepJob struct {
	Documents OpenDocumentLister
	Queue     TaskEnqueuer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewReconcileSweepJob wires dependencies for the sweep handler.
func NewReconcileSweepJob(docs OpenDocumentLister, queue TaskEnqueuer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileSweepJob {
	return &ReconcileSweepJob{Documents: docs, Queue: queue, Logger: logger, Metrics: metrics}
}

// Handle processes TaskReconcileSweep tasks. Documents already queued are skipped.
func (j *ReconcileSweepJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Documents == nil || j.Queue == nil {
		return errors.New("reconcile sweep: handler not configured")
	}
	var payload ReconcileSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultSweepLimit
	}
	types := docstatus.DocumentTypes()
	if len(payload.Types) > 0 {
		types = make([]docstatus.DocumentType, 0, len(payload.Types))
		for _, raw := range payload.Types {
			types = append(types, docstatus.DocumentType(raw))
		}
	}

	start := time.Now()
	tracker := metricsOrDefault(j.Metrics).Track(TaskReconcileSweep)
	defer func() {
		err = tracker.End(err)
	}()
	logger := jobLogger(j.Logger, TaskReconcileSweep)

	var queued, skipped int
	for _, docType := range types {
		refs, err := j.Documents.OpenDocuments(ctx, docType, payload.Limit)
		if err != nil {
			logger.Error("list open documents", slog.String("doc_type", string(docType)), slog.Any("error", err))
			return err
		}
		for _, ref := range refs {
			task, err := NewReconcileTask(string(ref.Type), ref.ID)
			if err != nil {
				return err
			}
			if _, err := j.Queue.EnqueueContext(ctx, task); err != nil {
				if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
					skipped++
					continue
				}
				logger.Error("enqueue reconcile", slog.String("ref", ref.String()), slog.Any("error", err))
				return err
			}
			queued++
		}
	}

	logger.Info("completed reconcile sweep",
		slog.Int("types", len(types)),
		slog.Int("queued", queued),
		slog.Int("skipped", skipped),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// IdempotencyCleaner purges idempotency keys older than a retention window.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

const defaultIdempotencyRetention = 72

// IdempotencyCleanupJob removes expired command keys.
type IdempotencyCleanupJob struct {
	Store   IdempotencyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.OlderThanHours <= 0 {
		payload.OlderThanHours = defaultIdempotencyRetention
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskIdempotencyCleanup)
	defer func() {
		err = tracker.End(err)
	}()

	removed, err := j.Store.Cleanup(ctx, time.Duration(payload.OlderThanHours)*time.Hour)
	if err != nil {
		return err
	}
	jobLogger(j.Logger, TaskIdempotencyCleanup).Info("purged idempotency keys",
		slog.Int64("removed", removed),
		slog.Int("older_than_hours", payload.OlderThanHours),
	)
	return nil
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}
