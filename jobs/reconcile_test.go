package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/docstatus"
	"github.com/odyssey-erp/backoffice/internal/documents"
	jobmetrics "github.com/odyssey-erp/backoffice/internal/jobs"
	"github.com/odyssey-erp/backoffice/internal/pricing"
)

type stubReconciler struct {
	doc   documents.Document
	err   error
	calls []documents.DocumentRef
}

func (s *stubReconciler) ReconcileDocument(_ context.Context, ref documents.DocumentRef) (documents.Document, error) {
	s.calls = append(s.calls, ref)
	return s.doc, s.err
}

type stubLister struct {
	open map[docstatus.DocumentType][]documents.DocumentRef
	err  error
}

func (s stubLister) OpenDocuments(_ context.Context, docType docstatus.DocumentType, limit int) ([]documents.DocumentRef, error) {
	if s.err != nil {
		return nil, s.err
	}
	refs := s.open[docType]
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

type recordingQueue struct {
	tasks    []*asynq.Task
	conflict map[string]bool
}

func (q *recordingQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	var p ReconcilePayload
	if err := json.Unmarshal(task.Payload(), &p); err == nil && q.conflict[fmt.Sprintf("%s:%d", p.Type, p.ID)] {
		return nil, asynq.ErrTaskIDConflict
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type stubCleaner struct {
	olderThan time.Duration
	removed   int64
}

func (c *stubCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	c.olderThan = olderThan
	return c.removed, nil
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func reconcileTask(t *testing.T, docType string, id int64) *asynq.Task {
	t.Helper()
	task, err := NewReconcileTask(docType, id)
	require.NoError(t, err)
	return task
}

func mismatchedDocument() documents.Document {
	return documents.Document{
		Reconciliation: pricing.Reconciliation{
			OK:        false,
			Tolerance: decimal.RequireFromString("0.01"),
			Deltas: []pricing.Delta{{
				Field:      "total",
				Computed:   decimal.RequireFromString("1100.00"),
				Stored:     decimal.RequireFromString("1100.02"),
				Difference: decimal.RequireFromString("-0.02"),
			}},
		},
	}
}

func TestReconcileJobCountsMismatches(t *testing.T) {
	logger, buf := bufferLogger()
	svc := &stubReconciler{doc: mismatchedDocument(), err: pricing.ErrReconciliationMismatch}
	job := NewReconcileJob(svc, logger, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), reconcileTask(t, "INVOICE", 7))
	require.NoError(t, err)
	require.Len(t, svc.calls, 1)
	assert.Equal(t, documents.DocumentRef{Type: docstatus.TypeInvoice, ID: 7}, svc.calls[0])
	assert.Contains(t, buf.String(), "stored totals mismatch")
	assert.Contains(t, buf.String(), "field=total")
	assert.Contains(t, buf.String(), "delta=-0.02")
}

func TestReconcileJobSkipsBadPayloads(t *testing.T) {
	job := NewReconcileJob(&stubReconciler{}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), asynq.NewTask(TaskReconcileDocument, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), reconcileTask(t, "PACKING_SLIP", 1))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestReconcileJobOutcomes(t *testing.T) {
	boom := errors.New("connection reset")
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())

	job := NewReconcileJob(&stubReconciler{err: documents.ErrNotFound}, nil, metrics)
	assert.NoError(t, job.Handle(context.Background(), reconcileTask(t, "INVOICE", 1)))

	job = NewReconcileJob(&stubReconciler{err: boom}, nil, metrics)
	assert.ErrorIs(t, job.Handle(context.Background(), reconcileTask(t, "INVOICE", 1)), boom)
}

func TestReconcileSweepEnqueuesOpenDocuments(t *testing.T) {
	logger, buf := bufferLogger()
	lister := stubLister{open: map[docstatus.DocumentType][]documents.DocumentRef{
		docstatus.TypeInvoice: {
			{Type: docstatus.TypeInvoice, ID: 1},
			{Type: docstatus.TypeInvoice, ID: 2},
		},
		docstatus.TypeSalesOrder: {
			{Type: docstatus.TypeSalesOrder, ID: 9},
		},
	}}
	queue := &recordingQueue{conflict: map[string]bool{"INVOICE:2": true}}
	job := NewReconcileSweepJob(lister, queue, logger, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewReconcileSweepTask(10)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, queue.tasks, 2)
	for _, task := range queue.tasks {
		assert.Equal(t, TaskReconcileDocument, task.Type())
	}
	assert.Contains(t, buf.String(), "queued=2")
	assert.Contains(t, buf.String(), "skipped=1")
}

func TestReconcileSweepScopedTypesAndErrors(t *testing.T) {
	lister := stubLister{open: map[docstatus.DocumentType][]documents.DocumentRef{
		docstatus.TypeInvoice:    {{Type: docstatus.TypeInvoice, ID: 1}},
		docstatus.TypeSalesOrder: {{Type: docstatus.TypeSalesOrder, ID: 9}},
	}}
	queue := &recordingQueue{}
	job := NewReconcileSweepJob(lister, queue, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewReconcileSweepTask(10, "SALES_ORDER")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, queue.tasks, 1)

	var payload ReconcilePayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload(), &payload))
	assert.Equal(t, ReconcilePayload{Type: "SALES_ORDER", ID: 9}, payload)

	failing := NewReconcileSweepJob(stubLister{err: errors.New("db down")}, queue, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	assert.Error(t, failing.Handle(context.Background(), task))

	unconfigured := &ReconcileSweepJob{}
	assert.Error(t, unconfigured.Handle(context.Background(), task))
}

func TestReconcileTaskIDIsDeterministic(t *testing.T) {
	assert.Equal(t, ReconcileTaskID("INVOICE", 7), ReconcileTaskID("INVOICE", 7))
	assert.NotEqual(t, ReconcileTaskID("INVOICE", 7), ReconcileTaskID("INVOICE", 8))
	assert.NotEqual(t, ReconcileTaskID("INVOICE", 7), ReconcileTaskID("DELIVERY", 7))
}

func TestIdempotencyCleanupDefaultsRetention(t *testing.T) {
	cleaner := &stubCleaner{removed: 4}
	logger, buf := bufferLogger()
	job := &IdempotencyCleanupJob{Store: cleaner, Logger: logger, Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())}

	task, err := NewIdempotencyCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 72*time.Hour, cleaner.olderThan)
	assert.Contains(t, buf.String(), "removed=4")
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestStats(t *testing.T) {
	stats, err := Stats(nil)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Queue: QueueDefault}, stats)

	stats, err = Stats(stubInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 3, Retry: 1}})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 1, stats.Retry)

	_, err = Stats(stubInspector{err: errors.New("redis down")})
	assert.Error(t, err)
}
