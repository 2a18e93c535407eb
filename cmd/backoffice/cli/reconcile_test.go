package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/docstatus"
	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/pricing"
	"github.com/odyssey-erp/backoffice/jobs"
	_ "github.com/odyssey-erp/backoffice/testing"
)

type stubReconciler struct {
	doc documents.Document
	err error
	ref documents.DocumentRef
}

func (s *stubReconciler) ReconcileDocument(_ context.Context, ref documents.DocumentRef) (documents.Document, error) {
	s.ref = ref
	return s.doc, s.err
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func invoiceDocument(stored string) documents.Document {
	totals := pricing.Totals{Subtotal: d("1000"), DiscountAmount: d("0"), NetAmount: d("1000"), VATAmount: d("100"), TotalAmount: d("1100"), LineCount: 1}
	storedTotals := pricing.HeaderTotals{TotalAmount: decimal.NewNullDecimal(d(stored))}
	return documents.Document{
		Header:         documents.Header{Ref: documents.DocumentRef{Type: docstatus.TypeInvoice, ID: 7}, Number: "INV-7", Currency: "USD", Status: docstatus.StatusPending},
		Totals:         totals,
		Stored:         storedTotals,
		Reconciliation: pricing.Reconcile(totals, storedTotals, d("0.01")),
	}
}

func TestReconcileCommandJSONSuccess(t *testing.T) {
	svc := &stubReconciler{doc: invoiceDocument("1100.01")}
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	exitCode := ReconcileCommand(context.Background(), svc, ReconcileOptions{
		Type:       "invoice",
		ID:         7,
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Equal(t, ExitOK, exitCode)
	require.Empty(t, stderr.String())
	require.Equal(t, documents.DocumentRef{Type: docstatus.TypeInvoice, ID: 7}, svc.ref)

	var summary ReconcileSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Equal(t, "INVOICE:7", summary.Ref)
	require.Len(t, summary.Deltas, 1)
	require.True(t, summary.Deltas[0].WithinTolerance)
}

func TestReconcileCommandStrictFlagsToleratedDelta(t *testing.T) {
	svc := &stubReconciler{doc: invoiceDocument("1100.01")}
	stdout := new(bytes.Buffer)

	exitCode := ReconcileCommand(context.Background(), svc, ReconcileOptions{
		Type:   "INVOICE",
		ID:     7,
		Strict: true,
		Stdout: stdout,
		Stderr: new(bytes.Buffer),
	})
	require.Equal(t, ExitMismatch, exitCode)
	require.Contains(t, stdout.String(), "total_amount computed 1100 stored 1100.01")
}

func TestReconcileCommandMismatch(t *testing.T) {
	doc := invoiceDocument("1100.02")
	svc := &stubReconciler{doc: doc, err: doc.Reconciliation.Err()}
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	exitCode := ReconcileCommand(context.Background(), svc, ReconcileOptions{Type: "INVOICE", ID: 7, Stdout: stdout, Stderr: stderr})
	require.Equal(t, ExitMismatch, exitCode)
	require.Empty(t, stderr.String())
	require.Contains(t, stdout.String(), "Mismatch beyond tolerance 0.01")
	require.Contains(t, stdout.String(), "stored:   subtotal - discount - tax - total 1100.02")
}

func TestReconcileCommandErrors(t *testing.T) {
	stderr := new(bytes.Buffer)
	exitCode := ReconcileCommand(context.Background(), &stubReconciler{}, ReconcileOptions{Type: "PACKING_SLIP", ID: 1, Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, ExitError, exitCode)
	require.Contains(t, stderr.String(), "unknown document type")

	stderr.Reset()
	exitCode = ReconcileCommand(context.Background(), &stubReconciler{}, ReconcileOptions{Type: "INVOICE", Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, ExitError, exitCode)
	require.Contains(t, stderr.String(), "--id is required")

	stderr.Reset()
	svc := &stubReconciler{err: documents.ErrNotFound}
	exitCode = ReconcileCommand(context.Background(), svc, ReconcileOptions{Type: "INVOICE", ID: 9, Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, ExitError, exitCode)
	require.Contains(t, stderr.String(), "not found")
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: "t-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

type stubInspector struct{ info *asynq.QueueInfo }

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	if s.info == nil {
		return nil, errors.New("redis unreachable")
	}
	return s.info, nil
}

func TestJobsCommandTriggerAndStats(t *testing.T) {
	queue := &recordingEnqueuer{}
	c := &JobsCLI{queue: queue, inspector: stubInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 2}}}

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	require.Equal(t, ExitOK, c.JobsCommand(context.Background(), "trigger", jobs.TaskReconcileSweep, TriggerOptions{Limit: 50}, stdout, stderr))
	require.Contains(t, stdout.String(), "enqueued documents:reconcile_sweep")
	require.Len(t, queue.tasks, 1)

	require.Equal(t, ExitError, c.JobsCommand(context.Background(), "trigger", jobs.TaskReconcileDocument, TriggerOptions{}, stdout, stderr))
	require.Contains(t, stderr.String(), "needs --type and --id")

	stdout.Reset()
	require.Equal(t, ExitOK, c.JobsCommand(context.Background(), "stats", "", TriggerOptions{}, stdout, stderr))
	var stats jobs.QueueStats
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	require.Equal(t, 2, stats.Pending)

	require.Equal(t, ExitError, c.JobsCommand(context.Background(), "purge", "", TriggerOptions{}, stdout, stderr))
	require.Equal(t, ExitError, c.JobsCommand(context.Background(), "trigger", "mail:send", TriggerOptions{}, stdout, stderr))
}
