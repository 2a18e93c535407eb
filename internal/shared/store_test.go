package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type fakeQuerier struct {
	calls []execCall
	tag   string
	err   error
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag(f.tag), f.err
}

func TestIdempotencyConflictOnUniqueViolation(t *testing.T) {
	q := &fakeQuerier{err: &pgconn.PgError{Code: "23505"}}
	store := NewIdempotencyStore(q)

	err := store.CheckAndInsert(context.Background(), "abc", "documents.events")
	require.ErrorIs(t, err, ErrIdempotencyConflict)

	q.err = errors.New("connection refused")
	err = store.CheckAndInsert(context.Background(), "abc", "documents.events")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIdempotencyConflict)
}

func TestIdempotencyRequiresKeyAndModule(t *testing.T) {
	store := NewIdempotencyStore(&fakeQuerier{})
	require.Error(t, store.CheckAndInsert(context.Background(), "", "documents.events"))
	require.Error(t, store.CheckAndInsert(context.Background(), "abc", ""))
}

func TestIdempotencyCleanupReportsRows(t *testing.T) {
	q := &fakeQuerier{tag: "DELETE 3"}
	store := NewIdempotencyStore(q)

	removed, err := store.Cleanup(context.Background(), 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	require.Len(t, q.calls, 1)
	cutoff, ok := q.calls[0].args[0].(time.Time)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(-72*time.Hour), cutoff, time.Minute)
}

func TestApprovalRefIsStable(t *testing.T) {
	assert.Equal(t, ApprovalRef("INVOICE", 7), ApprovalRef("INVOICE", 7))
	assert.NotEqual(t, ApprovalRef("INVOICE", 7), ApprovalRef("SALES_ORDER", 7))
}

func TestApprovalRecorderValidates(t *testing.T) {
	q := &fakeQuerier{}
	rec := NewApprovalRecorder(q, nil)

	err := rec.Record(context.Background(), ApprovalLog{Module: "INVOICE", RefID: ApprovalRef("INVOICE", 1), Action: ApprovalApprove})
	require.Error(t, err, "actor is required")

	err = rec.Record(context.Background(), ApprovalLog{Module: "INVOICE", ActorID: 3, RefID: uuid.Nil, Action: ApprovalApprove})
	require.Error(t, err)
	require.Empty(t, q.calls)

	err = rec.Record(context.Background(), ApprovalLog{Module: "INVOICE", ActorID: 3, RefID: ApprovalRef("INVOICE", 1), Action: ApprovalApprove, Note: "ok"})
	require.NoError(t, err)
	require.Len(t, q.calls, 1)
	assert.Equal(t, "APPROVE", q.calls[0].args[3])
}
