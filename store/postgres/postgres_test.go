package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/workflowgo/store"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewWithPool(mock, Options{TablePrefix: "wf_"})
}

var jobCols = []string{
	"id", "queue_name", "status", "input", "output", "attempts", "max_attempts",
	"scheduled_at", "started_at", "completed_at", "last_error", "progress", "progress_message",
}

func TestStore_Enqueue(t *testing.T) {
	mock, s := newMock(t)

	job := &store.JobRecord{
		ID:          "j1",
		Queue:       "q",
		Input:       json.RawMessage(`{"n":1}`),
		MaxAttempts: 3,
		ScheduledAt: time.Now(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO wf_jobs")).
		WithArgs(job.ID, job.Queue, string(store.JobPending), []byte(job.Input),
			0, 3, job.ScheduledAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Enqueue(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ClaimNext(t *testing.T) {
	mock, s := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs("q", string(store.JobPending), now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("j1"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE wf_jobs SET status = $1, started_at = $2 WHERE id = $3")).
		WithArgs(string(store.JobProcessing), now, "j1").
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(
			"j1", "q", string(store.JobProcessing), []byte(`{"n":1}`), nil,
			0, 3, now, &now, nil, nil, 0, nil,
		))
	mock.ExpectCommit()

	rec, err := s.ClaimNext(context.Background(), "q", now)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "j1", rec.ID)
	assert.Equal(t, store.JobProcessing, rec.Status)
	require.NotNil(t, rec.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ClaimNext_Empty(t *testing.T) {
	mock, s := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs("q", string(store.JobPending), now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	rec, err := s.ClaimNext(context.Background(), "q", now)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FailWithRetry(t *testing.T) {
	mock, s := newMock(t)
	retryAt := time.Now().Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("attempts = attempts + 1")).
		WithArgs(string(store.JobPending), "transient", retryAt, "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.Fail(context.Background(), "j1", "transient", &retryAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get_NotFound(t *testing.T) {
	mock, s := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM wf_jobs WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(jobCols))

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PrefixColumnsInClaim(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock, Options{
		TablePrefix:   "wf_",
		PrefixColumns: map[string]string{"tenant_id": "acme"},
	})
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("AND tenant_id = $4")).
		WithArgs("q", string(store.JobPending), now, "acme").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	rec, err := s.ClaimNext(context.Background(), "q", now)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PrefixColumnsInEnqueue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock, Options{
		PrefixColumns: map[string]string{"tenant_id": "acme"},
	})
	scheduled := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("tenant_id")).
		WithArgs("j1", "q", string(store.JobPending), []byte(nil), 0, 1, scheduled, "acme").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Enqueue(context.Background(), &store.JobRecord{
		ID: "j1", Queue: "q", MaxAttempts: 1, ScheduledAt: scheduled,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RateAccounting(t *testing.T) {
	mock, s := newMock(t)
	ctx := context.Background()
	at := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO wf_rate_limit_executions")).
		WithArgs("q", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.RecordExecution(ctx, "q", at))

	since := at.Add(-time.Second)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM wf_rate_limit_executions")).
		WithArgs("q", since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	n, err := s.CountExecutionsSince(ctx, "q", since)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CheckpointSaveAndLatest(t *testing.T) {
	mock, s := newMock(t)
	ctx := context.Background()
	created := time.Now()

	cp := &store.Checkpoint{
		ID:             "c1",
		ThreadID:       "t",
		Graph:          []byte("g"),
		TaskStates:     []byte("ts"),
		DataflowStates: []byte("ds"),
		Metadata:       store.CheckpointMeta{CreatedAt: created},
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO wf_checkpoints")).
		WithArgs("c1", "t", "", cp.Graph, cp.TaskStates, cp.DataflowStates,
			created, "", []byte("null")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.Save(ctx, cp))

	rows := pgxmock.NewRows([]string{
		"id", "thread_id", "parent_id", "graph", "task_states", "dataflow_states",
		"created_at", "iteration_parent_task_id", "extra",
	}).AddRow("c1", "t", nil, []byte("g"), []byte("ts"), []byte("ds"), created, nil, nil)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT 1")).
		WithArgs("t").
		WillReturnRows(rows)

	latest, err := s.Latest(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "c1", latest.ID)
	assert.Equal(t, []byte("g"), latest.Graph)

	assert.NoError(t, mock.ExpectationsWereMet())
}
