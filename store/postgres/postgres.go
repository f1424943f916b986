// Package postgres implements the job, rate and checkpoint store contracts
// on PostgreSQL via jackc/pgx/v5. Claims run inside a transaction using
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent workers on the same queue
// never receive the same job.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/workflowgo/store"
)

// DBPool is the connection pool surface the store needs. *pgxpool.Pool
// satisfies it; tests substitute a pgxmock pool.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Options configures the Postgres store.
type Options struct {
	// ConnString is a pgx connection string.
	ConnString string

	// TablePrefix prepends every table name. Default "wf_".
	TablePrefix string

	// PrefixColumns are static filter columns (for example a tenant id)
	// added to the job and rate tables. Inserts, claims, Size and the rate
	// queries apply them; operations on a single job by id do not.
	PrefixColumns map[string]string
}

// Store implements store.JobStore, store.RateStore and store.CheckpointStore
// on PostgreSQL.
type Store struct {
	pool   DBPool
	prefix string

	prefixCols []string // sorted for deterministic SQL
	prefixVals []any
}

var (
	_ store.JobStore        = (*Store)(nil)
	_ store.RateStore       = (*Store)(nil)
	_ store.CheckpointStore = (*Store)(nil)
)

// New connects a pool and returns the store. Call SetupDatabase before
// first use.
func New(ctx context.Context, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return NewWithPool(pool, opts), nil
}

// NewWithPool wraps an existing pool. Useful for testing with mocks.
func NewWithPool(pool DBPool, opts Options) *Store {
	prefix := opts.TablePrefix
	if prefix == "" {
		prefix = "wf_"
	}
	cols := make([]string, 0, len(opts.PrefixColumns))
	for c := range opts.PrefixColumns {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = opts.PrefixColumns[c]
	}
	return &Store{pool: pool, prefix: prefix, prefixCols: cols, prefixVals: vals}
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) table(name string) string {
	return s.prefix + name
}

// prefixDDL renders the extra prefix columns for CREATE TABLE.
func (s *Store) prefixDDL() string {
	var sb strings.Builder
	for _, c := range s.prefixCols {
		sb.WriteString(", ")
		sb.WriteString(c)
		sb.WriteString(" TEXT NOT NULL DEFAULT ''")
	}
	return sb.String()
}

// prefixWhere renders "AND col = $N" fragments with placeholders starting
// at next, plus the matching args.
func (s *Store) prefixWhere(next int) (string, []any) {
	var sb strings.Builder
	for i, c := range s.prefixCols {
		fmt.Fprintf(&sb, " AND %s = $%d", c, next+i)
	}
	return sb.String(), append([]any(nil), s.prefixVals...)
}

// prefixInsert renders extra column names and placeholders starting at next.
func (s *Store) prefixInsert(next int) (cols string, marks string, args []any) {
	for i, c := range s.prefixCols {
		cols += ", " + c
		marks += fmt.Sprintf(", $%d", next+i)
	}
	return cols, marks, append([]any(nil), s.prefixVals...)
}

func pkSuffix(cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	return ", " + strings.Join(cols, ", ")
}

// SetupDatabase creates the tables and indexes.
func (s *Store) SetupDatabase(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input JSONB,
			output JSONB,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			scheduled_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			last_error TEXT,
			progress INTEGER NOT NULL DEFAULT 0,
			progress_message TEXT%s
		)`, s.table("jobs"), s.prefixDDL()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_claim ON %s (queue_name, status, scheduled_at)`,
			s.table("jobs"), s.table("jobs")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			queue_name TEXT NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL%s
		)`, s.table("rate_limit_executions"), s.prefixDDL()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_window ON %s (queue_name, executed_at)`,
			s.table("rate_limit_executions"), s.table("rate_limit_executions")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			queue_name TEXT NOT NULL,
			next_available_at TIMESTAMPTZ NOT NULL%s,
			PRIMARY KEY (queue_name%s)
		)`, s.table("rate_limit_next_available"), s.prefixDDL(), pkSuffix(s.prefixCols)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			parent_id TEXT,
			graph BYTEA NOT NULL,
			task_states BYTEA NOT NULL,
			dataflow_states BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			iteration_parent_task_id TEXT,
			extra JSONB
		)`, s.table("checkpoints")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_thread ON %s (thread_id, created_at)`,
			s.table("checkpoints"), s.table("checkpoints")),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: setup: %w", err)
		}
	}
	return nil
}

// --- JobStore ---

// Enqueue inserts the record as PENDING.
func (s *Store) Enqueue(ctx context.Context, job *store.JobRecord) error {
	scheduled := job.ScheduledAt
	if scheduled.IsZero() {
		scheduled = time.Now()
	}
	cols, marks, args := s.prefixInsert(8)
	query := fmt.Sprintf(`INSERT INTO %s
		(id, queue_name, status, input, attempts, max_attempts, scheduled_at, progress%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0%s)`, s.table("jobs"), cols, marks)
	all := append([]any{
		job.ID, job.Queue, string(store.JobPending), []byte(job.Input),
		job.Attempts, job.MaxAttempts, scheduled,
	}, args...)
	if _, err := s.pool.Exec(ctx, query, all...); err != nil {
		return fmt.Errorf("postgres: enqueue: %w", err)
	}
	return nil
}

const jobColumns = `id, queue_name, status, input, output, attempts, max_attempts,
	scheduled_at, started_at, completed_at, last_error, progress, progress_message`

// ClaimNext atomically claims one due PENDING job using SKIP LOCKED.
func (s *Store) ClaimNext(ctx context.Context, queue string, now time.Time) (*store.JobRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim begin: %w", err)
	}
	defer tx.Rollback(ctx)

	where, args := s.prefixWhere(4)
	selectQuery := fmt.Sprintf(`SELECT id FROM %s
		WHERE queue_name = $1 AND status = $2 AND scheduled_at <= $3%s
		ORDER BY scheduled_at, id LIMIT 1
		FOR UPDATE SKIP LOCKED`, s.table("jobs"), where)

	var id string
	all := append([]any{queue, string(store.JobPending), now}, args...)
	err = tx.QueryRow(ctx, selectQuery, all...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: claim select: %w", err)
	}

	updateQuery := fmt.Sprintf(`UPDATE %s SET status = $1, started_at = $2 WHERE id = $3
		RETURNING `+jobColumns, s.table("jobs"))
	rec, err := scanJob(tx.QueryRow(ctx, updateQuery, string(store.JobProcessing), now, id))
	if err != nil {
		return nil, fmt.Errorf("postgres: claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: claim commit: %w", err)
	}
	return rec, nil
}

// Complete marks the job COMPLETED.
func (s *Store) Complete(ctx context.Context, jobID string, output json.RawMessage) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1, output = $2, completed_at = $3, progress = 100
		WHERE id = $4`, s.table("jobs"))
	return s.execOne(ctx, query, string(store.JobCompleted), []byte(output), time.Now(), jobID)
}

// Fail retries or terminally fails the job.
func (s *Store) Fail(ctx context.Context, jobID string, jobErr string, retryAt *time.Time) error {
	if retryAt != nil {
		query := fmt.Sprintf(`UPDATE %s SET status = $1, last_error = $2, attempts = attempts + 1,
			scheduled_at = $3, started_at = NULL WHERE id = $4`, s.table("jobs"))
		return s.execOne(ctx, query, string(store.JobPending), jobErr, *retryAt, jobID)
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $1, last_error = $2, attempts = attempts + 1,
		completed_at = $3 WHERE id = $4`, s.table("jobs"))
	return s.execOne(ctx, query, string(store.JobFailed), jobErr, time.Now(), jobID)
}

// SetProgress updates progress and message.
func (s *Store) SetProgress(ctx context.Context, jobID string, progress int, message string) error {
	query := fmt.Sprintf(`UPDATE %s SET progress = $1, progress_message = $2 WHERE id = $3`, s.table("jobs"))
	return s.execOne(ctx, query, progress, message, jobID)
}

// Abort marks a non-terminal job ABORTING.
func (s *Store) Abort(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE id = $2 AND status IN ($3, $4)`, s.table("jobs"))
	_, err := s.pool.Exec(ctx, query,
		string(store.JobAborting), jobID, string(store.JobPending), string(store.JobProcessing))
	if err != nil {
		return fmt.Errorf("postgres: abort: %w", err)
	}
	return nil
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table("jobs"))
	if _, err := s.pool.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("postgres: delete: %w", err)
	}
	return nil
}

// Get returns the record by id.
func (s *Store) Get(ctx context.Context, jobID string) (*store.JobRecord, error) {
	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM %s WHERE id = $1`, s.table("jobs"))
	rec, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get: %w", err)
	}
	return rec, nil
}

// Size counts non-terminal jobs on the queue.
func (s *Store) Size(ctx context.Context, queue string) (int, error) {
	where, args := s.prefixWhere(5)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue_name = $1 AND status IN ($2, $3, $4)%s`,
		s.table("jobs"), where)
	all := append([]any{
		queue, string(store.JobPending), string(store.JobProcessing), string(store.JobAborting),
	}, args...)
	var n int
	if err := s.pool.QueryRow(ctx, query, all...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: size: %w", err)
	}
	return n, nil
}

// Subscribe is not supported; callers fall back to polling.
// LISTEN/NOTIFY support would slot in here.
func (s *Store) Subscribe(string, store.JobEvent, func(*store.JobRecord)) func() {
	return nil
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*store.JobRecord, error) {
	var rec store.JobRecord
	var status string
	var input, output []byte
	var started, completed *time.Time
	var lastErr, progressMsg *string

	err := row.Scan(
		&rec.ID, &rec.Queue, &status, &input, &output,
		&rec.Attempts, &rec.MaxAttempts, &rec.ScheduledAt,
		&started, &completed, &lastErr, &rec.Progress, &progressMsg,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = store.JobStatus(status)
	rec.Input = json.RawMessage(input)
	rec.Output = json.RawMessage(output)
	rec.StartedAt = started
	rec.CompletedAt = completed
	if lastErr != nil {
		rec.LastError = *lastErr
	}
	if progressMsg != nil {
		rec.ProgressMsg = *progressMsg
	}
	return &rec, nil
}

// --- RateStore ---

// RecordExecution appends an execution record.
func (s *Store) RecordExecution(ctx context.Context, queue string, at time.Time) error {
	cols, marks, args := s.prefixInsert(3)
	query := fmt.Sprintf(`INSERT INTO %s (queue_name, executed_at%s) VALUES ($1, $2%s)`,
		s.table("rate_limit_executions"), cols, marks)
	all := append([]any{queue, at}, args...)
	if _, err := s.pool.Exec(ctx, query, all...); err != nil {
		return fmt.Errorf("postgres: record execution: %w", err)
	}
	return nil
}

// CountExecutionsSince counts executions newer than since.
func (s *Store) CountExecutionsSince(ctx context.Context, queue string, since time.Time) (int, error) {
	where, args := s.prefixWhere(3)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue_name = $1 AND executed_at > $2%s`,
		s.table("rate_limit_executions"), where)
	all := append([]any{queue, since}, args...)
	var n int
	if err := s.pool.QueryRow(ctx, query, all...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count executions: %w", err)
	}
	return n, nil
}

// OldestExecutionSince returns the oldest execution newer than since.
func (s *Store) OldestExecutionSince(ctx context.Context, queue string, since time.Time) (time.Time, bool, error) {
	where, args := s.prefixWhere(3)
	query := fmt.Sprintf(`SELECT MIN(executed_at) FROM %s WHERE queue_name = $1 AND executed_at > $2%s`,
		s.table("rate_limit_executions"), where)
	all := append([]any{queue, since}, args...)
	var at *time.Time
	if err := s.pool.QueryRow(ctx, query, all...).Scan(&at); err != nil {
		return time.Time{}, false, fmt.Errorf("postgres: oldest execution: %w", err)
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

// SetNextAvailable stores the queue's next admission bound.
func (s *Store) SetNextAvailable(ctx context.Context, queue string, at time.Time) error {
	cols, marks, args := s.prefixInsert(3)
	query := fmt.Sprintf(`INSERT INTO %s (queue_name, next_available_at%s) VALUES ($1, $2%s)
		ON CONFLICT (queue_name%s) DO UPDATE SET next_available_at = EXCLUDED.next_available_at`,
		s.table("rate_limit_next_available"), cols, marks, pkSuffix(s.prefixCols))
	all := append([]any{queue, at}, args...)
	if _, err := s.pool.Exec(ctx, query, all...); err != nil {
		return fmt.Errorf("postgres: set next available: %w", err)
	}
	return nil
}

// NextAvailable reads the queue's next admission bound.
func (s *Store) NextAvailable(ctx context.Context, queue string) (time.Time, bool, error) {
	where, args := s.prefixWhere(2)
	query := fmt.Sprintf(`SELECT next_available_at FROM %s WHERE queue_name = $1%s`,
		s.table("rate_limit_next_available"), where)
	all := append([]any{queue}, args...)
	var at time.Time
	err := s.pool.QueryRow(ctx, query, all...).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("postgres: next available: %w", err)
	}
	return at, true, nil
}

// PruneExecutionsBefore drops records older than cutoff.
func (s *Store) PruneExecutionsBefore(ctx context.Context, queue string, cutoff time.Time) error {
	where, args := s.prefixWhere(3)
	query := fmt.Sprintf(`DELETE FROM %s WHERE queue_name = $1 AND executed_at < $2%s`,
		s.table("rate_limit_executions"), where)
	all := append([]any{queue, cutoff}, args...)
	if _, err := s.pool.Exec(ctx, query, all...); err != nil {
		return fmt.Errorf("postgres: prune executions: %w", err)
	}
	return nil
}

// --- CheckpointStore ---

// Save stores the checkpoint.
func (s *Store) Save(ctx context.Context, cp *store.Checkpoint) error {
	extra, err := json.Marshal(cp.Metadata.Extra)
	if err != nil {
		return fmt.Errorf("postgres: checkpoint save: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(id, thread_id, parent_id, graph, task_states, dataflow_states, created_at, iteration_parent_task_id, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id, parent_id = EXCLUDED.parent_id,
			graph = EXCLUDED.graph, task_states = EXCLUDED.task_states,
			dataflow_states = EXCLUDED.dataflow_states, created_at = EXCLUDED.created_at,
			iteration_parent_task_id = EXCLUDED.iteration_parent_task_id, extra = EXCLUDED.extra`,
		s.table("checkpoints"))
	_, err = s.pool.Exec(ctx, query,
		cp.ID, cp.ThreadID, cp.ParentID, cp.Graph, cp.TaskStates, cp.DataflowStates,
		cp.Metadata.CreatedAt, cp.Metadata.IterationParentTaskID, extra)
	if err != nil {
		return fmt.Errorf("postgres: checkpoint save: %w", err)
	}
	return nil
}

const checkpointColumns = `id, thread_id, parent_id, graph, task_states, dataflow_states,
	created_at, iteration_parent_task_id, extra`

// Load returns the checkpoint by id.
func (s *Store) Load(ctx context.Context, id string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT `+checkpointColumns+` FROM %s WHERE id = $1`, s.table("checkpoints"))
	cp, err := scanCheckpoint(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: checkpoint get: %w", err)
	}
	return cp, nil
}

// Latest returns the thread's most recent checkpoint.
func (s *Store) Latest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT `+checkpointColumns+` FROM %s WHERE thread_id = $1
		ORDER BY created_at DESC LIMIT 1`, s.table("checkpoints"))
	cp, err := scanCheckpoint(s.pool.QueryRow(ctx, query, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: checkpoint latest: %w", err)
	}
	return cp, nil
}

// History returns the thread's checkpoints, oldest first.
func (s *Store) History(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT `+checkpointColumns+` FROM %s WHERE thread_id = $1
		ORDER BY created_at ASC`, s.table("checkpoints"))
	rows, err := s.pool.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: checkpoint history: %w", err)
	}
	defer rows.Close()

	var out []*store.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: checkpoint history: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: checkpoint history: %w", err)
	}
	return out, nil
}

// DeleteThread removes the thread's checkpoints.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1`, s.table("checkpoints"))
	if _, err := s.pool.Exec(ctx, query, threadID); err != nil {
		return fmt.Errorf("postgres: checkpoint delete thread: %w", err)
	}
	return nil
}

func scanCheckpoint(row pgx.Row) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var parent, iterParent *string
	var extra []byte
	err := row.Scan(
		&cp.ID, &cp.ThreadID, &parent, &cp.Graph, &cp.TaskStates, &cp.DataflowStates,
		&cp.Metadata.CreatedAt, &iterParent, &extra,
	)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		cp.ParentID = *parent
	}
	if iterParent != nil {
		cp.Metadata.IterationParentTaskID = *iterParent
	}
	if len(extra) > 0 && string(extra) != "null" {
		if err := json.Unmarshal(extra, &cp.Metadata.Extra); err != nil {
			return nil, err
		}
	}
	return &cp, nil
}
