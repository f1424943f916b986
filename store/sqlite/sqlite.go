// Package sqlite implements the store contracts on an embedded SQLite
// database via mattn/go-sqlite3. Job claims are single UPDATE ... RETURNING
// statements, which SQLite executes atomically, so at most one claimant
// receives a given job.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/workflowgo/store"
)

// Options configures the SQLite store.
type Options struct {
	// Path is the database file path, or ":memory:".
	Path string

	// TablePrefix prepends every table name. Default "wf_".
	TablePrefix string

	// PrefixColumns are static filter columns (for example a tenant id)
	// added to the job and rate tables. Inserts, claims, Size and the rate
	// queries apply them; operations on a single job by id do not.
	PrefixColumns map[string]string
}

// Store implements store.JobStore, store.RateStore, store.CacheStore and
// store.CheckpointStore on SQLite.
type Store struct {
	db     *sql.DB
	prefix string

	prefixCols []string // sorted for deterministic SQL
	prefixVals []any
}

var (
	_ store.JobStore        = (*Store)(nil)
	_ store.RateStore       = (*Store)(nil)
	_ store.CacheStore      = (*Store)(nil)
	_ store.CheckpointStore = (*Store)(nil)
)

// New opens the database and creates the schema.
func New(opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// storms under concurrent claims.
	db.SetMaxOpenConns(1)

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

	s := &Store{db: db, prefix: prefix, prefixCols: cols, prefixVals: vals}
	if err := s.setupDatabase(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
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

// prefixWhere renders "AND col = ?" fragments and the matching args.
func (s *Store) prefixWhere() (string, []any) {
	var sb strings.Builder
	for _, c := range s.prefixCols {
		sb.WriteString(" AND ")
		sb.WriteString(c)
		sb.WriteString(" = ?")
	}
	return sb.String(), append([]any(nil), s.prefixVals...)
}

func (s *Store) prefixInsert() (cols string, marks string, args []any) {
	for _, c := range s.prefixCols {
		cols += ", " + c
		marks += ", ?"
	}
	return cols, marks, append([]any(nil), s.prefixVals...)
}

func (s *Store) setupDatabase(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			output BLOB,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			scheduled_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			last_error TEXT,
			progress INTEGER NOT NULL DEFAULT 0,
			progress_message TEXT%s
		)`, s.table("jobs"), s.prefixDDL()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_claim ON %s (queue_name, status, scheduled_at)`,
			s.table("jobs"), s.table("jobs")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			queue_name TEXT NOT NULL,
			executed_at DATETIME NOT NULL%s
		)`, s.table("rate_limit_executions"), s.prefixDDL()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_window ON %s (queue_name, executed_at)`,
			s.table("rate_limit_executions"), s.table("rate_limit_executions")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			queue_name TEXT NOT NULL,
			next_available_at DATETIME NOT NULL%s,
			PRIMARY KEY (queue_name%s)
		)`, s.table("rate_limit_next_available"), s.prefixDDL(), pkSuffix(s.prefixCols)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			task_type TEXT NOT NULL,
			output BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`, s.table("task_outputs")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			parent_id TEXT,
			graph BLOB NOT NULL,
			task_states BLOB NOT NULL,
			dataflow_states BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			iteration_parent_task_id TEXT,
			extra TEXT
		)`, s.table("checkpoints")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_thread ON %s (thread_id, created_at)`,
			s.table("checkpoints"), s.table("checkpoints")),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: setup: %w", err)
		}
	}
	return nil
}

func pkSuffix(cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	return ", " + strings.Join(cols, ", ")
}

// --- JobStore ---

// Enqueue inserts the record as PENDING.
func (s *Store) Enqueue(ctx context.Context, job *store.JobRecord) error {
	scheduled := job.ScheduledAt
	if scheduled.IsZero() {
		scheduled = time.Now()
	}
	cols, marks, args := s.prefixInsert()
	query := fmt.Sprintf(`INSERT INTO %s
		(id, queue_name, status, input, attempts, max_attempts, scheduled_at, progress%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0%s)`, s.table("jobs"), cols, marks)

	all := append([]any{
		job.ID, job.Queue, string(store.JobPending), []byte(job.Input),
		job.Attempts, job.MaxAttempts, scheduled,
	}, args...)
	if _, err := s.db.ExecContext(ctx, query, all...); err != nil {
		return fmt.Errorf("sqlite: enqueue: %w", err)
	}
	return nil
}

const jobColumns = `id, queue_name, status, input, output, attempts, max_attempts,
	scheduled_at, started_at, completed_at, last_error, progress, progress_message`

// ClaimNext atomically claims one due PENDING job.
func (s *Store) ClaimNext(ctx context.Context, queue string, now time.Time) (*store.JobRecord, error) {
	where, args := s.prefixWhere()
	query := fmt.Sprintf(`UPDATE %[1]s SET status = ?, started_at = ?
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE queue_name = ? AND status = ? AND scheduled_at <= ?%[2]s
			ORDER BY scheduled_at, id LIMIT 1
		)
		RETURNING `+jobColumns, s.table("jobs"), where)

	all := append([]any{
		string(store.JobProcessing), now,
		queue, string(store.JobPending), now,
	}, args...)

	rec, err := scanJob(s.db.QueryRowContext(ctx, query, all...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim: %w", err)
	}
	return rec, nil
}

// Complete marks the job COMPLETED.
func (s *Store) Complete(ctx context.Context, jobID string, output json.RawMessage) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, output = ?, completed_at = ?, progress = 100
		WHERE id = ?`, s.table("jobs"))
	return s.execOne(ctx, query, string(store.JobCompleted), []byte(output), time.Now(), jobID)
}

// Fail retries or terminally fails the job.
func (s *Store) Fail(ctx context.Context, jobID string, jobErr string, retryAt *time.Time) error {
	if retryAt != nil {
		query := fmt.Sprintf(`UPDATE %s SET status = ?, last_error = ?, attempts = attempts + 1,
			scheduled_at = ?, started_at = NULL WHERE id = ?`, s.table("jobs"))
		return s.execOne(ctx, query, string(store.JobPending), jobErr, *retryAt, jobID)
	}
	query := fmt.Sprintf(`UPDATE %s SET status = ?, last_error = ?, attempts = attempts + 1,
		completed_at = ? WHERE id = ?`, s.table("jobs"))
	return s.execOne(ctx, query, string(store.JobFailed), jobErr, time.Now(), jobID)
}

// SetProgress updates progress and message.
func (s *Store) SetProgress(ctx context.Context, jobID string, progress int, message string) error {
	query := fmt.Sprintf(`UPDATE %s SET progress = ?, progress_message = ? WHERE id = ?`, s.table("jobs"))
	return s.execOne(ctx, query, progress, message, jobID)
}

// Abort marks a non-terminal job ABORTING.
func (s *Store) Abort(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ? AND status IN (?, ?)`, s.table("jobs"))
	_, err := s.db.ExecContext(ctx, query,
		string(store.JobAborting), jobID, string(store.JobPending), string(store.JobProcessing))
	if err != nil {
		return fmt.Errorf("sqlite: abort: %w", err)
	}
	return nil
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table("jobs"))
	if _, err := s.db.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("sqlite: delete: %w", err)
	}
	return nil
}

// Get returns the record by id.
func (s *Store) Get(ctx context.Context, jobID string) (*store.JobRecord, error) {
	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM %s WHERE id = ?`, s.table("jobs"))
	rec, err := scanJob(s.db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get: %w", err)
	}
	return rec, nil
}

// Size counts non-terminal jobs on the queue.
func (s *Store) Size(ctx context.Context, queue string) (int, error) {
	where, args := s.prefixWhere()
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue_name = ? AND status IN (?, ?, ?)%s`,
		s.table("jobs"), where)
	all := append([]any{
		queue, string(store.JobPending), string(store.JobProcessing), string(store.JobAborting),
	}, args...)
	var n int
	if err := s.db.QueryRowContext(ctx, query, all...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: size: %w", err)
	}
	return n, nil
}

// Subscribe is not supported; callers fall back to polling.
func (s *Store) Subscribe(string, store.JobEvent, func(*store.JobRecord)) func() {
	return nil
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: exec: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*store.JobRecord, error) {
	var rec store.JobRecord
	var status string
	var input, output []byte
	var started, completed sql.NullTime
	var lastErr, progressMsg sql.NullString

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
	if started.Valid {
		t := started.Time
		rec.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	rec.LastError = lastErr.String
	rec.ProgressMsg = progressMsg.String
	return &rec, nil
}

// --- RateStore ---

// RecordExecution appends an execution record.
func (s *Store) RecordExecution(ctx context.Context, queue string, at time.Time) error {
	cols, marks, args := s.prefixInsert()
	query := fmt.Sprintf(`INSERT INTO %s (queue_name, executed_at%s) VALUES (?, ?%s)`,
		s.table("rate_limit_executions"), cols, marks)
	all := append([]any{queue, at}, args...)
	if _, err := s.db.ExecContext(ctx, query, all...); err != nil {
		return fmt.Errorf("sqlite: record execution: %w", err)
	}
	return nil
}

// CountExecutionsSince counts executions newer than since.
func (s *Store) CountExecutionsSince(ctx context.Context, queue string, since time.Time) (int, error) {
	where, args := s.prefixWhere()
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue_name = ? AND executed_at > ?%s`,
		s.table("rate_limit_executions"), where)
	var n int
	all := append([]any{queue, since}, args...)
	if err := s.db.QueryRowContext(ctx, query, all...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count executions: %w", err)
	}
	return n, nil
}

// OldestExecutionSince returns the oldest execution newer than since.
func (s *Store) OldestExecutionSince(ctx context.Context, queue string, since time.Time) (time.Time, bool, error) {
	where, args := s.prefixWhere()
	// Selecting the column itself (not MIN) keeps its DATETIME type, so the
	// driver returns a time.Time rather than the stored text.
	query := fmt.Sprintf(`SELECT executed_at FROM %s WHERE queue_name = ? AND executed_at > ?%s
		ORDER BY executed_at LIMIT 1`,
		s.table("rate_limit_executions"), where)
	var at time.Time
	all := append([]any{queue, since}, args...)
	err := s.db.QueryRowContext(ctx, query, all...).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sqlite: oldest execution: %w", err)
	}
	return at, true, nil
}

// SetNextAvailable stores the queue's next admission bound.
func (s *Store) SetNextAvailable(ctx context.Context, queue string, at time.Time) error {
	cols, marks, args := s.prefixInsert()
	query := fmt.Sprintf(`INSERT INTO %s (queue_name, next_available_at%s) VALUES (?, ?%s)
		ON CONFLICT(queue_name%s) DO UPDATE SET next_available_at = excluded.next_available_at`,
		s.table("rate_limit_next_available"), cols, marks, pkSuffix(s.prefixCols))
	all := append([]any{queue, at}, args...)
	if _, err := s.db.ExecContext(ctx, query, all...); err != nil {
		return fmt.Errorf("sqlite: set next available: %w", err)
	}
	return nil
}

// NextAvailable reads the queue's next admission bound.
func (s *Store) NextAvailable(ctx context.Context, queue string) (time.Time, bool, error) {
	where, args := s.prefixWhere()
	query := fmt.Sprintf(`SELECT next_available_at FROM %s WHERE queue_name = ?%s`,
		s.table("rate_limit_next_available"), where)
	var at time.Time
	all := append([]any{queue}, args...)
	err := s.db.QueryRowContext(ctx, query, all...).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sqlite: next available: %w", err)
	}
	return at, true, nil
}

// PruneExecutionsBefore drops records older than cutoff.
func (s *Store) PruneExecutionsBefore(ctx context.Context, queue string, cutoff time.Time) error {
	where, args := s.prefixWhere()
	query := fmt.Sprintf(`DELETE FROM %s WHERE queue_name = ? AND executed_at < ?%s`,
		s.table("rate_limit_executions"), where)
	all := append([]any{queue, cutoff}, args...)
	if _, err := s.db.ExecContext(ctx, query, all...); err != nil {
		return fmt.Errorf("sqlite: prune executions: %w", err)
	}
	return nil
}

// --- CacheStore ---

// GetOutput returns the cached entry for key.
func (s *Store) GetOutput(ctx context.Context, key string) (*store.CacheEntry, error) {
	query := fmt.Sprintf(`SELECT key, task_type, output, created_at FROM %s WHERE key = ?`,
		s.table("task_outputs"))
	var entry store.CacheEntry
	var output []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&entry.Key, &entry.TaskType, &output, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: cache get: %w", err)
	}
	entry.Output = json.RawMessage(output)
	return &entry, nil
}

// PutOutput stores the entry.
func (s *Store) PutOutput(ctx context.Context, entry *store.CacheEntry) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, task_type, output, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET task_type = excluded.task_type,
			output = excluded.output, created_at = excluded.created_at`,
		s.table("task_outputs"))
	if _, err := s.db.ExecContext(ctx, query,
		entry.Key, entry.TaskType, []byte(entry.Output), entry.CreatedAt); err != nil {
		return fmt.Errorf("sqlite: cache put: %w", err)
	}
	return nil
}

// InvalidateOutput removes the entry for key.
func (s *Store) InvalidateOutput(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table("task_outputs"))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("sqlite: cache invalidate: %w", err)
	}
	return nil
}

// --- CheckpointStore ---

// Save stores the checkpoint.
func (s *Store) Save(ctx context.Context, cp *store.Checkpoint) error {
	extra, err := json.Marshal(cp.Metadata.Extra)
	if err != nil {
		return fmt.Errorf("sqlite: checkpoint save: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(id, thread_id, parent_id, graph, task_states, dataflow_states, created_at, iteration_parent_task_id, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id, parent_id = excluded.parent_id,
			graph = excluded.graph, task_states = excluded.task_states,
			dataflow_states = excluded.dataflow_states, created_at = excluded.created_at,
			iteration_parent_task_id = excluded.iteration_parent_task_id, extra = excluded.extra`,
		s.table("checkpoints"))
	if _, err := s.db.ExecContext(ctx, query,
		cp.ID, cp.ThreadID, cp.ParentID, cp.Graph, cp.TaskStates, cp.DataflowStates,
		cp.Metadata.CreatedAt, cp.Metadata.IterationParentTaskID, string(extra)); err != nil {
		return fmt.Errorf("sqlite: checkpoint save: %w", err)
	}
	return nil
}

const checkpointColumns = `id, thread_id, parent_id, graph, task_states, dataflow_states,
	created_at, iteration_parent_task_id, extra`

// Load returns the checkpoint by id.
func (s *Store) Load(ctx context.Context, id string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT `+checkpointColumns+` FROM %s WHERE id = ?`, s.table("checkpoints"))
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: checkpoint get: %w", err)
	}
	return cp, nil
}

// Latest returns the thread's most recent checkpoint.
func (s *Store) Latest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT `+checkpointColumns+` FROM %s WHERE thread_id = ?
		ORDER BY created_at DESC LIMIT 1`, s.table("checkpoints"))
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: checkpoint latest: %w", err)
	}
	return cp, nil
}

// History returns the thread's checkpoints, oldest first.
func (s *Store) History(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT `+checkpointColumns+` FROM %s WHERE thread_id = ?
		ORDER BY created_at ASC`, s.table("checkpoints"))
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: checkpoint history: %w", err)
	}
	defer rows.Close()

	var out []*store.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: checkpoint history: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: checkpoint history: %w", err)
	}
	return out, nil
}

// DeleteThread removes the thread's checkpoints.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE thread_id = ?`, s.table("checkpoints"))
	if _, err := s.db.ExecContext(ctx, query, threadID); err != nil {
		return fmt.Errorf("sqlite: checkpoint delete thread: %w", err)
	}
	return nil
}

func scanCheckpoint(row rowScanner) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var parent, iterParent, extra sql.NullString
	err := row.Scan(
		&cp.ID, &cp.ThreadID, &parent, &cp.Graph, &cp.TaskStates, &cp.DataflowStates,
		&cp.Metadata.CreatedAt, &iterParent, &extra,
	)
	if err != nil {
		return nil, err
	}
	cp.ParentID = parent.String
	cp.Metadata.IterationParentTaskID = iterParent.String
	if extra.Valid && extra.String != "" && extra.String != "null" {
		if err := json.Unmarshal([]byte(extra.String), &cp.Metadata.Extra); err != nil {
			return nil, err
		}
	}
	return &cp, nil
}
