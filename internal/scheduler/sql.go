// ABOUTME: Durable TaskStore backed by SQLite through sqlx
// ABOUTME: Rows are (job_id, run_at, misfire_grace, user_id, task_reference)

package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const taskSchema = `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	job_id         TEXT PRIMARY KEY,
	run_at         INTEGER NOT NULL,
	misfire_grace  INTEGER NOT NULL,
	user_id        TEXT NOT NULL,
	task_reference TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_run_at ON scheduled_tasks(run_at);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_user ON scheduled_tasks(user_id);
`

// taskRow is the persisted form. run_at is unix nanoseconds, misfire_grace seconds.
type taskRow struct {
	JobID        string `db:"job_id"`
	RunAt        int64  `db:"run_at"`
	MisfireGrace int64  `db:"misfire_grace"`
	UserID       string `db:"user_id"`
	Ref          string `db:"task_reference"`
}

func toRow(t Task) taskRow {
	return taskRow{
		JobID:        t.ID,
		RunAt:        t.RunAt.UnixNano(),
		MisfireGrace: int64(t.MisfireGrace / time.Second),
		UserID:       t.UserID,
		Ref:          t.Ref,
	}
}

func (r taskRow) task() Task {
	return Task{
		ID:           r.JobID,
		UserID:       r.UserID,
		Ref:          r.Ref,
		RunAt:        time.Unix(0, r.RunAt).UTC(),
		MisfireGrace: time.Duration(r.MisfireGrace) * time.Second,
	}
}

// SQLTaskStore persists tasks in SQLite so they survive restarts.
type SQLTaskStore struct {
	db *sqlx.DB
}

// NewSQLTaskStore opens (or creates) the task table in the database at path.
func NewSQLTaskStore(path string) (*SQLTaskStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(taskSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLTaskStore{db: db}, nil
}

func (s *SQLTaskStore) Replace(ctx context.Context, task Task) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE job_id = ?`, task.ID); err != nil {
		return fmt.Errorf("removing previous task: %w", err)
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO scheduled_tasks (job_id, run_at, misfire_grace, user_id, task_reference)
		VALUES (:job_id, :run_at, :misfire_grace, :user_id, :task_reference)
	`, toRow(task))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return tx.Commit()
}

func (s *SQLTaskStore) Claim(ctx context.Context, task Task) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_tasks WHERE job_id = ? AND run_at = ?`,
		task.ID, task.RunAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	return n == 1, nil
}

func (s *SQLTaskStore) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT job_id, run_at, misfire_grace, user_id, task_reference
		FROM scheduled_tasks
		WHERE run_at <= ?
		ORDER BY run_at, job_id
		LIMIT ?
	`, now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due tasks: %w", err)
	}
	return rowsToTasks(rows), nil
}

func (s *SQLTaskStore) List(ctx context.Context) ([]Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT job_id, run_at, misfire_grace, user_id, task_reference
		FROM scheduled_tasks
		ORDER BY run_at, job_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return rowsToTasks(rows), nil
}

func (s *SQLTaskStore) RemoveUser(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("removing user tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("removing user tasks: %w", err)
	}
	return int(n), nil
}

func (s *SQLTaskStore) Close() error {
	return s.db.Close()
}

func rowsToTasks(rows []taskRow) []Task {
	tasks := make([]Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.task())
	}
	return tasks
}
