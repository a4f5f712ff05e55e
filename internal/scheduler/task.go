// ABOUTME: Scheduled task type and the pluggable TaskStore contract
// ABOUTME: Every backend offers the same replace/claim/due semantics

package scheduler

import (
	"context"
	"errors"
	"time"
)

// DefaultMisfireGrace is how late a task may fire and still run.
const DefaultMisfireGrace = 300 * time.Second

var (
	// ErrUnknownRef is returned when a task reference has no registered handler
	ErrUnknownRef = errors.New("unknown task reference")
	// ErrDuplicateRef is returned when registering a reference twice
	ErrDuplicateRef = errors.New("task reference already registered")
)

// Task is a single-shot delayed callback for one user.
type Task struct {
	ID           string        `json:"job_id"`
	UserID       string        `json:"user_id"`
	Ref          string        `json:"task_reference"`
	RunAt        time.Time     `json:"run_at"`
	MisfireGrace time.Duration `json:"misfire_grace"`
}

// TaskID builds the identity of a (user, reference) pair.
func TaskID(userID, ref string) string {
	return userID + ":" + ref
}

// TaskStore persists pending tasks.
type TaskStore interface {
	// Replace removes any task with the same ID and inserts the new one atomically.
	Replace(ctx context.Context, task Task) error
	// Claim removes the task only if it is still pending with the same RunAt.
	// It reports false when the task was replaced or already consumed.
	Claim(ctx context.Context, task Task) (bool, error)
	// Due returns up to limit tasks with RunAt <= now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
	// List returns every pending task, earliest first.
	List(ctx context.Context) ([]Task, error)
	// RemoveUser drops all pending tasks of a user and reports how many.
	RemoveUser(ctx context.Context, userID string) (int, error)
	Close() error
}
