// ABOUTME: In-memory TaskStore for tests and local runs
// ABOUTME: Same replace/claim/due semantics as the durable stores

package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryTaskStore keeps pending tasks in a map.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]Task
}

// NewMemoryTaskStore creates an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]Task)}
}

func (m *MemoryTaskStore) Replace(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *MemoryTaskStore) Claim(_ context.Context, task Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tasks[task.ID]
	if !ok || !current.RunAt.Equal(task.RunAt) {
		return false, nil
	}
	delete(m.tasks, task.ID)
	return true, nil
}

func (m *MemoryTaskStore) Due(_ context.Context, now time.Time, limit int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Task
	for _, t := range m.tasks {
		if !t.RunAt.After(now) {
			due = append(due, t)
		}
	}
	sortTasks(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryTaskStore) List(_ context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, t)
	}
	sortTasks(all)
	return all, nil
}

func (m *MemoryTaskStore) RemoveUser(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.tasks {
		if t.UserID == userID {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryTaskStore) Close() error { return nil }

// sortTasks orders by RunAt, then ID for a stable order among equal times.
func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].RunAt.Equal(tasks[j].RunAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].RunAt.Before(tasks[j].RunAt)
	})
}
