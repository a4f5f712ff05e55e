// ABOUTME: JSON handlers for the authenticated admin API
// ABOUTME: Lists pending tasks, shows a conversation record and resets a user

package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/stagehand/internal/store"
)

// journalLimit caps the journal entries returned with a record.
const journalLimit = 50

// TaskResponse is one pending task.
type TaskResponse struct {
	ID     string `json:"job_id"`
	UserID string `json:"user_id"`
	Ref    string `json:"task_reference"`
	RunAt  string `json:"run_at"`
}

// ListTasksResponse is the JSON response for GET /tasks.
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// JournalResponse is one journal entry.
type JournalResponse struct {
	Direction string `json:"direction"`
	Stage     string `json:"stage,omitempty"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// RecordResponse is the JSON response for GET /records/{userID}.
type RecordResponse struct {
	UserID    string            `json:"user_id"`
	Fields    map[string]any    `json:"fields"`
	UpdatedAt string            `json:"updated_at"`
	Journal   []JournalResponse `json:"journal,omitempty"`
}

// Routes returns the admin API. The caller is responsible for authentication.
func (c *Commands) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/tasks", c.handleListTasks)
	r.Get("/records/{userID}", c.handleGetRecord)
	r.Post("/records/{userID}/reset", c.handleReset)
	return r
}

func (c *Commands) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := c.tasks.Pending(r.Context())
	if err != nil {
		c.logger.Error("listing tasks", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	resp := ListTasksResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, TaskResponse{
			ID:     t.ID,
			UserID: t.UserID,
			Ref:    t.Ref,
			RunAt:  t.RunAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *Commands) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	rec, err := c.store.Get(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		c.logger.Error("loading record", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}

	resp := RecordResponse{
		UserID:    rec.UserID,
		Fields:    rec.Fields,
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if c.journal != nil {
		entries, err := c.journal.ListJournal(r.Context(), userID, journalLimit)
		if err != nil {
			c.logger.Warn("loading journal", "user_id", userID, "error", err)
		}
		for _, e := range entries {
			resp.Journal = append(resp.Journal, JournalResponse{
				Direction: string(e.Direction),
				Stage:     e.Stage,
				Text:      e.Text,
				CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *Commands) handleReset(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := c.Reset(r.Context(), userID); err != nil {
		c.logger.Error("resetting user", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "user_id": userID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
