// ABOUTME: HTTP routes: health checks, the inbound event webhook and the admin API
// ABOUTME: The webhook feeds the router only; /admin routes require an admin JWT

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/stagehand/internal/auth"
	"github.com/2389/stagehand/internal/intake"
)

// maxEventBody caps the webhook request size.
const maxEventBody = 64 << 10

// EventRequest is the JSON body for POST /v1/events.
type EventRequest struct {
	MessageID string `json:"message_id,omitempty"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
	// Timestamp accepts unix seconds, unix milliseconds or RFC3339, as a
	// number or a string. Anything unparseable counts as absent.
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Address   string          `json:"address,omitempty"`
}

// EventResponse is the JSON response for POST /v1/events.
type EventResponse struct {
	Status string `json:"status"`
}

// Handler returns the HTTP routes.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	r.Post("/v1/events", g.handleEvent)

	if g.verifier != nil {
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin(g.verifier, g.logger))
			r.Mount("/admin", g.commands.Routes())
		})
	}
	return r
}

// handleEvent handles POST /v1/events.
func (g *Gateway) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	ev := intake.Event{
		ExternalID: req.MessageID,
		Text:       req.Text,
		UserID:     req.UserID,
		Timestamp:  intake.ParseTimestamp(strings.Trim(string(req.Timestamp), `"`)),
		Address:    req.Address,
	}
	// The sender is not authenticated here, so chat commands are not honored
	if err := g.router.Dispatch(r.Context(), ev); err != nil {
		g.logger.Error("dispatch failed", "user_id", ev.UserID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusAccepted, EventResponse{Status: "accepted"})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers and the scheduler loop runs.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.DB().PingContext(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if !g.scheduler.Running() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("scheduler not running"))
		return
	}
	pending, err := g.scheduler.Pending(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("task store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d pending tasks)", len(pending))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
