// ABOUTME: Lead model handed to the system of record after handoff
// ABOUTME: Maps handover reasons to human comments and flags lost leads

package export

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrNotConfigured is returned when no export backend is set up.
var ErrNotConfigured = errors.New("export backend not configured")

// Lead is one handed-over conversation.
type Lead struct {
	UserID  string
	Address string
	// Stage is where the conversation was when it was handed over.
	Stage   string
	Reason  string
	Comment string
	// Lost marks refusals, explicit or silent.
	Lost         bool
	Fields       map[string]any
	HandedOverAt time.Time
}

// Exporter writes leads to the system of record. Export must be an upsert
// keyed by UserID.
type Exporter interface {
	Export(ctx context.Context, lead Lead) error
}

var reasonComments = map[string]string{
	"client_requested_contact": "Client asked to talk to a person.",
	"price_negotiation":        "Client wants to discuss price or payment.",
	"client_declined":          "Client declined the order.",
	"could_not_collect_info":   "Could not collect the required details.",
	"info_collected":           "All required details collected.",
	"no_response_after_2":      "No reply after two reminders.",
	"unknown_stage":            "Conversation reached an unknown stage.",
}

var refusalReasons = map[string]bool{
	"client_declined":     true,
	"no_response_after_2": true,
}

// Comment returns the human-readable explanation of a handover reason.
func Comment(reason string) string {
	if c, ok := reasonComments[reason]; ok {
		return c
	}
	return reason
}

// IsRefusal reports whether the reason means the lead was lost.
func IsRefusal(reason string) bool {
	return refusalReasons[reason]
}

// LogExporter only logs leads. It stands in when no database is configured.
type LogExporter struct {
	logger *slog.Logger
}

// NewLogExporter creates a log-only exporter.
func NewLogExporter(logger *slog.Logger) *LogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExporter{logger: logger.With("component", "export")}
}

func (l *LogExporter) Export(_ context.Context, lead Lead) error {
	l.logger.Info("lead exported (log only)",
		"user_id", lead.UserID,
		"stage", lead.Stage,
		"reason", lead.Reason,
		"lost", lead.Lost,
		"fields", len(lead.Fields),
	)
	return nil
}
