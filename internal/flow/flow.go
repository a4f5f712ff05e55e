// ABOUTME: Default conversation flow: greeting, collect, handoff and export stages
// ABOUTME: Install wires the stages into a router and their timers into the registry

package flow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/stagehand/internal/export"
	"github.com/2389/stagehand/internal/llm"
	"github.com/2389/stagehand/internal/scheduler"
	"github.com/2389/stagehand/internal/stage"
	"github.com/2389/stagehand/internal/store"
	"github.com/2389/stagehand/internal/transport"
)

// Stage names.
const (
	Greeting = "greeting"
	Collect  = "collect"
)

// Task references owned by the flow. The collect reminders are named by
// the reminder chain ("collect:Reminder1" and so on).
const (
	RefGreetingAdvance = "greeting:Advance"
	RefExportRetry     = "export:Retry"
)

// Record keys owned by the flow.
const (
	keyGreetingSent   = "greeting_sent"
	keyIntroSent      = "collect_intro_sent"
	keyRefusedFields  = "refused_fields"
	keyOwnerNotified  = "owner_notified"
	keyClientNotified = "client_notified"
	keyExported       = "exported"
	keyExportedAt     = "exported_at"
	keyExportAttempts = "export_attempts"
	keyExportFailed   = "export_failed"
	keyMaterialsSent  = "materials_sent"
)

// ReasonInfoCollected is the handover reason when collection succeeded.
const ReasonInfoCollected = "info_collected"

// Config tunes the flow.
type Config struct {
	GreetingDelay  time.Duration
	RequiredFields []string
	MaxAttempts    int
	AllowMissing   int

	FirstReminder  time.Duration
	SecondReminder time.Duration
	FinalReminder  time.Duration

	ExportRetryDelay  time.Duration
	ExportMaxAttempts int
	// JournalLines is how many recent messages the owner summary quotes.
	JournalLines int

	// Offer materials sent once the details are collected. Empty skips.
	OfferDocument string
	OfferVideo    string
}

// DefaultConfig returns the stock timings and fields.
func DefaultConfig() Config {
	return Config{
		GreetingDelay:     15 * time.Second,
		RequiredFields:    []string{"event_date", "event_time", "venue", "guests_count"},
		MaxAttempts:       stage.DefaultMaxAttempts,
		FirstReminder:     stage.DefaultFirstReminder,
		SecondReminder:    stage.DefaultSecondReminder,
		FinalReminder:     stage.DefaultFinalize,
		ExportRetryDelay:  600 * time.Second,
		ExportMaxAttempts: 5,
		JournalLines:      10,
	}
}

// Deps are the collaborators the stages use.
type Deps struct {
	Planner  stage.Planner
	Journal  store.Journal
	Exporter export.Exporter
	// Owner receives handoff summaries; nil disables owner alerts.
	Owner     *transport.Output
	Generator llm.Generator
	Extractor llm.Extractor
	Logger    *slog.Logger
}

// Flow holds the installed stages.
type Flow struct {
	cfg      Config
	deps     Deps
	chain    *stage.ReminderChain
	clarify  *stage.Clarify
	markdown goldmark.Markdown
	logger   *slog.Logger
}

// New builds the flow. Zero config values take the defaults.
func New(cfg Config, deps Deps) *Flow {
	def := DefaultConfig()
	if cfg.GreetingDelay == 0 {
		cfg.GreetingDelay = def.GreetingDelay
	}
	if len(cfg.RequiredFields) == 0 {
		cfg.RequiredFields = def.RequiredFields
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ExportRetryDelay <= 0 {
		cfg.ExportRetryDelay = def.ExportRetryDelay
	}
	if cfg.ExportMaxAttempts <= 0 {
		cfg.ExportMaxAttempts = def.ExportMaxAttempts
	}
	if cfg.JournalLines <= 0 {
		cfg.JournalLines = def.JournalLines
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Exporter == nil {
		deps.Exporter = export.NewLogExporter(deps.Logger)
	}
	logger := deps.Logger.With("component", "flow")

	return &Flow{
		cfg:  cfg,
		deps: deps,
		chain: &stage.ReminderChain{
			Stage:      Collect,
			Planner:    deps.Planner,
			First:      cfg.FirstReminder,
			Second:     cfg.SecondReminder,
			Final:      cfg.FinalReminder,
			FirstText:  "Hi again! Whenever you have a minute, could you send the details of your event?",
			SecondText: "Just checking in one more time: are you still planning the event? Reply here any time.",
			Logger:     logger,
		},
		clarify: &stage.Clarify{
			MaxAttempts:  cfg.MaxAttempts,
			AllowMissing: cfg.AllowMissing,
			Proceed:      stage.Handoff,
			Generator:    deps.Generator,
			Logger:       logger,
		},
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:   logger,
	}
}

// Initial is the stage for first contact.
func (f *Flow) Initial() string { return Greeting }

// Install registers every stage with the router and every timer with the registry.
func (f *Flow) Install(router *stage.Router, registry *scheduler.Registry) error {
	stages := []struct {
		name string
		h    stage.HandlerFunc
	}{
		{Greeting, f.greeting},
		{Collect, f.collect},
		{stage.Handoff, f.handoff},
		{stage.Export, f.export},
	}
	for _, s := range stages {
		if err := router.Register(s.name, s.h); err != nil {
			return fmt.Errorf("installing stage %s: %w", s.name, err)
		}
	}

	timers := map[string]stage.TimerFunc{
		RefGreetingAdvance: f.advanceGreeting,
		RefExportRetry:     f.retryExport,
	}
	for ref, fn := range timers {
		if err := registry.Register(ref, router.Timer(fn)); err != nil {
			return fmt.Errorf("installing timer %s: %w", ref, err)
		}
	}
	return f.chain.Register(router, registry)
}
