// ABOUTME: Stage machine router: gate, escape hatch, handler dispatch and trampoline
// ABOUTME: Inbound events and timer callbacks share one per-user lock

package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/2389/stagehand/internal/intake"
	"github.com/2389/stagehand/internal/scheduler"
	"github.com/2389/stagehand/internal/store"
	"github.com/2389/stagehand/internal/transport"
)

var tracer = otel.Tracer("github.com/2389/stagehand/internal/stage")

// Structural stages.
const (
	// Handoff is the terminal escalation to a human. Reachable from any stage.
	Handoff = "handoff"
	// Export writes the record to the system of record. Reachable only from Handoff.
	Export = "export"
)

// Handover reasons set by the machine itself.
const (
	ReasonCouldNotCollect = "could_not_collect_info"
	ReasonNoResponse      = "no_response_after_2"
	ReasonUnknownStage    = "unknown_stage"
)

// TechnicalIssueText is the only failure text a user ever sees.
const TechnicalIssueText = "Sorry, we hit a technical issue. Please try again later."

// DefaultMaxHops bounds the number of forced transitions in one turn.
const DefaultMaxHops = 16

var (
	// ErrTooManyHops is returned when a turn keeps forcing transitions.
	ErrTooManyHops = errors.New("too many stage transitions in one turn")
	// ErrForbiddenTransition is returned when Export is entered from anywhere but Handoff.
	ErrForbiddenTransition = errors.New("forbidden stage transition")
	// ErrUnknownStage is returned when no handler exists, not even for Handoff.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrDuplicateStage is returned when a stage is registered twice.
	ErrDuplicateStage = errors.New("stage already registered")
)

// Turn is what a handler sees for one hop.
type Turn struct {
	UserID string
	// Stage is the stage being executed.
	Stage string
	Text  string
	// Forced is true for system-originated hops and timer callbacks.
	Forced bool
	// Entered is true when this hop moved the record into Stage.
	Entered bool
	Record  *store.Record
	Out     *transport.Output

	store store.Store
}

// Merge writes the patch to the store and to the turn's record copy.
func (t *Turn) Merge(ctx context.Context, patch store.Patch) error {
	if err := t.store.MergeUpdate(ctx, t.UserID, patch); err != nil {
		return err
	}
	t.Record.Apply(patch)
	return nil
}

// MergeIfAbsent writes only the keys that are still missing or empty.
func (t *Turn) MergeIfAbsent(ctx context.Context, patch store.Patch) error {
	fresh := t.Record.Absent(patch)
	if len(fresh) == 0 {
		return nil
	}
	return t.Merge(ctx, fresh)
}

// Result tells the router what happens after a handler returns.
type Result struct {
	// Next, when set, forces an immediate transition to that stage.
	Next string
}

// Stay ends the turn in the current stage.
func Stay() Result { return Result{} }

// Goto forces an immediate transition.
func Goto(stage string) Result { return Result{Next: stage} }

// Handler implements one stage.
type Handler interface {
	Handle(ctx context.Context, t *Turn) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t *Turn) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, t *Turn) (Result, error) {
	return f(ctx, t)
}

// TimerFunc is a delayed callback that runs under the user's lock.
type TimerFunc func(ctx context.Context, t *Turn) (Result, error)

// Escaper detects requests that must go to a human regardless of stage.
type Escaper interface {
	Escape(ctx context.Context, text string) (reason string, ok bool)
}

// OutputResolver builds the user's outbound channel from the stored address.
type OutputResolver interface {
	OutputFor(ctx context.Context, userID string) (*transport.Output, error)
}

// Config wires a Router.
type Config struct {
	Store   store.Store
	Gate    *intake.Gate
	Outputs OutputResolver
	// Initial is the stage for first contact.
	Initial string
	Escape  Escaper
	// Journal, when set, records accepted inbound texts.
	Journal store.Journal
	MaxHops int
	Logger  *slog.Logger
}

// Router is the stage machine.
type Router struct {
	store    store.Store
	gate     *intake.Gate
	outputs  OutputResolver
	initial  string
	escape   Escaper
	journal  store.Journal
	maxHops  int
	logger   *slog.Logger
	locks    *keyedMutex
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter creates a router. Stages are added with Register.
func NewRouter(cfg Config) *Router {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		store:    cfg.Store,
		gate:     cfg.Gate,
		outputs:  cfg.Outputs,
		initial:  cfg.Initial,
		escape:   cfg.Escape,
		journal:  cfg.Journal,
		maxHops:  cfg.MaxHops,
		logger:   cfg.Logger.With("component", "router"),
		locks:    newKeyedMutex(),
		handlers: make(map[string]Handler),
	}
}

// Register adds the handler for a stage.
func (r *Router) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("registering stage %q: name and handler are required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStage, name)
	}
	r.handlers[name] = h
	return nil
}

func (r *Router) handler(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Dispatch processes one inbound event. Duplicate and stale events are
// dropped silently. Handler failures are reported to the user with the
// generic technical-issue text and logged; only infrastructure errors are
// returned.
func (r *Router) Dispatch(ctx context.Context, ev intake.Event) error {
	if ev.UserID == "" {
		return store.ErrEmptyUserID
	}
	unlock := r.locks.Lock(ev.UserID)
	defer unlock()

	return r.run(ctx, ev)
}

// Exclusive runs fn while holding the user's lock, so it cannot interleave
// with inbound dispatch or timers for that user.
func (r *Router) Exclusive(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	unlock := r.locks.Lock(userID)
	defer unlock()
	return fn(ctx)
}

// Timer wraps fn as a scheduler handler that loads a fresh record under the
// user's lock and follows any forced transition it returns.
func (r *Router) Timer(fn TimerFunc) scheduler.Handler {
	return func(ctx context.Context, userID string, out *transport.Output) error {
		unlock := r.locks.Lock(userID)
		defer unlock()

		rec, err := store.Load(ctx, r.store, userID)
		if err != nil {
			return fmt.Errorf("loading record: %w", err)
		}
		turn := &Turn{
			UserID: userID,
			Stage:  rec.Stage(),
			Forced: true,
			Record: rec,
			Out:    out,
			store:  r.store,
		}
		res, err := fn(ctx, turn)
		if err != nil {
			return err
		}
		if res.Next == "" {
			return nil
		}
		return r.run(ctx, intake.Event{UserID: userID, ForcedStage: res.Next})
	}
}

// run is the trampoline. Callers hold the user's lock.
func (r *Router) run(ctx context.Context, ev intake.Event) (err error) {
	ctx, span := tracer.Start(ctx, "stage.dispatch")
	span.SetAttributes(attribute.String("user_id", ev.UserID), attribute.Bool("forced", ev.Forced()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := r.logger.With("user_id", ev.UserID)

	for hop := 0; ; hop++ {
		if hop >= r.maxHops {
			logger.Error("stage loop detected", "hops", hop, "forced_stage", ev.ForcedStage)
			return ErrTooManyHops
		}

		accepted, err := r.gate.Accept(ctx, ev)
		if err != nil {
			return err
		}
		if !accepted {
			return nil
		}

		rec, err := store.Load(ctx, r.store, ev.UserID)
		if err != nil {
			return fmt.Errorf("loading record: %w", err)
		}
		current := rec.Stage()

		if hop == 0 && !ev.Forced() {
			r.journalInbound(ctx, ev, current)
		}

		target := ev.ForcedStage
		if target == "" {
			target = current
		}
		if target == "" {
			target = r.initial
		}

		if target == Export && current != Handoff && current != Export {
			logger.Error("refusing transition", "from", current, "to", target)
			return fmt.Errorf("%w: %s -> %s", ErrForbiddenTransition, current, target)
		}

		if !ev.Forced() && !terminal(target) && r.escape != nil {
			if reason, ok := r.escape.Escape(ctx, ev.Text); ok {
				logger.Info("escape hatch triggered", "reason", reason, "stage", target)
				if err := r.store.MergeUpdate(ctx, ev.UserID, store.Patch{
					store.KeyHandoverReason:  reason,
					store.KeyStageAtHandover: target,
				}); err != nil {
					return fmt.Errorf("recording handover: %w", err)
				}
				ev = intake.Event{UserID: ev.UserID, ForcedStage: Handoff}
				continue
			}
		}

		h := r.handler(target)
		if h == nil {
			if target == Handoff {
				return fmt.Errorf("%w: %s", ErrUnknownStage, target)
			}
			logger.Warn("no handler for stage", "stage", target)
			if err := r.store.MergeUpdate(ctx, ev.UserID, store.Patch{
				store.KeyHandoverReason:  ReasonUnknownStage,
				store.KeyStageAtHandover: target,
			}); err != nil {
				return fmt.Errorf("recording handover: %w", err)
			}
			ev = intake.Event{UserID: ev.UserID, ForcedStage: Handoff}
			continue
		}

		entered := current != target
		if entered {
			if err := r.store.MergeUpdate(ctx, ev.UserID, store.Patch{store.KeyStage: target}); err != nil {
				return fmt.Errorf("persisting stage: %w", err)
			}
			rec.Apply(store.Patch{store.KeyStage: target})
			logger.Info("stage entered", "from", current, "to", target)
		}

		out, err := r.outputs.OutputFor(ctx, ev.UserID)
		if err != nil {
			return err
		}

		turn := &Turn{
			UserID:  ev.UserID,
			Stage:   target,
			Text:    ev.Text,
			Forced:  ev.Forced(),
			Entered: entered,
			Record:  rec,
			Out:     out,
			store:   r.store,
		}
		res, err := r.invoke(ctx, h, turn)
		if err != nil {
			logger.Error("stage handler failed", "stage", target, "error", err)
			if sendErr := out.Text(ctx, TechnicalIssueText); sendErr != nil {
				logger.Warn("failed to report technical issue", "error", sendErr)
			}
			return nil
		}
		if res.Next == "" {
			return nil
		}
		ev = intake.Event{UserID: ev.UserID, ForcedStage: res.Next}
	}
}

func (r *Router) invoke(ctx context.Context, h Handler, t *Turn) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage %s panicked: %v", t.Stage, p)
		}
	}()
	return h.Handle(ctx, t)
}

func (r *Router) journalInbound(ctx context.Context, ev intake.Event, stage string) {
	if r.journal == nil {
		return
	}
	entry := store.NewJournalEntry(ev.UserID, store.DirectionInbound, stage, ev.Text)
	if err := r.journal.AppendJournal(ctx, entry); err != nil {
		r.logger.Warn("failed to journal inbound message", "user_id", ev.UserID, "error", err)
	}
}

func terminal(stage string) bool {
	return stage == Handoff || stage == Export
}
