// ABOUTME: Reminder chain for stages waiting on a reply
// ABOUTME: Reminder1 -> Reminder2 -> Finalize, each guarded by stage, sender and a done flag

package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/stagehand/internal/scheduler"
	"github.com/2389/stagehand/internal/store"
)

// Default reminder timings.
const (
	DefaultFirstReminder  = 4 * time.Hour
	DefaultSecondReminder = 12 * time.Hour
	DefaultFinalize       = 4 * time.Hour
)

// Planner schedules delayed callbacks.
type Planner interface {
	Plan(ctx context.Context, userID, ref string, delay time.Duration) error
}

// ReminderChain nudges a silent user twice, then hands over.
type ReminderChain struct {
	// Stage is the waiting stage the chain belongs to.
	Stage   string
	Planner Planner

	First  time.Duration
	Second time.Duration
	Final  time.Duration

	FirstText  string
	SecondText string
	// Reason is the handover reason set by Finalize.
	Reason string
	Logger *slog.Logger
}

// Ref names for the chain's timers.
func (c *ReminderChain) Reminder1Ref() string { return c.Stage + ":Reminder1" }
func (c *ReminderChain) Reminder2Ref() string { return c.Stage + ":Reminder2" }
func (c *ReminderChain) FinalizeRef() string  { return c.Stage + ":Finalize" }

func (c *ReminderChain) r1Flag() string    { return c.Stage + "_r1_done" }
func (c *ReminderChain) r2Flag() string    { return c.Stage + "_r2_done" }
func (c *ReminderChain) finalFlag() string { return c.Stage + "_final_done" }

// Register adds the chain's timers to the registry.
func (c *ReminderChain) Register(router *Router, reg *scheduler.Registry) error {
	steps := map[string]TimerFunc{
		c.Reminder1Ref(): c.Reminder1,
		c.Reminder2Ref(): c.Reminder2,
		c.FinalizeRef():  c.Finalize,
	}
	for ref, fn := range steps {
		if err := reg.Register(ref, router.Timer(fn)); err != nil {
			return err
		}
	}
	return nil
}

// Arm resets the chain and plans the first reminder. It runs right after
// the bot spoke, so the system becomes the last sender. Calling it again
// replaces the pending first reminder; later steps left over from an older
// run stay inert until their predecessor has run again.
func (c *ReminderChain) Arm(ctx context.Context, t *Turn) error {
	if err := t.Merge(ctx, store.Patch{
		store.KeyLastSender: string(store.SenderSystem),
		c.r1Flag():          false,
		c.r2Flag():          false,
		c.finalFlag():       false,
	}); err != nil {
		return err
	}
	return c.Planner.Plan(ctx, t.UserID, c.Reminder1Ref(), durationOr(c.First, DefaultFirstReminder))
}

// waiting is the guard every step shares: still in the stage, the user has
// not spoken last, the previous step has run and this one has not.
func (c *ReminderChain) waiting(t *Turn, prev, flag string) bool {
	if prev != "" && !t.Record.Bool(prev) {
		return false
	}
	return t.Record.Stage() == c.Stage &&
		t.Record.LastSender() != store.SenderUser &&
		!t.Record.Bool(flag)
}

// Reminder1 sends the first nudge and plans the second.
func (c *ReminderChain) Reminder1(ctx context.Context, t *Turn) (Result, error) {
	return c.remind(ctx, t, "", c.r1Flag(), c.FirstText, c.Reminder2Ref(), durationOr(c.Second, DefaultSecondReminder))
}

// Reminder2 sends the second nudge and plans Finalize.
func (c *ReminderChain) Reminder2(ctx context.Context, t *Turn) (Result, error) {
	return c.remind(ctx, t, c.r1Flag(), c.r2Flag(), c.SecondText, c.FinalizeRef(), durationOr(c.Final, DefaultFinalize))
}

func (c *ReminderChain) remind(ctx context.Context, t *Turn, prev, flag, text, next string, delay time.Duration) (Result, error) {
	if !c.waiting(t, prev, flag) {
		c.logger().Debug("reminder skipped", "user_id", t.UserID, "flag", flag)
		return Stay(), nil
	}
	if err := t.Merge(ctx, store.Patch{flag: true}); err != nil {
		return Stay(), err
	}
	if err := c.Planner.Plan(ctx, t.UserID, next, delay); err != nil {
		return Stay(), fmt.Errorf("planning %s: %w", next, err)
	}
	if text == "" {
		text = "Just checking in: are you still there?"
	}
	c.logger().Info("sending reminder", "user_id", t.UserID, "flag", flag)
	return Stay(), t.Out.Text(ctx, text)
}

// Finalize hands the conversation over when the user stayed silent.
func (c *ReminderChain) Finalize(ctx context.Context, t *Turn) (Result, error) {
	if !c.waiting(t, c.r2Flag(), c.finalFlag()) {
		return Stay(), nil
	}
	reason := c.Reason
	if reason == "" {
		reason = ReasonNoResponse
	}
	if err := t.Merge(ctx, store.Patch{
		c.finalFlag():            true,
		store.KeyHandoverReason:  reason,
		store.KeyStageAtHandover: c.Stage,
	}); err != nil {
		return Stay(), err
	}
	c.logger().Info("no response, handing over", "user_id", t.UserID, "stage", c.Stage)
	return Goto(Handoff), nil
}

func (c *ReminderChain) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
