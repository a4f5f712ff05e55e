// ABOUTME: Bounded clarification: ask for missing fields a limited number of times
// ABOUTME: Escalates to Handoff (or proceeds) once the attempt budget is spent

package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/stagehand/internal/store"
)

// KeyClarificationAttempts counts questions asked in the current stage.
const KeyClarificationAttempts = "clarification_attempts"

// DefaultMaxAttempts is how many calls it takes to give up on missing fields.
const DefaultMaxAttempts = 3

// Generator writes free text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Clarify asks for missing fields until MaxAttempts is reached.
type Clarify struct {
	MaxAttempts int
	// AllowMissing lets the stage proceed to Proceed once attempts run out,
	// as long as no more than this many fields are still missing.
	AllowMissing int
	// Proceed is where to go when nothing (or little enough) is missing.
	// Empty means stay.
	Proceed   string
	Generator Generator
	Logger    *slog.Logger
}

// Run handles one turn with the given missing fields.
func (c *Clarify) Run(ctx context.Context, t *Turn, missing []string) (Result, error) {
	if len(missing) == 0 {
		if err := t.Merge(ctx, store.Patch{KeyClarificationAttempts: 0}); err != nil {
			return Result{}, err
		}
		return Result{Next: c.Proceed}, nil
	}

	limit := c.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	attempts := t.Record.Int(KeyClarificationAttempts) + 1
	if err := t.Merge(ctx, store.Patch{KeyClarificationAttempts: attempts}); err != nil {
		return Result{}, err
	}

	if attempts >= limit {
		if c.Proceed != "" && len(missing) <= c.AllowMissing {
			c.logger().Info("proceeding with missing fields", "user_id", t.UserID, "missing", missing)
			return Goto(c.Proceed), nil
		}
		c.logger().Info("giving up on clarification", "user_id", t.UserID, "attempts", attempts, "missing", missing)
		if err := t.Merge(ctx, store.Patch{
			store.KeyHandoverReason:  ReasonCouldNotCollect,
			store.KeyStageAtHandover: t.Stage,
		}); err != nil {
			return Result{}, err
		}
		return Goto(Handoff), nil
	}

	if err := t.Out.Text(ctx, c.question(ctx, missing)); err != nil {
		return Result{}, err
	}
	return Stay(), nil
}

func (c *Clarify) question(ctx context.Context, missing []string) string {
	fallback := fmt.Sprintf("Could you please tell us your %s?", joinFields(missing))
	if c.Generator == nil {
		return fallback
	}
	prompt := fmt.Sprintf(
		"Write one short, polite message asking the client for these missing details: %s. "+
			"Do not greet and do not mention that anything was missing before.",
		strings.Join(missing, ", "))
	text, err := c.Generator.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			c.logger().Warn("clarification generator failed, using fallback", "error", err)
		}
		return fallback
	}
	return strings.TrimSpace(text)
}

func (c *Clarify) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func joinFields(fields []string) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.ReplaceAll(f, "_", " ")
	}
	switch len(names) {
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	}
	return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
}
