package flow

import (
	"context"
	"strings"

	"github.com/2389/stagehand/internal/stage"
	"github.com/2389/stagehand/internal/store"
)

const greetingFallback = "Hello, and thanks for getting in touch! I'll ask a few quick questions so we can prepare an offer for you."

// greeting welcomes the client once, then moves to collect after a short pause.
// A second message before the pause ends is mined for details and moves on
// right away.
func (f *Flow) greeting(ctx context.Context, t *stage.Turn) (stage.Result, error) {
	if t.Record.Bool(keyGreetingSent) {
		if missing := f.missing(t.Record); len(missing) > 0 && f.deps.Extractor != nil {
			f.extract(ctx, t, missing)
		}
		return stage.Goto(Collect), nil
	}

	text := f.generate(ctx, "Write a short, warm first reply to a client who just wrote: "+
		quote(t.Text)+". Introduce yourself as the assistant and say you will ask a few questions.", greetingFallback)
	if err := t.Out.Text(ctx, text); err != nil {
		return stage.Stay(), err
	}
	if err := t.Merge(ctx, store.Patch{keyGreetingSent: true}); err != nil {
		return stage.Stay(), err
	}

	if f.cfg.GreetingDelay <= 0 {
		return stage.Goto(Collect), nil
	}
	return stage.Stay(), f.deps.Planner.Plan(ctx, t.UserID, RefGreetingAdvance, f.cfg.GreetingDelay)
}

func (f *Flow) advanceGreeting(_ context.Context, t *stage.Turn) (stage.Result, error) {
	if t.Record.Stage() != Greeting {
		return stage.Stay(), nil
	}
	return stage.Goto(Collect), nil
}

// generate asks the model for text, falling back when it is unavailable.
func (f *Flow) generate(ctx context.Context, prompt, fallback string) string {
	if f.deps.Generator == nil {
		return fallback
	}
	text, err := f.deps.Generator.Generate(ctx, prompt)
	if err != nil {
		f.logger.Warn("generation failed, using fallback", "error", err)
		return fallback
	}
	if strings.TrimSpace(text) == "" {
		return fallback
	}
	return strings.TrimSpace(text)
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(s), `"`, `'`) + `"`
}
