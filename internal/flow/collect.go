package flow

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/2389/stagehand/internal/stage"
	"github.com/2389/stagehand/internal/store"
)

// collect gathers the required fields. Entering the stage sends the intro
// once and arms the reminder chain, unless the details are already known.
// Each reply is mined for fields and either clarified or handed over.
func (f *Flow) collect(ctx context.Context, t *stage.Turn) (stage.Result, error) {
	if t.Forced {
		if t.Entered {
			if err := t.Merge(ctx, store.Patch{stage.KeyClarificationAttempts: 0}); err != nil {
				return stage.Stay(), err
			}
			if len(f.missing(t.Record)) == 0 {
				return f.collected(ctx, t)
			}
		}
		if !t.Record.Bool(keyIntroSent) {
			if err := t.Out.Text(ctx, f.intro(ctx)); err != nil {
				return stage.Stay(), err
			}
			if err := t.Merge(ctx, store.Patch{keyIntroSent: true}); err != nil {
				return stage.Stay(), err
			}
		}
		return stage.Stay(), f.chain.Arm(ctx, t)
	}

	missing := f.missing(t.Record)
	if len(missing) > 0 && f.deps.Extractor != nil {
		f.extract(ctx, t, missing)
		missing = f.missing(t.Record)
	}

	res, err := f.clarify.Run(ctx, t, missing)
	if err != nil {
		return stage.Stay(), err
	}
	switch {
	case res.Next == stage.Handoff && t.Record.Missing(store.KeyHandoverReason):
		return f.collected(ctx, t)
	case res.Next == "":
		// Asked a question; wait for the answer with a fresh reminder chain
		if err := f.chain.Arm(ctx, t); err != nil {
			return stage.Stay(), err
		}
	}
	return res, nil
}

// collected hands over once every required field is known.
func (f *Flow) collected(ctx context.Context, t *stage.Turn) (stage.Result, error) {
	if err := t.Merge(ctx, store.Patch{
		store.KeyHandoverReason:  ReasonInfoCollected,
		store.KeyStageAtHandover: Collect,
	}); err != nil {
		return stage.Stay(), err
	}
	return stage.Goto(stage.Handoff), nil
}

func (f *Flow) extract(ctx context.Context, t *stage.Turn, missing []string) {
	known := map[string]any{}
	for _, k := range f.cfg.RequiredFields {
		if !t.Record.Missing(k) {
			known[k] = t.Record.Fields[k]
		}
	}

	got, err := f.deps.Extractor.Extract(ctx, t.Text, missing, known)
	if err != nil {
		f.logger.Warn("extraction failed", "user_id", t.UserID, "error", err)
		return
	}
	if len(got.Fields) > 0 {
		if err := t.MergeIfAbsent(ctx, store.Patch(got.Fields)); err != nil {
			f.logger.Warn("saving extracted fields failed", "user_id", t.UserID, "error", err)
		}
	}
	if len(got.Refused) > 0 {
		refused := stringList(t.Record.Fields[keyRefusedFields])
		for _, r := range got.Refused {
			if !slices.Contains(refused, r) {
				refused = append(refused, r)
			}
		}
		if err := t.Merge(ctx, store.Patch{keyRefusedFields: refused}); err != nil {
			f.logger.Warn("saving refused fields failed", "user_id", t.UserID, "error", err)
		}
	}
}

// missing lists required fields that are neither present nor refused.
func (f *Flow) missing(rec *store.Record) []string {
	refused := stringList(rec.Fields[keyRefusedFields])
	var out []string
	for _, k := range f.cfg.RequiredFields {
		if rec.Missing(k) && !slices.Contains(refused, k) {
			out = append(out, k)
		}
	}
	return out
}

func (f *Flow) intro(ctx context.Context) string {
	names := make([]string, len(f.cfg.RequiredFields))
	for i, k := range f.cfg.RequiredFields {
		names[i] = strings.ReplaceAll(k, "_", " ")
	}
	fallback := fmt.Sprintf("To prepare an offer we need a few details: %s. You can send them in one message.",
		strings.Join(names, ", "))
	return f.generate(ctx, "Ask the client, in one friendly message, for these event details: "+
		strings.Join(names, ", ")+".", fallback)
}

// stringList reads a list stored either as []string or as decoded JSON.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return slices.Clone(list)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
