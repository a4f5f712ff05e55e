package flow

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/2389/stagehand/internal/export"
	"github.com/2389/stagehand/internal/stage"
	"github.com/2389/stagehand/internal/store"
)

const (
	clientClosingText = "Thank you! I've passed everything to the team and someone will get back to you shortly."
	clientRefusalText = "Thank you for your time. If anything changes, just write here."
)

// handoff alerts the owner and the client once each, then exports. Messages
// that arrive after the handover are forwarded to the owner.
func (f *Flow) handoff(ctx context.Context, t *stage.Turn) (stage.Result, error) {
	if !t.Forced {
		return stage.Stay(), f.forward(ctx, t)
	}

	if t.Record.Missing(store.KeyStageAtHandover) {
		if err := t.Merge(ctx, store.Patch{store.KeyStageAtHandover: "unknown"}); err != nil {
			return stage.Stay(), err
		}
	}

	if f.deps.Owner != nil && !t.Record.Bool(keyOwnerNotified) {
		plain, html := f.summary(ctx, t)
		if err := f.deps.Owner.HTML(ctx, plain, html); err != nil {
			f.logger.Error("owner alert failed", "user_id", t.UserID, "error", err)
		} else if err := t.Merge(ctx, store.Patch{keyOwnerNotified: true}); err != nil {
			return stage.Stay(), err
		}
	}

	reason := t.Record.String(store.KeyHandoverReason)
	if reason == ReasonInfoCollected && !t.Record.Bool(keyMaterialsSent) {
		if err := f.sendMaterials(ctx, t); err != nil {
			f.logger.Error("sending offer materials failed", "user_id", t.UserID, "error", err)
		}
	}

	if !t.Record.Bool(keyClientNotified) && reason != stage.ReasonNoResponse {
		text := clientClosingText
		if export.IsRefusal(reason) {
			text = clientRefusalText
		}
		if err := t.Out.Text(ctx, text); err != nil {
			return stage.Stay(), err
		}
		if err := t.Merge(ctx, store.Patch{keyClientNotified: true}); err != nil {
			return stage.Stay(), err
		}
	}

	if t.Record.Bool(keyExported) {
		return stage.Stay(), nil
	}
	return stage.Goto(stage.Export), nil
}

// sendMaterials delivers the configured offer document and video.
func (f *Flow) sendMaterials(ctx context.Context, t *stage.Turn) error {
	if f.cfg.OfferDocument == "" && f.cfg.OfferVideo == "" {
		return nil
	}
	if f.cfg.OfferDocument != "" {
		if err := t.Out.Document(ctx, f.cfg.OfferDocument); err != nil {
			return err
		}
	}
	if f.cfg.OfferVideo != "" {
		if err := t.Out.Video(ctx, f.cfg.OfferVideo); err != nil {
			return err
		}
	}
	return t.Merge(ctx, store.Patch{keyMaterialsSent: true})
}

// forward relays a client message to the owner after handover.
func (f *Flow) forward(ctx context.Context, t *stage.Turn) error {
	if f.deps.Owner == nil || strings.TrimSpace(t.Text) == "" {
		return nil
	}
	return f.deps.Owner.Text(ctx, fmt.Sprintf("Message from %s after handover:\n%s", t.Record.Address(), t.Text))
}

// summary renders the owner alert as markdown and HTML.
func (f *Flow) summary(ctx context.Context, t *stage.Turn) (string, string) {
	rec := t.Record
	reason := rec.String(store.KeyHandoverReason)

	var md strings.Builder
	fmt.Fprintf(&md, "## Handover: %s\n\n", rec.Address())
	fmt.Fprintf(&md, "- **Reason:** %s (`%s`)\n", export.Comment(reason), reason)
	fmt.Fprintf(&md, "- **Stage:** %s\n\n", rec.String(store.KeyStageAtHandover))

	md.WriteString("### Details\n\n")
	for _, k := range f.cfg.RequiredFields {
		v := rec.String(k)
		if v == "" {
			v = "_missing_"
		}
		fmt.Fprintf(&md, "- %s: %s\n", strings.ReplaceAll(k, "_", " "), v)
	}

	if f.deps.Journal != nil {
		entries, err := f.deps.Journal.ListJournal(ctx, t.UserID, f.cfg.JournalLines)
		if err != nil {
			f.logger.Warn("loading journal for summary failed", "user_id", t.UserID, "error", err)
		}
		if len(entries) > 0 {
			md.WriteString("\n### Recent messages\n\n")
			for _, e := range entries {
				who := "client"
				if e.Direction == store.DirectionOutbound {
					who = "bot"
				}
				fmt.Fprintf(&md, "> **%s:** %s\n>\n", who, strings.ReplaceAll(e.Text, "\n", " "))
			}
		}
	}

	plain := md.String()
	var html bytes.Buffer
	if err := f.markdown.Convert([]byte(plain), &html); err != nil {
		f.logger.Warn("rendering summary failed", "error", err)
		return plain, ""
	}
	return plain, html.String()
}
