package flow

import (
	"context"
	"time"

	"github.com/2389/stagehand/internal/export"
	"github.com/2389/stagehand/internal/stage"
	"github.com/2389/stagehand/internal/store"
)

// export pushes the lead to the system of record. It never messages the
// client, so failures are logged and retried instead of returned.
func (f *Flow) export(ctx context.Context, t *stage.Turn) (stage.Result, error) {
	if !t.Forced {
		return stage.Stay(), f.forward(ctx, t)
	}
	f.tryExport(ctx, t)
	return stage.Stay(), nil
}

func (f *Flow) retryExport(ctx context.Context, t *stage.Turn) (stage.Result, error) {
	if t.Record.Stage() != stage.Export {
		return stage.Stay(), nil
	}
	f.tryExport(ctx, t)
	return stage.Stay(), nil
}

func (f *Flow) tryExport(ctx context.Context, t *stage.Turn) {
	if t.Record.Bool(keyExported) || t.Record.Bool(keyExportFailed) {
		return
	}
	logger := f.logger.With("user_id", t.UserID)

	err := f.deps.Exporter.Export(ctx, f.lead(t.Record))
	if err == nil {
		if err := t.Merge(ctx, store.Patch{
			keyExported:   true,
			keyExportedAt: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			logger.Error("recording export failed", "error", err)
		}
		return
	}

	attempts := t.Record.Int(keyExportAttempts) + 1
	if mergeErr := t.Merge(ctx, store.Patch{keyExportAttempts: attempts}); mergeErr != nil {
		logger.Error("recording export attempt failed", "error", mergeErr)
		return
	}
	if attempts >= f.cfg.ExportMaxAttempts {
		logger.Error("giving up on export", "attempts", attempts, "error", err)
		if mergeErr := t.Merge(ctx, store.Patch{keyExportFailed: true}); mergeErr != nil {
			logger.Error("recording export failure failed", "error", mergeErr)
		}
		if f.deps.Owner != nil {
			text := "Could not export the lead for " + t.Record.Address() + " after several attempts. Please add it by hand."
			if sendErr := f.deps.Owner.Text(ctx, text); sendErr != nil {
				logger.Error("owner alert failed", "error", sendErr)
			}
		}
		return
	}

	logger.Warn("export failed, will retry", "attempts", attempts, "in", f.cfg.ExportRetryDelay, "error", err)
	if planErr := f.deps.Planner.Plan(ctx, t.UserID, RefExportRetry, f.cfg.ExportRetryDelay); planErr != nil {
		logger.Error("planning export retry failed", "error", planErr)
	}
}

func (f *Flow) lead(rec *store.Record) export.Lead {
	reason := rec.String(store.KeyHandoverReason)
	fields := map[string]any{}
	for _, k := range f.cfg.RequiredFields {
		if !rec.Missing(k) {
			fields[k] = rec.Fields[k]
		}
	}
	if refused := stringList(rec.Fields[keyRefusedFields]); len(refused) > 0 {
		fields[keyRefusedFields] = refused
	}
	return export.Lead{
		UserID:       rec.UserID,
		Address:      rec.Address(),
		Stage:        rec.String(store.KeyStageAtHandover),
		Reason:       reason,
		Comment:      export.Comment(reason),
		Lost:         export.IsRefusal(reason),
		Fields:       fields,
		HandedOverAt: rec.UpdatedAt,
	}
}
