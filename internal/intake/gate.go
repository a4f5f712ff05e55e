// ABOUTME: Idempotency and ordering gate for inbound events
// ABOUTME: Rejects duplicates and stale redeliveries, then records the new fingerprint

package intake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/stagehand/internal/dedupe"
	"github.com/2389/stagehand/internal/store"
)

// DefaultLateDropWindow is how far behind the last seen timestamp an event may be.
const DefaultLateDropWindow = 20 * time.Minute

// GateConfig configures a Gate.
type GateConfig struct {
	// LateDropWindow bounds how old a non-forced event may be relative to the
	// last accepted one. Zero uses DefaultLateDropWindow.
	LateDropWindow time.Duration
	// Recent optionally remembers accepted message IDs beyond the latest one.
	Recent *dedupe.Window
	Now    func() time.Time
	Logger *slog.Logger
}

// Gate decides whether an inbound event should be processed.
type Gate struct {
	store    store.Store
	recent   *dedupe.Window
	lateDrop time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewGate creates a gate over the conversation store.
func NewGate(s store.Store, cfg GateConfig) *Gate {
	if cfg.LateDropWindow <= 0 {
		cfg.LateDropWindow = DefaultLateDropWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		store:    s,
		recent:   cfg.Recent,
		lateDrop: cfg.LateDropWindow,
		now:      cfg.Now,
		logger:   cfg.Logger.With("component", "intake"),
	}
}

// Accept returns true when the event should be dispatched. Rejections leave
// the store untouched. The returned error is only set on store failures.
func (g *Gate) Accept(ctx context.Context, ev Event) (bool, error) {
	rec, err := store.Load(ctx, g.store, ev.UserID)
	if err != nil {
		return false, fmt.Errorf("loading record: %w", err)
	}

	hash := ContentHash(ev.Text)
	lastUID := rec.String(store.KeyLastMsgUID)

	if ev.ExternalID != "" {
		if ev.ExternalID == lastUID {
			g.logger.Info("drop duplicate message", "user_id", ev.UserID, "uid", ev.ExternalID)
			return false, nil
		}
		if g.recent != nil && g.recent.Seen(ev.UserID, ev.ExternalID) {
			g.logger.Info("drop redelivered message", "user_id", ev.UserID, "uid", ev.ExternalID)
			return false, nil
		}
	}

	if !ev.Forced() && !ev.Timestamp.IsZero() && rec.Has(store.KeyLastMsgTS) {
		lastSeen := fromUnixSeconds(rec.Float(store.KeyLastMsgTS))
		if ev.Timestamp.Before(lastSeen.Add(-g.lateDrop)) {
			g.logger.Info("drop late message",
				"user_id", ev.UserID,
				"lag", lastSeen.Sub(ev.Timestamp).Round(time.Second),
				"threshold", g.lateDrop,
			)
			return false, nil
		}
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = g.now()
	}
	sender := store.SenderUser
	if ev.Forced() {
		sender = store.SenderSystem
	}

	patch := store.Patch{
		store.KeyLastMsgHash: hash,
		store.KeyLastMsgTS:   unixSeconds(ts),
		store.KeyLastSender:  string(sender),
	}
	if ev.ExternalID != "" {
		patch[store.KeyLastMsgUID] = ev.ExternalID
	}
	if ev.Address != "" {
		patch[store.KeyAddress] = ev.Address
	}
	if err := g.store.MergeUpdate(ctx, ev.UserID, patch); err != nil {
		return false, fmt.Errorf("recording fingerprint: %w", err)
	}
	if g.recent != nil {
		g.recent.Remember(ev.UserID, ev.ExternalID)
	}

	g.logger.Debug("accepted event",
		"user_id", ev.UserID,
		"uid", ev.ExternalID,
		"forced_stage", ev.ForcedStage,
		"hash", hash[:7],
	)
	return true, nil
}

// Forget drops remembered message IDs for a user, used on administrative reset.
func (g *Gate) Forget(userID string) {
	if g.recent != nil {
		g.recent.Forget(userID)
	}
}
