// ABOUTME: Matrix transport: syncs room messages into intake events and sends replies
// ABOUTME: Implements transport.Sender and transport.RichSender over a mautrix client

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/stagehand/internal/intake"
	"github.com/2389/stagehand/internal/transport"
)

// TextOnlyReply answers media, stickers and other non-text messages.
const TextOnlyReply = "Sorry, I can only read text messages. Could you type that out for me?"

// networkTimeout bounds each outbound Matrix API call.
const networkTimeout = 30 * time.Second

// Dispatcher receives inbound events.
type Dispatcher interface {
	Deliver(ctx context.Context, ev intake.Event) error
}

// Config holds the Matrix account the bridge runs as.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// AllowedRooms restricts intake to these rooms; empty allows all.
	AllowedRooms []string
}

// Bridge connects a Matrix account to the stage machine.
type Bridge struct {
	client     *mautrix.Client
	self       id.UserID
	allowed    []string
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New creates a bridge. It does not connect until Run.
func New(cfg Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Bridge{
		client:  client,
		self:    id.UserID(cfg.UserID),
		allowed: cfg.AllowedRooms,
		logger:  logger.With("component", "matrix"),
	}, nil
}

// SetDispatcher wires the inbound side. The bridge is built before the
// router because the router sends through it.
func (b *Bridge) SetDispatcher(d Dispatcher) {
	b.dispatcher = d
}

// Run syncs until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if b.dispatcher == nil {
		return fmt.Errorf("matrix bridge has no dispatcher")
	}
	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	b.logger.Info("connecting to matrix homeserver", "user_id", b.self)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.client.StopSync()
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent runs inline on the sync loop so one sender's messages
// are dispatched in the order the homeserver delivered them.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	ev, reply, ok := b.inbound(evt)
	if !ok {
		return
	}
	if reply != "" {
		if err := b.SendText(ctx, evt.RoomID.String(), reply); err != nil {
			b.logger.Warn("failed to answer non-text message", "room", evt.RoomID, "error", err)
		}
		return
	}

	b.logger.Info("received message", "room", ev.Address, "sender", ev.UserID, "event_id", ev.ExternalID)
	if err := b.dispatcher.Deliver(ctx, ev); err != nil {
		b.logger.Error("dispatch failed", "sender", ev.UserID, "error", err)
	}
}

// inbound converts a Matrix event. ok is false for events to ignore; a
// non-empty reply means the event should be answered directly instead of
// dispatched.
func (b *Bridge) inbound(evt *event.Event) (ev intake.Event, reply string, ok bool) {
	if evt.Sender == b.self {
		return intake.Event{}, "", false
	}
	if !b.roomAllowed(evt.RoomID.String()) {
		b.logger.Debug("ignoring message from non-allowed room", "room", evt.RoomID)
		return intake.Event{}, "", false
	}
	content, isMsg := evt.Content.Parsed.(*event.MessageEventContent)
	if !isMsg {
		return intake.Event{}, "", false
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	default:
		return intake.Event{}, TextOnlyReply, true
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		// edits arrive as new events; the original was already handled
		return intake.Event{}, "", false
	}
	text := strings.TrimSpace(content.Body)
	if text == "" {
		return intake.Event{}, "", false
	}

	ev = intake.Event{
		ExternalID: evt.ID.String(),
		Text:       text,
		UserID:     evt.Sender.String(),
		Address:    evt.RoomID.String(),
	}
	if evt.Timestamp > 0 {
		ev.Timestamp = time.UnixMilli(evt.Timestamp)
	}
	return ev, "", true
}

func (b *Bridge) roomAllowed(roomID string) bool {
	return len(b.allowed) == 0 || slices.Contains(b.allowed, roomID)
}

// SendText sends a plain message to a room.
func (b *Bridge) SendText(ctx context.Context, to, text string) error {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.client.SendText(ctx, id.RoomID(to), text); err != nil {
		return fmt.Errorf("matrix send: %w", err)
	}
	return nil
}

// SendHTML sends a formatted message with a plain-text fallback.
func (b *Bridge) SendHTML(ctx context.Context, to, plain, html string) error {
	return b.send(ctx, to, &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plain,
		Format:        event.FormatHTML,
		FormattedBody: html,
	})
}

// SendDocument sends an already uploaded mxc:// file.
func (b *Bridge) SendDocument(ctx context.Context, to, mediaID string) error {
	return b.send(ctx, to, &event.MessageEventContent{
		MsgType: event.MsgFile,
		Body:    "document",
		URL:     id.ContentURIString(mediaID),
	})
}

// SendVideo sends an already uploaded mxc:// video.
func (b *Bridge) SendVideo(ctx context.Context, to, mediaID string) error {
	return b.send(ctx, to, &event.MessageEventContent{
		MsgType: event.MsgVideo,
		Body:    "video",
		URL:     id.ContentURIString(mediaID),
	})
}

func (b *Bridge) send(ctx context.Context, to string, content *event.MessageEventContent) error {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.client.SendMessageEvent(ctx, id.RoomID(to), event.EventMessage, content); err != nil {
		return fmt.Errorf("matrix send %s: %w", content.MsgType, err)
	}
	return nil
}

var (
	_ transport.Sender     = (*Bridge)(nil)
	_ transport.RichSender = (*Bridge)(nil)
)
