// ABOUTME: Outbound transport abstractions shared by stages and the scheduler
// ABOUTME: Output binds a Sender to the user's address as stored at send time

package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/stagehand/internal/store"
)

// Sender delivers messages to an external address.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
	SendDocument(ctx context.Context, to, mediaID string) error
	SendVideo(ctx context.Context, to, mediaID string) error
}

// RichSender is implemented by transports that can deliver formatted text.
type RichSender interface {
	SendHTML(ctx context.Context, to, plain, html string) error
}

// Output is the send-capable channel for one user.
type Output struct {
	sender  Sender
	to      string
	userID  string
	journal store.Journal
	logger  *slog.Logger
}

// NewOutput binds a sender to a fixed address. journal may be nil.
func NewOutput(sender Sender, userID, to string, journal store.Journal) *Output {
	return &Output{
		sender:  sender,
		to:      to,
		userID:  userID,
		journal: journal,
		logger:  slog.Default().With("component", "transport"),
	}
}

// To returns the bound address.
func (o *Output) To() string { return o.to }

// Text sends a plain text message and journals it.
func (o *Output) Text(ctx context.Context, text string) error {
	if err := o.sender.SendText(ctx, o.to, text); err != nil {
		return fmt.Errorf("sending text to %s: %w", o.to, err)
	}
	o.record(ctx, text)
	return nil
}

// HTML sends formatted text when the transport supports it, plain text otherwise.
func (o *Output) HTML(ctx context.Context, plain, html string) error {
	rich, ok := o.sender.(RichSender)
	if !ok {
		return o.Text(ctx, plain)
	}
	if err := rich.SendHTML(ctx, o.to, plain, html); err != nil {
		return fmt.Errorf("sending html to %s: %w", o.to, err)
	}
	o.record(ctx, plain)
	return nil
}

// Document sends a previously uploaded document.
func (o *Output) Document(ctx context.Context, mediaID string) error {
	if err := o.sender.SendDocument(ctx, o.to, mediaID); err != nil {
		return fmt.Errorf("sending document to %s: %w", o.to, err)
	}
	o.record(ctx, "[document "+mediaID+"]")
	return nil
}

// Video sends a previously uploaded video.
func (o *Output) Video(ctx context.Context, mediaID string) error {
	if err := o.sender.SendVideo(ctx, o.to, mediaID); err != nil {
		return fmt.Errorf("sending video to %s: %w", o.to, err)
	}
	o.record(ctx, "[video "+mediaID+"]")
	return nil
}

func (o *Output) record(ctx context.Context, text string) {
	if o.journal == nil || o.userID == "" {
		return
	}
	entry := store.NewJournalEntry(o.userID, store.DirectionOutbound, "", text)
	if err := o.journal.AppendJournal(ctx, entry); err != nil {
		o.logger.Warn("failed to journal outbound message", "user_id", o.userID, "error", err)
	}
}

// Resolver builds Outputs from the address currently stored on the record.
type Resolver struct {
	store   store.Store
	sender  Sender
	journal store.Journal
}

// NewResolver creates a resolver. journal may be nil.
func NewResolver(s store.Store, sender Sender, journal store.Journal) *Resolver {
	return &Resolver{store: s, sender: sender, journal: journal}
}

// OutputFor looks the address up now, so a changed address is honored.
func (r *Resolver) OutputFor(ctx context.Context, userID string) (*Output, error) {
	rec, err := store.Load(ctx, r.store, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving address for %s: %w", userID, err)
	}
	return NewOutput(r.sender, userID, rec.Address(), r.journal), nil
}

// Fixed returns an Output for an address that is not a conversation, like the owner.
func (r *Resolver) Fixed(to string) *Output {
	return NewOutput(r.sender, "", to, nil)
}
