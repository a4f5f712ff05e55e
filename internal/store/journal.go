// ABOUTME: Conversation journal for inbound and outbound traffic
// ABOUTME: Provides JournalEntry plus the SQLite append/list operations

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction indicates whether a journal entry came from the user or was sent to them
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// JournalEntry is one message recorded for a conversation.
type JournalEntry struct {
	ID        string
	UserID    string
	Direction Direction
	Stage     string
	Text      string
	CreatedAt time.Time
}

// NewJournalEntry builds an entry with a fresh ID and timestamp.
func NewJournalEntry(userID string, dir Direction, stage, text string) *JournalEntry {
	return &JournalEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Direction: dir,
		Stage:     stage,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}

// AppendJournal persists a journal entry
func (s *SQLiteStore) AppendJournal(ctx context.Context, entry *JournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	query := `
		INSERT INTO journal (entry_id, user_id, direction, stage, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.UserID,
		string(entry.Direction),
		nullString(entry.Stage),
		entry.Text,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}
	return nil
}

// ListJournal returns the most recent entries for a user, oldest first.
func (s *SQLiteStore) ListJournal(ctx context.Context, userID string, limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT entry_id, user_id, direction, stage, text, created_at
		FROM (
			SELECT entry_id, user_id, direction, COALESCE(stage, '') AS stage, text, created_at, rowid AS seq
			FROM journal
			WHERE user_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		e := &JournalEntry{}
		var dir, createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &dir, &e.Stage, &e.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}
		e.Direction = Direction(dir)
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal: %w", err)
	}
	return entries, nil
}
