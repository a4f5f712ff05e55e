// ABOUTME: Store interface and record types for stagehand conversation state
// ABOUTME: Defines Record, Patch and the merge-only mutation contract

package store

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strconv"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrEmptyUserID is returned when an operation is attempted without a user ID
var ErrEmptyUserID = errors.New("user id is required")

// Well-known record keys shared by the gate, the router and the stages.
const (
	KeyStage           = "stage"
	KeyLastSender      = "last_sender"
	KeyLastMsgUID      = "last_msg_uid"
	KeyLastMsgHash     = "last_msg_hash"
	KeyLastMsgTS       = "last_msg_ts"
	KeyAddress         = "address"
	KeyHandoverReason  = "handover_reason"
	KeyStageAtHandover = "stage_at_handover"
)

// Sender identifies who produced the most recent event on a record.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderSystem Sender = "system"
)

// Patch is a shallow set of keys to upsert into a record.
type Patch map[string]any

// Record is the persistent per-user conversation document.
// Fields is a flat key/value map; nested values are stored as-is.
type Record struct {
	UserID    string
	Fields    map[string]any
	UpdatedAt time.Time
}

// Store is the conversation record store.
// Records are never deleted implicitly; Delete is reserved for administrative reset.
type Store interface {
	// Get returns the user's record, or ErrNotFound on first contact.
	Get(ctx context.Context, userID string) (*Record, error)
	// MergeUpdate upserts the patch keys into the user's record, creating it if needed.
	MergeUpdate(ctx context.Context, userID string, patch Patch) error
	// Delete removes the user's record. Deleting a missing record is not an error.
	Delete(ctx context.Context, userID string) error
	Close() error
}

// Journal is an append-only log of conversation traffic.
type Journal interface {
	AppendJournal(ctx context.Context, entry *JournalEntry) error
	ListJournal(ctx context.Context, userID string, limit int) ([]*JournalEntry, error)
}

// Load returns the user's record, or an empty record on first contact.
func Load(ctx context.Context, s Store, userID string) (*Record, error) {
	rec, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &Record{UserID: userID, Fields: map[string]any{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Absent keeps only the patch keys that are missing or empty on the record.
func (r *Record) Absent(patch Patch) Patch {
	fresh := Patch{}
	for k, v := range patch {
		if r.Missing(k) {
			fresh[k] = v
		}
	}
	return fresh
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	}
	return false
}

// Clone returns a copy of the record whose field map can be mutated freely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = maps.Clone(r.Fields)
	if c.Fields == nil {
		c.Fields = map[string]any{}
	}
	return &c
}

// Apply merges the patch into the in-memory copy of the record.
func (r *Record) Apply(patch Patch) {
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	for k, v := range patch {
		r.Fields[k] = v
	}
}

// Missing reports whether the key is absent, nil, an empty string or false.
func (r *Record) Missing(key string) bool {
	return isEmpty(r.Fields[key])
}

// Has reports whether the key is present.
func (r *Record) Has(key string) bool {
	_, ok := r.Fields[key]
	return ok
}

// Stage returns the current stage, empty on first contact.
func (r *Record) Stage() string { return r.String(KeyStage) }

// LastSender returns who produced the most recent event.
func (r *Record) LastSender() Sender { return Sender(r.String(KeyLastSender)) }

// Address returns the external address for outbound sends, falling back to the user ID.
func (r *Record) Address() string {
	if addr := r.String(KeyAddress); addr != "" {
		return addr
	}
	return r.UserID
}

// String returns the value for key as a string, or "" if absent.
func (r *Record) String(key string) string {
	switch v := r.Fields[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// Bool returns the value for key as a bool; absent or non-bool values are false.
func (r *Record) Bool(key string) bool {
	v, _ := r.Fields[key].(bool)
	return v
}

// Int returns the value for key as an int, tolerating JSON-decoded numbers.
func (r *Record) Int(key string) int {
	switch v := r.Fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// Float returns the value for key as a float64.
func (r *Record) Float(key string) float64 {
	switch v := r.Fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}
