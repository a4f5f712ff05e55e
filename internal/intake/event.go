// ABOUTME: Inbound event type and timestamp normalization for the intake gate
// ABOUTME: Malformed transport timestamps degrade to "absent" instead of failing

package intake

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Event is one inbound message, or a synthesized forced transition.
type Event struct {
	// ExternalID is the transport's message ID; empty for synthesized events.
	ExternalID string
	Text       string
	UserID     string
	// Timestamp is when the transport says the message was sent; zero means absent.
	Timestamp time.Time
	// ForcedStage marks a system-originated transition to the named stage.
	ForcedStage string
	// Address is the user's current external address, if the transport knows it.
	Address string
}

// Forced reports whether the event is a system-originated transition.
func (e Event) Forced() bool {
	return e.ForcedStage != ""
}

// ContentHash returns the hex SHA-1 of the trimmed, lowercased text.
func ContentHash(text string) string {
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])
}

// ParseTimestamp accepts unix seconds (integer or fractional), unix
// milliseconds, or RFC3339. Anything else yields the zero time.
func ParseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return time.Time{}
	}
	// Anything above 1e12 is milliseconds
	if f > 1e12 {
		return time.UnixMilli(int64(f))
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}
