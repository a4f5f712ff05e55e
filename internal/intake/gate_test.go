package intake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/stagehand/internal/dedupe"
	"github.com/2389/stagehand/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T) (*Gate, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	recent := dedupe.New(24*time.Hour, 1000)
	t.Cleanup(recent.Close)
	g := NewGate(s, GateConfig{
		Recent: recent,
		Now:    func() time.Time { return t0 },
	})
	return g, s
}

func TestGate_AcceptsFirstEvent(t *testing.T) {
	g, s := newTestGate(t)
	ctx := context.Background()

	ok, err := g.Accept(ctx, Event{ExternalID: "m1", Text: "  Hello ", UserID: "u1", Timestamp: t0, Address: "!room:x"})
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.String(store.KeyLastMsgUID))
	assert.Equal(t, ContentHash("hello"), rec.String(store.KeyLastMsgHash))
	assert.Equal(t, store.SenderUser, rec.LastSender())
	assert.Equal(t, "!room:x", rec.Address())
	assert.InDelta(t, float64(t0.Unix()), rec.Float(store.KeyLastMsgTS), 0.001)
}

func TestGate_HardDuplicateHasNoSideEffects(t *testing.T) {
	g, s := newTestGate(t)
	ctx := context.Background()

	ok, err := g.Accept(ctx, Event{ExternalID: "m1", Text: "hi", UserID: "u1", Timestamp: t0})
	require.NoError(t, err)
	require.True(t, ok)

	before, err := s.Get(ctx, "u1")
	require.NoError(t, err)

	ok, err = g.Accept(ctx, Event{ExternalID: "m1", Text: "hi", UserID: "u1", Timestamp: t0})
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before.Fields, after.Fields)
}

func TestGate_RedeliveryOfOlderMessageRejected(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		ok, err := g.Accept(ctx, Event{ExternalID: id, Text: id, UserID: "u1", Timestamp: t0})
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := g.Accept(ctx, Event{ExternalID: "m1", Text: "m1", UserID: "u1", Timestamp: t0})
	require.NoError(t, err)
	assert.False(t, ok, "m1 was accepted before and must not be processed again")
}

func TestGate_StaleEventDropped(t *testing.T) {
	g, s := newTestGate(t)
	ctx := context.Background()

	ok, err := g.Accept(ctx, Event{ExternalID: "new", Text: "new", UserID: "u1", Timestamp: t0})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.Accept(ctx, Event{ExternalID: "old", Text: "old", UserID: "u1", Timestamp: t0.Add(-21 * time.Minute)})
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new", rec.String(store.KeyLastMsgUID), "rejected event must not mutate the record")
}

func TestGate_SlightlyOutOfOrderAccepted(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	_, err := g.Accept(ctx, Event{ExternalID: "b", Text: "b", UserID: "u1", Timestamp: t0})
	require.NoError(t, err)

	ok, err := g.Accept(ctx, Event{ExternalID: "a", Text: "a", UserID: "u1", Timestamp: t0.Add(-19 * time.Minute)})
	require.NoError(t, err)
	assert.True(t, ok, "within the late-drop window")
}

func TestGate_ForcedEventNeverStale(t *testing.T) {
	g, s := newTestGate(t)
	ctx := context.Background()

	_, err := g.Accept(ctx, Event{ExternalID: "m1", Text: "hi", UserID: "u1", Timestamp: t0})
	require.NoError(t, err)

	ok, err := g.Accept(ctx, Event{UserID: "u1", ForcedStage: "handoff", Timestamp: t0.Add(-time.Hour)})
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, store.SenderSystem, rec.LastSender())
	assert.Equal(t, "m1", rec.String(store.KeyLastMsgUID), "synthesized events keep the last external ID")
}

func TestGate_MissingTimestampFallsBackToHashOnly(t *testing.T) {
	g, s := newTestGate(t)
	ctx := context.Background()

	_, err := g.Accept(ctx, Event{ExternalID: "m1", Text: "hi", UserID: "u1", Timestamp: t0.Add(time.Hour)})
	require.NoError(t, err)

	ok, err := g.Accept(ctx, Event{ExternalID: "m2", Text: "again", UserID: "u1", Timestamp: ParseTimestamp("not-a-time")})
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, float64(t0.Unix()), rec.Float(store.KeyLastMsgTS), 0.001, "absent timestamp records now")
}

func TestGate_Forget(t *testing.T) {
	g, s := newTestGate(t)
	ctx := context.Background()

	_, err := g.Accept(ctx, Event{ExternalID: "m1", Text: "hi", UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "u1"))
	g.Forget("u1")

	ok, err := g.Accept(ctx, Event{ExternalID: "m1", Text: "hi", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, ok, "after reset the conversation starts over")
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"unix seconds", "1772366400", time.Unix(1772366400, 0)},
		{"fractional seconds", "1772366400.5", time.Unix(1772366400, 500_000_000)},
		{"unix millis", "1772366400123", time.UnixMilli(1772366400123)},
		{"rfc3339", "2026-03-01T12:00:00Z", t0},
		{"empty", "", time.Time{}},
		{"garbage", "yesterday", time.Time{}},
		{"negative", "-5", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTimestamp(tt.raw)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}
}

func TestContentHash_Normalizes(t *testing.T) {
	assert.Equal(t, ContentHash("hello"), ContentHash("  HeLLo\n"))
	assert.NotEqual(t, ContentHash("hello"), ContentHash("hello!"))
	assert.Len(t, ContentHash(""), 40)
}
