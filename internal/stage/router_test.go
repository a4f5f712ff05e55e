package stage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/stagehand/internal/dedupe"
	"github.com/2389/stagehand/internal/intake"
	"github.com/2389/stagehand/internal/scheduler"
	"github.com/2389/stagehand/internal/store"
	"github.com/2389/stagehand/internal/transport"
)

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// phraseEscaper hands over whenever the text contains one of its phrases.
type phraseEscaper struct {
	phrases []string
	calls   atomic.Int32
}

func (p *phraseEscaper) Escape(_ context.Context, text string) (string, bool) {
	p.calls.Add(1)
	for _, phrase := range p.phrases {
		if strings.Contains(strings.ToLower(text), phrase) {
			return "client_requested_contact", true
		}
	}
	return "", false
}

type harness struct {
	clock    *fakeClock
	store    *store.MemoryStore
	sender   *transport.Recorder
	registry *scheduler.Registry
	sched    *scheduler.Scheduler
	router   *Router
	escaper  *phraseEscaper
	handoffs atomic.Int32
}

func newHarness(t *testing.T, initial string) *harness {
	t.Helper()
	h := &harness{
		clock:    &fakeClock{now: base},
		store:    store.NewMemoryStore(),
		sender:   transport.NewRecorder(),
		registry: scheduler.NewRegistry(),
		escaper:  &phraseEscaper{phrases: []string{"phone number"}},
	}
	window := dedupe.New(time.Hour, 100, dedupe.WithClock(h.clock.Now))
	t.Cleanup(window.Close)

	resolver := transport.NewResolver(h.store, h.sender, h.store)
	h.sched = scheduler.New(scheduler.NewMemoryTaskStore(), h.registry, resolver, scheduler.Config{Now: h.clock.Now})
	h.router = NewRouter(Config{
		Store:   h.store,
		Gate:    intake.NewGate(h.store, intake.GateConfig{Recent: window, Now: h.clock.Now}),
		Outputs: resolver,
		Initial: initial,
		Escape:  h.escaper,
		Journal: h.store,
	})
	require.NoError(t, h.router.Register(Handoff, HandlerFunc(func(ctx context.Context, t *Turn) (Result, error) {
		h.handoffs.Add(1)
		return Stay(), nil
	})))
	return h
}

func (h *harness) say(t *testing.T, user, id, text string) {
	t.Helper()
	require.NoError(t, h.router.Dispatch(context.Background(), intake.Event{
		ExternalID: id,
		Text:       text,
		UserID:     user,
		Timestamp:  h.clock.Now(),
		Address:    "!" + user + ":example.org",
	}))
}

func (h *harness) record(t *testing.T, user string) *store.Record {
	t.Helper()
	rec, err := store.Load(context.Background(), h.store, user)
	require.NoError(t, err)
	return rec
}

func (h *harness) pending(t *testing.T) []string {
	t.Helper()
	tasks, err := h.sched.Pending(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(tasks))
	for _, tk := range tasks {
		ids = append(ids, tk.ID)
	}
	return ids
}

func TestDispatch_FirstContactUsesInitialStage(t *testing.T) {
	h := newHarness(t, "hello")
	var seen *Turn
	require.NoError(t, h.router.Register("hello", HandlerFunc(func(ctx context.Context, t *Turn) (Result, error) {
		seen = t
		return Stay(), t.Out.Text(ctx, "hi there")
	})))

	h.say(t, "u1", "m1", "hey")

	require.NotNil(t, seen)
	assert.Equal(t, "hello", seen.Stage)
	assert.True(t, seen.Entered)
	assert.False(t, seen.Forced)
	assert.Equal(t, "hey", seen.Text)
	assert.Equal(t, "hello", h.record(t, "u1").Stage())

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "!u1:example.org", sent[0].To)

	entries, err := h.store.ListJournal(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.DirectionInbound, entries[0].Direction)
	assert.Equal(t, store.DirectionOutbound, entries[1].Direction)
}

func TestDispatch_DuplicateHasNoSideEffects(t *testing.T) {
	h := newHarness(t, "wait")
	var calls atomic.Int32
	require.NoError(t, h.router.Register("wait", HandlerFunc(func(ctx context.Context, t *Turn) (Result, error) {
		calls.Add(1)
		if err := h.sched.Plan(ctx, t.UserID, "wait:Ping", time.Hour); err != nil {
			return Stay(), err
		}
		return Stay(), t.Out.Text(ctx, "noted")
	})))
	require.NoError(t, h.registry.Register("wait:Ping", func(context.Context, string, *transport.Output) error { return nil }))

	h.say(t, "u1", "m1", "hello")
	before := h.record(t, "u1")

	h.clock.Advance(time.Minute)
	h.say(t, "u1", "m1", "hello")
	h.say(t, "u1", "m1", "HELLO ")

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, h.sender.Sent(), 1)
	assert.Equal(t, []string{"u1:wait:Ping"}, h.pending(t))
	assert.Equal(t, before.Fields, h.record(t, "u1").Fields)
}

func TestDispatch_ForcedTransitionsFollowTrampoline(t *testing.T) {
	h := newHarness(t, "a")
	var order []string
	for name, next := range map[string]string{"a": "b", "b": "c", "c": ""} {
		name, next := name, next
		require.NoError(t, h.router.Register(name, HandlerFunc(func(ctx context.Context, turn *Turn) (Result, error) {
			order = append(order, name)
			if turn.Stage != "a" {
				assert.True(t, turn.Forced)
			}
			return Goto(next), nil
		})))
	}

	h.say(t, "u1", "m1", "go")

	assert.Equal(t, []string{"a", "b", "c"}, order)
	rec := h.record(t, "u1")
	assert.Equal(t, "c", rec.Stage())
	assert.Equal(t, store.SenderSystem, rec.LastSender())
}

func TestDispatch_HopLimit(t *testing.T) {
	h := newHarness(t, "ping")
	require.NoError(t, h.router.Register("ping", HandlerFunc(func(context.Context, *Turn) (Result, error) {
		return Goto("pong"), nil
	})))
	require.NoError(t, h.router.Register("pong", HandlerFunc(func(context.Context, *Turn) (Result, error) {
		return Goto("ping"), nil
	})))

	err := h.router.Dispatch(context.Background(), intake.Event{ExternalID: "m1", Text: "x", UserID: "u1"})
	assert.ErrorIs(t, err, ErrTooManyHops)
}

func TestDispatch_ExportOnlyFromHandoff(t *testing.T) {
	h := newHarness(t, "collect")
	var exported atomic.Int32
	require.NoError(t, h.router.Register(Export, HandlerFunc(func(context.Context, *Turn) (Result, error) {
		exported.Add(1)
		return Stay(), nil
	})))
	require.NoError(t, h.router.Register("collect", HandlerFunc(func(context.Context, *Turn) (Result, error) {
		return Goto(Export), nil
	})))

	err := h.router.Dispatch(context.Background(), intake.Event{ExternalID: "m1", Text: "x", UserID: "u1"})
	assert.ErrorIs(t, err, ErrForbiddenTransition)
	assert.Equal(t, int32(0), exported.Load())
	assert.Equal(t, "collect", h.record(t, "u1").Stage())
}

func TestDispatch_HandoffMayExport(t *testing.T) {
	h := newHarness(t, "collect")
	// Replace the default handoff with one that moves on to export
	h.router.handlers[Handoff] = HandlerFunc(func(context.Context, *Turn) (Result, error) {
		return Goto(Export), nil
	})
	require.NoError(t, h.router.Register(Export, HandlerFunc(func(context.Context, *Turn) (Result, error) {
		return Stay(), nil
	})))
	require.NoError(t, h.router.Register("collect", HandlerFunc(func(context.Context, *Turn) (Result, error) {
		return Goto(Handoff), nil
	})))

	h.say(t, "u1", "m1", "x")
	assert.Equal(t, Export, h.record(t, "u1").Stage())
}

func TestDispatch_EscapeHatchWinsOverStage(t *testing.T) {
	h := newHarness(t, "collect")
	var collected atomic.Int32
	require.NoError(t, h.router.Register("collect", HandlerFunc(func(context.Context, *Turn) (Result, error) {
		collected.Add(1)
		return Stay(), nil
	})))

	h.say(t, "u1", "m1", "I want to book the show")
	rec := h.record(t, "u1")
	assert.Equal(t, "collect", rec.Stage())
	assert.Equal(t, int32(1), collected.Load())
	assert.Equal(t, int32(0), h.handoffs.Load())

	h.say(t, "u1", "m2", "please give me a phone number to call directly")
	rec = h.record(t, "u1")
	assert.Equal(t, Handoff, rec.Stage())
	assert.Equal(t, "client_requested_contact", rec.String(store.KeyHandoverReason))
	assert.Equal(t, "collect", rec.String(store.KeyStageAtHandover))
	assert.Equal(t, int32(1), collected.Load(), "the stage handler never saw the request")
	assert.Equal(t, int32(1), h.handoffs.Load())
}

func TestDispatch_EscapeHatchSkippedForForcedAndTerminal(t *testing.T) {
	h := newHarness(t, "start")
	require.NoError(t, h.router.Register("start", HandlerFunc(func(context.Context, *Turn) (Result, error) {
		return Goto(Handoff), nil
	})))

	h.say(t, "u1", "m1", "hello")
	// Only the user-originated hop was checked
	assert.Equal(t, int32(1), h.escaper.calls.Load())

	h.say(t, "u1", "m2", "give me your phone number")
	assert.Equal(t, int32(1), h.escaper.calls.Load(), "terminal stages are not checked")
	assert.Equal(t, int32(2), h.handoffs.Load())
	assert.Empty(t, h.record(t, "u1").String(store.KeyHandoverReason))
}

func TestDispatch_HandlerFailureSendsGenericText(t *testing.T) {
	tests := []struct {
		name    string
		handler HandlerFunc
	}{
		{"error", func(context.Context, *Turn) (Result, error) { return Stay(), errors.New("db exploded") }},
		{"panic", func(context.Context, *Turn) (Result, error) { panic("nil map") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "flaky")
			require.NoError(t, h.router.Register("flaky", tt.handler))

			h.say(t, "u1", "m1", "hi")

			sent := h.sender.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, TechnicalIssueText, sent[0].Body)
			assert.NotContains(t, sent[0].Body, "exploded")
		})
	}
}

func TestDispatch_UnknownStageHandsOver(t *testing.T) {
	h := newHarness(t, "start")
	require.NoError(t, h.store.MergeUpdate(context.Background(), "u1", store.Patch{store.KeyStage: "retired_stage"}))

	h.say(t, "u1", "m1", "hi")

	rec := h.record(t, "u1")
	assert.Equal(t, Handoff, rec.Stage())
	assert.Equal(t, ReasonUnknownStage, rec.String(store.KeyHandoverReason))
	assert.Equal(t, "retired_stage", rec.String(store.KeyStageAtHandover))
}

func TestDispatch_SerializesSameUser(t *testing.T) {
	h := newHarness(t, "slow")
	var inFlight, maxInFlight atomic.Int32
	require.NoError(t, h.router.Register("slow", HandlerFunc(func(context.Context, *Turn) (Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return Stay(), nil
	})))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = h.router.Dispatch(context.Background(), intake.Event{
				ExternalID: "m" + string(rune('a'+i)),
				Text:       "hi",
				UserID:     "u1",
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 0, h.router.locks.size())
}

func TestExclusive_HoldsUserLock(t *testing.T) {
	h := newHarness(t, "start")
	ran := false
	err := h.router.Exclusive(context.Background(), "u1", func(ctx context.Context) error {
		ran = true
		assert.Equal(t, 1, h.router.locks.size())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 0, h.router.locks.size())
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	h := newHarness(t, "start")
	noop := HandlerFunc(func(context.Context, *Turn) (Result, error) { return Stay(), nil })
	require.NoError(t, h.router.Register("start", noop))
	assert.ErrorIs(t, h.router.Register("start", noop), ErrDuplicateStage)
	assert.Error(t, h.router.Register("", noop))
}
