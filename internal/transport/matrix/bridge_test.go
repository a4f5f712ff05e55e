package matrix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/stagehand/internal/intake"
)

const (
	botID  = "@stagehand:example.org"
	roomID = "!venue:example.org"
)

func newTestBridge(t *testing.T, homeserver string, rooms ...string) *Bridge {
	t.Helper()
	if homeserver == "" {
		homeserver = "https://matrix.example.org"
	}
	b, err := New(Config{
		Homeserver:   homeserver,
		UserID:       botID,
		AccessToken:  "token",
		AllowedRooms: rooms,
	}, nil)
	require.NoError(t, err)
	return b
}

func message(sender string, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Sender:    id.UserID(sender),
		RoomID:    id.RoomID(roomID),
		ID:        id.EventID("$evt1"),
		Timestamp: 1_767_225_600_000,
		Type:      event.EventMessage,
		Content:   event.Content{Parsed: content},
	}
}

func TestInbound_Text(t *testing.T) {
	b := newTestBridge(t, "")

	ev, reply, ok := b.inbound(message("@client:example.org", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "  We need a venue for 80 guests  ",
	}))
	require.True(t, ok)
	assert.Empty(t, reply)
	assert.Equal(t, intake.Event{
		ExternalID: "$evt1",
		Text:       "We need a venue for 80 guests",
		UserID:     "@client:example.org",
		Address:    roomID,
		Timestamp:  time.UnixMilli(1_767_225_600_000),
	}, ev)
}

func TestInbound_Ignored(t *testing.T) {
	tests := []struct {
		name  string
		evt   *event.Event
		rooms []string
	}{
		{
			name: "own message",
			evt:  message(botID, &event.MessageEventContent{MsgType: event.MsgText, Body: "hello"}),
		},
		{
			name: "empty body",
			evt:  message("@client:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "   "}),
		},
		{
			name: "edit",
			evt: message("@client:example.org", &event.MessageEventContent{
				MsgType:   event.MsgText,
				Body:      "* fixed",
				RelatesTo: &event.RelatesTo{Type: event.RelReplace, EventID: "$orig"},
			}),
		},
		{
			name:  "room not allowed",
			evt:   message("@client:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}),
			rooms: []string{"!other:example.org"},
		},
		{
			name: "not a message",
			evt: &event.Event{
				Sender:  "@client:example.org",
				RoomID:  roomID,
				Content: event.Content{Parsed: &event.ReactionEventContent{}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBridge(t, "", tt.rooms...)
			_, reply, ok := b.inbound(tt.evt)
			assert.False(t, ok)
			assert.Empty(t, reply)
		})
	}
}

func TestInbound_NonTextGetsFixedReply(t *testing.T) {
	b := newTestBridge(t, "")
	for _, msgType := range []event.MessageType{event.MsgImage, event.MsgAudio, event.MsgVideo, event.MsgFile} {
		_, reply, ok := b.inbound(message("@client:example.org", &event.MessageEventContent{MsgType: msgType, Body: "file.bin"}))
		assert.True(t, ok, msgType)
		assert.Equal(t, TextOnlyReply, reply, msgType)
	}
}

type recordedDispatch struct {
	mu     sync.Mutex
	events []intake.Event
}

func (r *recordedDispatch) Deliver(_ context.Context, ev intake.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// fakeHomeserver accepts room sends and records their bodies.
type fakeHomeserver struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (f *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut || !strings.Contains(r.URL.Path, "/send/m.room.message/") {
		http.NotFound(w, r)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	body := map[string]any{}
	_ = json.Unmarshal(raw, &body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"event_id":"$sent"}`))
}

func (f *fakeHomeserver) sent() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.bodies...)
}

func TestHandleMessageEvent(t *testing.T) {
	hs := &fakeHomeserver{}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	b := newTestBridge(t, srv.URL)
	d := &recordedDispatch{}
	b.SetDispatcher(d)
	ctx := context.Background()

	b.handleMessageEvent(ctx, message("@client:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "hello"}))
	b.handleMessageEvent(ctx, message("@client:example.org", &event.MessageEventContent{MsgType: event.MsgImage, Body: "cat.png"}))

	require.Len(t, d.events, 1)
	assert.Equal(t, "hello", d.events[0].Text)

	sent := hs.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, TextOnlyReply, sent[0]["body"])
}

func TestSenders(t *testing.T) {
	hs := &fakeHomeserver{}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	b := newTestBridge(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, b.SendText(ctx, roomID, "plain"))
	require.NoError(t, b.SendHTML(ctx, roomID, "bold", "<b>bold</b>"))
	require.NoError(t, b.SendDocument(ctx, roomID, "mxc://example.org/doc"))
	require.NoError(t, b.SendVideo(ctx, roomID, "mxc://example.org/vid"))

	sent := hs.sent()
	require.Len(t, sent, 4)
	assert.Equal(t, "m.text", sent[0]["msgtype"])
	assert.Equal(t, "plain", sent[0]["body"])
	assert.Equal(t, "org.matrix.custom.html", sent[1]["format"])
	assert.Equal(t, "<b>bold</b>", sent[1]["formatted_body"])
	assert.Equal(t, "m.file", sent[2]["msgtype"])
	assert.Equal(t, "mxc://example.org/doc", sent[2]["url"])
	assert.Equal(t, "m.video", sent[3]["msgtype"])
}

func TestSendText_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"not in room"}`))
	}))
	defer srv.Close()

	b := newTestBridge(t, srv.URL)
	err := b.SendText(context.Background(), roomID, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matrix send")
}

func TestRun_RequiresDispatcher(t *testing.T) {
	b := newTestBridge(t, "")
	assert.Error(t, b.Run(context.Background()))
}
