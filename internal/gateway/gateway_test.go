// ABOUTME: Tests for the Gateway orchestrator, its HTTP routes and gRPC health
// ABOUTME: Runs the real stage machine over a temporary SQLite store

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/stagehand/internal/admin"
	"github.com/2389/stagehand/internal/auth"
	"github.com/2389/stagehand/internal/config"
	"github.com/2389/stagehand/internal/flow"
	"github.com/2389/stagehand/internal/intake"
	"github.com/2389/stagehand/internal/store"
	"github.com/2389/stagehand/internal/transport"
)

const (
	testSecret = "gateway-admin-test-secret-32byt!"
	operatorID = "@operator:example.org"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("STAGEHAND_DB_PATH", "")

	cfg := config.Default()
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Server.GRPCAddr = freeAddr(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "stagehand.db")
	cfg.Scheduler.Backend = config.BackendMemory
	cfg.Scheduler.PollInterval = 20 * time.Millisecond
	cfg.Scheduler.MisfireGrace = 300 * time.Second
	cfg.Intake.LateDropWindow = 20 * time.Minute
	cfg.Intake.DedupeTTL = time.Hour
	cfg.Flow.GreetingDelay = 15 * time.Second
	cfg.Admin.Allow = []string{operatorID}
	cfg.Admin.JWTSecret = testSecret
	cfg.LLM.APIKey = ""
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *transport.Recorder) {
	t.Helper()
	rec := transport.NewRecorder()
	gw, err := New(cfg, testLogger(), WithSender(rec), WithLLM(nil, nil, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw, rec
}

func postEvent(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url+"/v1/events", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGatewayNew(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))

	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.scheduler)
	assert.NotNil(t, gw.router)
	assert.NotNil(t, gw.commands)
	assert.NotNil(t, gw.verifier)
	assert.Nil(t, gw.bridge, "matrix is disabled in tests")
}

func TestGatewayNew_BadSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.JWTSecret = "short"

	_, err := New(cfg, testLogger(), WithSender(transport.NewRecorder()), WithLLM(nil, nil, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrWeakSecret)
}

func TestEventWebhook_FirstContact(t *testing.T) {
	gw, rec := newTestGateway(t, testConfig(t))
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	event := map[string]any{
		"message_id": "wamid.1",
		"user_id":    "client-1",
		"text":       "Hi, we are planning a wedding",
		"timestamp":  time.Now().Unix(),
		"address":    "!client:example.org",
	}
	resp := postEvent(t, srv.URL, event)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	sent := rec.To("!client:example.org")
	require.Len(t, sent, 1)

	record, err := gw.store.Get(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, flow.Greeting, record.Stage())

	pending, err := gw.scheduler.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "client-1:"+flow.RefGreetingAdvance, pending[0].ID)

	// Redelivery of the same message is accepted but has no effect.
	resp = postEvent(t, srv.URL, event)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, rec.To("!client:example.org"), 1)
}

func TestEventWebhook_StringTimestamp(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	resp := postEvent(t, srv.URL, map[string]any{
		"user_id":   "client-2",
		"text":      "hello",
		"timestamp": "2026-10-18T09:00:00Z",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	record, err := gw.store.Get(context.Background(), "client-2")
	require.NoError(t, err)
	want := float64(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC).Unix())
	assert.InDelta(t, want, record.Float(store.KeyLastMsgTS), 0.001)
}

func TestEventWebhook_BadRequests(t *testing.T) {
	gw, rec := newTestGateway(t, testConfig(t))
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "invalid json", body: "{", wantErr: "invalid JSON body"},
		{name: "missing user", body: `{"text":"hi"}`, wantErr: "user_id is required"},
		{name: "blank text", body: `{"user_id":"u","text":"  "}`, wantErr: "text is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/v1/events", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}
	assert.Empty(t, rec.Sent())
}

func TestDeliver_AdminCommands(t *testing.T) {
	gw, rec := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, gw.Deliver(ctx, intake.Event{UserID: "client-1", Text: "hello", Address: "client-room"}))
	rec.Reset()

	require.NoError(t, gw.Deliver(ctx, intake.Event{ExternalID: "$e1", UserID: operatorID, Text: "#jobs", Address: "ops-room"}))
	sent := rec.To("ops-room")
	require.Len(t, sent, 1)
	assert.Equal(t, "client-1:"+flow.RefGreetingAdvance, sent[0].Body)

	rec.Reset()
	require.NoError(t, gw.Deliver(ctx, intake.Event{ExternalID: "$e2", UserID: "client-1", Text: "#reset", Address: "client-room"}))
	sent = rec.To("client-room")
	require.Len(t, sent, 1)
	assert.Equal(t, admin.UnavailableReply, sent[0].Body)

	rec.Reset()
	require.NoError(t, gw.Deliver(ctx, intake.Event{ExternalID: "$e3", UserID: operatorID, Text: "#reset", Address: "ops-room"}))
	sent = rec.To("ops-room")
	require.Len(t, sent, 1)
	assert.Equal(t, admin.ResetReply, sent[0].Body)
}

func TestEventWebhook_IgnoresAdminCommands(t *testing.T) {
	gw, rec := newTestGateway(t, testConfig(t))
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	postEvent(t, srv.URL, map[string]any{"user_id": "client-1", "text": "hello", "address": "client-room"})
	rec.Reset()

	resp := postEvent(t, srv.URL, map[string]any{"user_id": operatorID, "text": "#jobs", "address": "ops-room"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	for _, s := range rec.To("ops-room") {
		assert.NotContains(t, s.Body, "client-1:")
	}

	record, err := gw.store.Get(context.Background(), operatorID)
	require.NoError(t, err)
	assert.Equal(t, flow.Greeting, record.Stage(), "treated as client text")

	pending, err := gw.scheduler.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 2, "nothing was reset")
}

func TestAdminAPI(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	postEvent(t, srv.URL, map[string]any{"user_id": "client-1", "text": "hello"})

	resp, err := http.Get(srv.URL + "/admin/tasks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/admin/records/client-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body admin.RecordResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, flow.Greeting, body.Fields[store.KeyStage])
	assert.NotEmpty(t, body.Journal)
}

func TestAdminAPI_DisabledWithoutSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.JWTSecret = ""
	gw, _ := newTestGateway(t, cfg)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/tasks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	rec := transport.NewRecorder()
	gw, err := New(cfg, testLogger(), WithSender(rec), WithLLM(nil, nil, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer hcancel()
	check, err := healthpb.NewHealthClient(conn).Check(hctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check.GetStatus())

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}
}

func TestAppendCloseError(t *testing.T) {
	var errs []error
	errs = appendCloseError(errs, "store close", nil)
	assert.Empty(t, errs)
	errs = appendCloseError(errs, "store close", errors.New("boom"))
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "store close: boom")
}
