package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/voicesearch/internal/config"
	"github.com/loqalabs/voicesearch/internal/eventstore"
	"github.com/loqalabs/voicesearch/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *eventstore.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "voicesearch.db")
	// a long word interval keeps the mock recognizer from ending sessions mid-test
	cfg.STT.MockWordMS = 60000
	if mutate != nil {
		mutate(&cfg)
	}

	ctx := context.Background()
	store, err := eventstore.Open(ctx, cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctrl, err := OpenController(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open controller: %v", err)
	}
	t.Cleanup(ctrl.Close)

	a := &api{ctrl: ctrl, store: store, log: newLogger()}
	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func call(t *testing.T, method, url string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func decodeReply(t *testing.T, body []byte) protocol.CommandReply {
	t.Helper()
	var reply protocol.CommandReply
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatalf("decode reply %s: %v", body, err)
	}
	return reply
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	if code, body := call(t, http.MethodGet, srv.URL+"/healthz"); code != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %s", code, body)
	}
	if code, _ := call(t, http.MethodGet, srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz = %d", code)
	}
	if code, _ := call(t, http.MethodGet, srv.URL+"/metrics"); code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
}

func TestSessionCommands(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	code, body := call(t, http.MethodGet, srv.URL+"/v1/session")
	if code != http.StatusOK {
		t.Fatalf("status = %d %s", code, body)
	}
	if reply := decodeReply(t, body); reply.State != "idle" {
		t.Fatalf("unexpected initial state %+v", reply)
	}

	code, body = call(t, http.MethodPost, srv.URL+"/v1/session/start")
	if code != http.StatusOK {
		t.Fatalf("start = %d %s", code, body)
	}
	started := decodeReply(t, body)
	if !started.OK || !started.Started || started.SessionID == "" || started.State != "recording" {
		t.Fatalf("unexpected start reply %+v", started)
	}

	code, body = call(t, http.MethodPost, srv.URL+"/v1/session/toggle")
	if code != http.StatusOK {
		t.Fatalf("toggle = %d %s", code, body)
	}
	if reply := decodeReply(t, body); reply.Started || reply.State != "idle" {
		t.Fatalf("unexpected toggle reply %+v", reply)
	}

	code, body = call(t, http.MethodPost, srv.URL+"/v1/session/stop")
	if code != http.StatusOK {
		t.Fatalf("stop = %d %s", code, body)
	}
	if reply := decodeReply(t, body); !reply.OK || reply.State != "idle" {
		t.Fatalf("unexpected stop reply %+v", reply)
	}
}

func TestStartForbiddenWhenDenied(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Authorization.Status = "denied"
	})
	code, body := call(t, http.MethodPost, srv.URL+"/v1/session/start")
	if code != http.StatusForbidden {
		t.Fatalf("start = %d %s", code, body)
	}
	if reply := decodeReply(t, body); reply.OK || reply.Error == "" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestStartUnavailableForUnsupportedLocale(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.STT.SupportedLocales = []string{"de-DE"}
	})
	if code, body := call(t, http.MethodPost, srv.URL+"/v1/session/start"); code != http.StatusServiceUnavailable {
		t.Fatalf("start = %d %s", code, body)
	}
}

func TestSessionHistory(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := store.BeginSession(ctx, "s1", "en-US", started); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := store.AppendEvent(ctx, eventstore.Event{SessionID: "s1", Type: "started", Payload: []byte(`{"event":"started"}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := store.EndSession(ctx, "s1", "silence", "coffee shops", 2, started.Add(3*time.Second)); err != nil {
		t.Fatalf("end session: %v", err)
	}

	code, body := call(t, http.MethodGet, srv.URL+"/v1/sessions?limit=5")
	if code != http.StatusOK {
		t.Fatalf("sessions = %d %s", code, body)
	}
	var sessions []sessionView
	if err := json.Unmarshal(body, &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" || sessions[0].StopReason != "silence" || sessions[0].EndedAt == nil {
		t.Fatalf("unexpected sessions %s", body)
	}

	code, body = call(t, http.MethodGet, srv.URL+"/v1/sessions/s1/events")
	if code != http.StatusOK {
		t.Fatalf("events = %d %s", code, body)
	}
	var events []eventView
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "started" || !strings.Contains(string(events[0].Payload), "started") {
		t.Fatalf("unexpected events %s", body)
	}

	if code, _ := call(t, http.MethodGet, srv.URL+"/v1/sessions?limit=abc"); code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", code)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	if code, _ := call(t, http.MethodPost, srv.URL+"/v1/session/rewind"); code != http.StatusNotFound {
		t.Fatalf("unknown action = %d", code)
	}
	if code, _ := call(t, http.MethodGet, srv.URL+"/v1/session/start"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET start = %d", code)
	}
}
