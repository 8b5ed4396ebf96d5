package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/voicesearch/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "voicesearch.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if es.Enabled() {
		t.Fatal("ephemeral store should not open a database")
	}
	if err := es.BeginSession(ctx, "s1", "en-US", time.Time{}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s1", Type: "started"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil || len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %v (%v)", sessions, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := es.BeginSession(ctx, "session-123", "en-US", started); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for i, kind := range []string{"started", "transcript", "stopped"} {
		evt := Event{
			SessionID: "session-123",
			Type:      kind,
			Payload:   []byte(kind),
			CreatedAt: started.Add(time.Duration(i) * time.Second),
		}
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	ended := started.Add(3 * time.Second)
	if err := es.EndSession(ctx, "session-123", "silence", "coffee shops near me", 4, ended); err != nil {
		t.Fatalf("end session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != "started" || events[2].Type != "stopped" {
		t.Fatalf("unexpected order: %s, %s", events[0].Type, events[2].Type)
	}
	if string(events[1].Payload) != "transcript" {
		t.Fatalf("unexpected payload: %s", events[1].Payload)
	}
	if !events[1].CreatedAt.Equal(started.Add(time.Second)) {
		t.Fatalf("unexpected timestamp: %s", events[1].CreatedAt)
	}

	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.StopReason != "silence" || got.Transcript != "coffee shops near me" || got.WordCount != 4 {
		t.Fatalf("unexpected session %+v", got)
	}
	if !got.StartedAt.Equal(started) || !got.EndedAt.Equal(ended) {
		t.Fatalf("unexpected times %s - %s", got.StartedAt, got.EndedAt)
	}
}

func TestEndUnknownSession(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.EndSession(context.Background(), "missing", "user", "", 0, time.Time{}); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestRecentSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := es.BeginSession(ctx, id, "en-US", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("begin session: %v", err)
		}
	}
	sessions, err := es.RecentSessions(ctx, 2)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if !sessions[0].EndedAt.IsZero() {
		t.Fatal("open session should have no end time")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "old-session", "en-US", time.Time{}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "started"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "new-session", "en-US", time.Time{}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.BeginSession(ctx, "newer-session", "en-US", es.clock().Add(time.Hour)); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "newer-session" {
		t.Fatalf("unexpected sessions after prune %+v", sessions)
	}
}
