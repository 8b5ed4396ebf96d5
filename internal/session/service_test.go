package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/voicesearch/internal/bus"
	"github.com/loqalabs/voicesearch/internal/config"
	"github.com/loqalabs/voicesearch/internal/eventstore"
	"github.com/loqalabs/voicesearch/internal/natsserver"
	"github.com/loqalabs/voicesearch/internal/protocol"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "voicesearch-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func openJournal(t *testing.T) *eventstore.Store {
	t.Helper()
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "voicesearch.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func request(t *testing.T, client *bus.Client, subject string) protocol.CommandReply {
	t.Helper()
	msg, err := client.Conn().Request(subject, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var reply protocol.CommandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestServiceCommandsOverBus(t *testing.T) {
	client := startBus(t)
	h := newHarness(t, defaultOptions(), Authorized)
	svc := NewService(context.Background(), h.ctrl, client, nil, "en-US", 16, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("service should be healthy")
	}

	reply := request(t, client, protocol.SubjectControlStart)
	if !reply.OK || !reply.Started || reply.SessionID == "" || reply.State != "recording" {
		t.Fatalf("unexpected start reply %+v", reply)
	}

	status := request(t, client, protocol.SubjectControlStatus)
	if status.SessionID != reply.SessionID || status.State != "recording" {
		t.Fatalf("unexpected status reply %+v", status)
	}

	toggled := request(t, client, protocol.SubjectControlToggle)
	if !toggled.OK || toggled.Started || toggled.State != "idle" {
		t.Fatalf("unexpected toggle reply %+v", toggled)
	}

	stopped := request(t, client, protocol.SubjectControlStop)
	if !stopped.OK || stopped.State != "idle" {
		t.Fatalf("unexpected stop reply %+v", stopped)
	}
}

func TestServiceReportsStartFailure(t *testing.T) {
	client := startBus(t)
	h := newHarness(t, defaultOptions(), Denied)
	svc := NewService(context.Background(), h.ctrl, client, nil, "en-US", 16, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	reply := request(t, client, protocol.SubjectControlStart)
	if reply.OK || reply.Error == "" || reply.State != "idle" {
		t.Fatalf("expected failure reply, got %+v", reply)
	}
}

func TestServicePublishesTranscripts(t *testing.T) {
	client := startBus(t)
	h := newHarness(t, defaultOptions(), Authorized)
	svc := NewService(context.Background(), h.ctrl, client, nil, "en-US", 16, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	partials := make(chan *nats.Msg, 8)
	finals := make(chan *nats.Msg, 8)
	statuses := make(chan *nats.Msg, 8)
	for subject, ch := range map[string]chan *nats.Msg{
		protocol.SubjectTranscriptPartial: partials,
		protocol.SubjectTranscriptFinal:   finals,
		protocol.SubjectSessionStatus:     statuses,
	} {
		sub, err := client.Conn().ChanSubscribe(subject, ch)
		if err != nil {
			t.Fatalf("subscribe %s: %v", subject, err)
		}
		t.Cleanup(func() { _ = sub.Unsubscribe() })
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	id := h.start()
	task := h.rec.task(0)
	task.emit("coffee shops", 2, false)
	task.emit("coffee shops near me", 4, true)

	partial := receive[protocol.Transcript](t, partials)
	if partial.SessionID != id || partial.Text != "coffee shops" || !partial.Partial || partial.Segments != 2 {
		t.Fatalf("unexpected partial %+v", partial)
	}
	final := receive[protocol.Transcript](t, finals)
	if final.Text != "coffee shops near me" || final.Partial {
		t.Fatalf("unexpected final %+v", final)
	}

	started := receive[protocol.SessionStatus](t, statuses)
	if started.Event != "started" || started.SessionID != id {
		t.Fatalf("unexpected status %+v", started)
	}
	ended := receive[protocol.SessionStatus](t, statuses)
	if ended.Event != "stopped" || ended.Reason != "final" || ended.State != "idle" {
		t.Fatalf("unexpected status %+v", ended)
	}
}

func TestServiceJournalsSessions(t *testing.T) {
	store := openJournal(t)
	h := newHarness(t, defaultOptions(), Authorized)
	svc := NewService(context.Background(), h.ctrl, nil, store, "en-US", 16, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}

	id := h.start()
	h.rec.task(0).emit("pizza", 1, false)
	h.sync()
	h.clock.Advance(silence)
	h.sync()
	svc.Close()

	sessions, err := store.RecentSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.ID != id || got.StopReason != "silence" || got.Transcript != "pizza" || got.WordCount != 1 || got.Locale != "en-US" {
		t.Fatalf("unexpected session %+v", got)
	}

	events, err := store.ListSessionEvents(context.Background(), id, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Type)
	}
	want := []string{"started", "transcript", "stopped"}
	if len(kinds) != len(want) {
		t.Fatalf("journaled %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("journaled %v, want %v", kinds, want)
		}
	}
}

func receive[T any](t *testing.T, ch <-chan *nats.Msg) T {
	t.Helper()
	var v T
	select {
	case msg := <-ch:
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			t.Fatalf("decode %s: %v", msg.Subject, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return v
}

func sessionByID(t *testing.T, store *eventstore.Store, id string) eventstore.Session {
	t.Helper()
	sessions, err := store.RecentSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	for _, s := range sessions {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("session %s not journaled", id)
	return eventstore.Session{}
}

func TestServiceJournalsShutdownAfterParentCancel(t *testing.T) {
	store := openJournal(t)
	h := newHarness(t, defaultOptions(), Authorized)
	ctx, cancel := context.WithCancel(context.Background())
	svc := NewService(ctx, h.ctrl, nil, store, "en-US", 16, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}

	id := h.start()
	h.rec.task(0).emit("pizza", 1, false)
	h.sync()

	cancel()
	h.ctrl.Close()
	svc.Close()

	got := sessionByID(t, store, id)
	if got.StopReason != string(ReasonShutdown) || got.EndedAt.IsZero() {
		t.Fatalf("shutdown not journaled: %+v", got)
	}
	if got.Transcript != "pizza" || got.WordCount != 1 {
		t.Fatalf("unexpected transcript %q (%d words)", got.Transcript, got.WordCount)
	}
}

func TestServiceJournalsEachSessionTranscript(t *testing.T) {
	store := openJournal(t)
	h := newHarness(t, defaultOptions(), Authorized)
	svc := NewService(context.Background(), h.ctrl, nil, store, "en-US", 16, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}

	first := h.start()
	h.rec.task(0).emit("coffee shops", 2, false)
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	second := h.start()
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.sync()
	svc.Close()

	if got := sessionByID(t, store, first); got.Transcript != "coffee shops" || got.WordCount != 2 {
		t.Fatalf("first session %+v", got)
	}
	if got := sessionByID(t, store, second); got.Transcript != "" || got.WordCount != 0 || got.StopReason != string(ReasonUser) {
		t.Fatalf("second session %+v", got)
	}
}
