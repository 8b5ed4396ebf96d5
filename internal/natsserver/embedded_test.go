package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/voicesearch/internal/config"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: false}, testLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if srv != nil {
		t.Fatal("expected no server for an external broker")
	}
	if srv.ClientURL() != "" {
		t.Fatal("nil server should have no url")
	}
	srv.Shutdown()
}

func TestStartAndConnect(t *testing.T) {
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	if !nc.IsConnected() {
		t.Fatal("client not connected")
	}
}
