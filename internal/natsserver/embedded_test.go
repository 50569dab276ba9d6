package natsserver

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/abogen/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: false}, newLogger())
	if err != nil || srv != nil {
		t.Fatalf("expected no server for external bus, got %v %v", srv, err)
	}
	if srv.ClientURL() != "" {
		t.Fatal("nil server must report empty url")
	}
	srv.Shutdown()
}

func TestStartRandomPort(t *testing.T) {
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	if !strings.HasPrefix(srv.ClientURL(), "nats://127.0.0.1:") {
		t.Fatalf("unexpected client url %q", srv.ClientURL())
	}
}
