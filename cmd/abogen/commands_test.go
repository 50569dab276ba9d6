package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/abogen/internal/api"
	"github.com/loqalabs/abogen/internal/engine"
	"github.com/loqalabs/abogen/internal/events"
	"github.com/loqalabs/abogen/internal/job"
)

func newDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engines := engine.NewRegistry()
	if err := engines.Register(engine.Info{Name: "mock", DisplayName: "Mock"}, engine.MockFactory(engine.DefaultMockOptions())); err != nil {
		t.Fatalf("register: %v", err)
	}
	pool, err := engine.NewPool(engines, 2, logger)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	jobs, err := job.NewRegistry(job.Options{
		Pool:          pool,
		Broker:        events.NewBroker(0, logger),
		DefaultEngine: "mock",
		Retention:     time.Minute,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Close(ctx)
	})
	srv := httptest.NewServer(api.NewServer(api.Options{
		Jobs:          jobs,
		Engines:       engines,
		Voices:        pool,
		DefaultEngine: "mock",
		Logger:        logger,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, server, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--server", server}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestSubmitFollowAndStatus(t *testing.T) {
	srv := newDaemon(t)

	out, err := runCLI(t, srv.URL, "Hello world. This is a test.", "submit", "--json", "--name", "intro")
	if err != nil {
		t.Fatalf("submit: %v\n%s", err, out)
	}
	var submitted map[string]string
	if err := json.Unmarshal([]byte(out), &submitted); err != nil {
		t.Fatalf("decode submit output %q: %v", out, err)
	}
	id := submitted["job_id"]
	if id == "" {
		t.Fatalf("missing job id in %q", out)
	}

	out, err = runCLI(t, srv.URL, "", "follow", id)
	if err != nil {
		t.Fatalf("follow: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed") {
		t.Fatalf("expected terminal line, got %q", out)
	}

	out, err = runCLI(t, srv.URL, "", "--json", "status", id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var info job.Info
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if info.Status != job.Completed || info.Name != "intro" {
		t.Fatalf("unexpected status %+v", info)
	}

	out, err = runCLI(t, srv.URL, "", "list", "--status", "completed")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "100%") {
		t.Fatalf("list output missing job: %q", out)
	}
}

func TestSubmitFollowReportsFailure(t *testing.T) {
	srv := newDaemon(t)

	out, err := runCLI(t, srv.URL, "Some text.", "submit", "--voice", "nobody", "--follow")
	if err == nil {
		t.Fatalf("expected failure, got output %q", out)
	}
	if !strings.Contains(err.Error(), "failed") {
		t.Fatalf("unexpected error %v", err)
	}
	if !strings.Contains(out, "Submitted job") {
		t.Fatalf("expected submission line, got %q", out)
	}
}

func TestSubmitRejectsEmptyText(t *testing.T) {
	srv := newDaemon(t)
	if _, err := runCLI(t, srv.URL, "   ", "submit"); err == nil || !strings.Contains(err.Error(), "no text") {
		t.Fatalf("expected empty text error, got %v", err)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	srv := newDaemon(t)
	_, err := runCLI(t, srv.URL, "", "status", "missing")
	if err == nil || !strings.Contains(err.Error(), "not_found") {
		t.Fatalf("expected not_found error, got %v", err)
	}
}

func TestEnginesAndVoices(t *testing.T) {
	srv := newDaemon(t)

	out, err := runCLI(t, srv.URL, "", "engines")
	if err != nil {
		t.Fatalf("engines: %v", err)
	}
	if !strings.Contains(out, "mock") || !strings.Contains(out, "Mock") {
		t.Fatalf("unexpected engines output %q", out)
	}

	out, err = runCLI(t, srv.URL, "", "voices", "mock")
	if err != nil {
		t.Fatalf("voices: %v", err)
	}
	for _, want := range []string{"af_heart", "bf_emma", "mixing=true", "24,000"} {
		if !strings.Contains(out, want) {
			t.Fatalf("voices output missing %q: %q", want, out)
		}
	}
}

func TestInvalidServerURL(t *testing.T) {
	if _, err := runCLI(t, "not a url", "", "list"); err == nil {
		t.Fatal("expected invalid server error")
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"x"}}, []columnAlignment{alignLeft, alignRight})
	if !strings.Contains(out, "x") || strings.Count(out, "\n") < 4 {
		t.Fatalf("unexpected table %q", out)
	}
	if renderTable(nil, nil, nil) != "" {
		t.Fatal("expected empty table for no headers")
	}
}
