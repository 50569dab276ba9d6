package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/abogen/internal/config"
	"github.com/loqalabs/abogen/internal/events"
	"github.com/loqalabs/abogen/internal/job"
	"github.com/loqalabs/abogen/internal/natsserver"
	"github.com/loqalabs/abogen/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

type fakeJobs struct {
	mu       sync.Mutex
	jobs     map[string]job.Info
	canceled []string
}

func (f *fakeJobs) Submit(_ context.Context, req job.Request) (string, error) {
	if req.Speed < 0 {
		return "", job.ErrInvalidRequest
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "job-" + req.Name
	f.jobs[id] = job.Info{ID: id, Name: req.Name, Engine: req.Engine, Status: job.Queued}
	return id, nil
}

func (f *fakeJobs) Status(id string) (job.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.jobs[id]
	if !ok {
		return job.Info{}, job.ErrNotFound
	}
	return info, nil
}

func (f *fakeJobs) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if info.Status.Terminal() {
		return job.ErrAlreadyFinished
	}
	info.Status = job.Canceled
	f.jobs[id] = info
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeJobs) List() []job.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]job.Info, 0, len(f.jobs))
	for _, info := range f.jobs {
		out = append(out, info)
	}
	return out
}

func TestServiceRequestReply(t *testing.T) {
	client := startBus(t)
	jobs := &fakeJobs{jobs: map[string]job.Info{}}
	svc := NewService(context.Background(), client, jobs, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var submitted protocol.SubmitReply
	if err := client.RequestJSON(ctx, protocol.SubjectJobSubmit, protocol.SubmitRequest{Name: "ch1", Text: "Hello.", Engine: "mock"}, &submitted); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Error != nil || submitted.JobID != "job-ch1" {
		t.Fatalf("unexpected submit reply %+v", submitted)
	}

	var status protocol.StatusReply
	if err := client.RequestJSON(ctx, protocol.SubjectJobStatus, protocol.JobRef{JobID: "job-ch1"}, &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Job == nil || status.Job.Status != job.Queued {
		t.Fatalf("unexpected status reply %+v", status)
	}

	var canceled protocol.StatusReply
	if err := client.RequestJSON(ctx, protocol.SubjectJobCancel, protocol.JobRef{JobID: "job-ch1"}, &canceled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Job == nil || canceled.Job.Status != job.Canceled {
		t.Fatalf("unexpected cancel reply %+v", canceled)
	}

	var again protocol.StatusReply
	if err := client.RequestJSON(ctx, protocol.SubjectJobCancel, protocol.JobRef{JobID: "job-ch1"}, &again); err != nil {
		t.Fatalf("cancel again: %v", err)
	}
	if again.Error == nil || again.Error.Code != protocol.CodeAlreadyFinished {
		t.Fatalf("expected already_finished, got %+v", again)
	}

	var missing protocol.StatusReply
	if err := client.RequestJSON(ctx, protocol.SubjectJobStatus, protocol.JobRef{JobID: "nope"}, &missing); err != nil {
		t.Fatalf("status missing: %v", err)
	}
	if missing.Error == nil || missing.Error.Code != protocol.CodeNotFound {
		t.Fatalf("expected not_found, got %+v", missing)
	}

	var bad protocol.SubmitReply
	if err := client.RequestJSON(ctx, protocol.SubjectJobSubmit, protocol.SubmitRequest{Name: "x", Speed: -1}, &bad); err != nil {
		t.Fatalf("submit invalid: %v", err)
	}
	if bad.Error == nil || bad.Error.Code != protocol.CodeBadRequest {
		t.Fatalf("expected bad_request, got %+v", bad)
	}

	var list protocol.ListReply
	if err := client.RequestJSON(ctx, protocol.SubjectJobList, struct{}{}, &list); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(list.Jobs))
	}
}

func TestServiceMalformedRequest(t *testing.T) {
	client := startBus(t)
	svc := NewService(context.Background(), client, &fakeJobs{jobs: map[string]job.Info{}}, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	msg, err := client.Conn().Request(protocol.SubjectJobStatus, []byte("{not json"), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.StatusReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Error == nil || reply.Error.Code != protocol.CodeBadRequest {
		t.Fatalf("expected bad_request, got %+v", reply)
	}
}

func TestMirrorPublishesEvents(t *testing.T) {
	client := startBus(t)
	sub, err := client.Conn().SubscribeSync(protocol.JobEventsSubject("job-1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	broker := events.NewBroker(10, newLogger())
	broker.AddSink(NewMirror(client))
	broker.Open("job-1")
	if _, err := broker.Publish("job-1", events.NewLog("info", "first")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := broker.Publish("job-1", events.NewProgress(1, 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for want := uint64(1); want <= 2; want++ {
		msg, err := sub.NextMsg(5 * time.Second)
		if err != nil {
			t.Fatalf("next msg: %v", err)
		}
		var evt protocol.JobEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if evt.JobID != "job-1" || evt.Event.Seq != want {
			t.Fatalf("unexpected mirrored event %+v", evt)
		}
	}
}
