package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestBroker(logCap int) *Broker {
	return NewBroker(logCap, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []Event
	for {
		evt, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, evt)
	}
}

func TestReplayThenLiveWithoutGaps(t *testing.T) {
	b := newTestBroker(0)
	b.Open("job")
	for i := 0; i < 5; i++ {
		if _, err := b.Publish("job", NewLog("info", "line")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	sub, err := b.Subscribe("job", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Publish("job", NewProgress(1, 2))
		b.Publish("job", NewProgress(2, 2))
		b.Publish("job", NewTerminal(Terminal{Status: "completed", Chunk: -1}))
	}()

	got := drain(t, sub)
	wg.Wait()
	if len(got) != 9 {
		t.Fatalf("expected init + 8 events, got %d", len(got))
	}
	if got[0].Kind != KindInit {
		t.Fatalf("first frame should be init, got %s", got[0].Kind)
	}
	for i, evt := range got[1:] {
		if evt.Seq != uint64(i+1) {
			t.Fatalf("position %d: seq %d", i, evt.Seq)
		}
	}
	if got[len(got)-1].Kind != KindTerminal {
		t.Fatal("last event should be terminal")
	}
}

func TestSubscribeFromSequence(t *testing.T) {
	b := newTestBroker(0)
	b.Open("job")
	for i := 0; i < 4; i++ {
		b.Publish("job", NewLog("info", "x"))
	}
	b.Publish("job", NewTerminal(Terminal{Status: "completed", Chunk: -1}))

	sub, _ := b.Subscribe("job", 3)
	defer sub.Close()
	got := drain(t, sub)
	snap := got[0].Payload.(Init)
	if snap.LastSeq != 5 || snap.Status != "completed" || snap.BufferedLogs != 4 {
		t.Fatalf("unexpected init %+v", snap)
	}
	if len(got) != 4 || got[1].Seq != 3 {
		t.Fatalf("expected replay from seq 3, got %+v", got)
	}

	late, _ := b.Subscribe("job", 99)
	defer late.Close()
	if rest := drain(t, late); len(rest) != 1 {
		t.Fatalf("expected only init after end of log, got %d", len(rest))
	}
}

func TestLogCapDropsOldestLogsOnly(t *testing.T) {
	b := newTestBroker(2)
	b.Open("job")
	b.Publish("job", NewProgress(0, 1))
	for i := 0; i < 5; i++ {
		b.Publish("job", NewLog("info", "x"))
	}
	stats, _ := b.Stats("job")
	if stats.Logs != 2 || stats.Dropped != 3 || stats.Retained != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	sub, _ := b.Subscribe("job", 0)
	defer sub.Close()
	ctx := context.Background()
	sub.Next(ctx) // init
	first, _ := sub.Next(ctx)
	if first.Kind != KindProgress || first.Seq != 1 {
		t.Fatalf("progress must survive log eviction, got %+v", first)
	}
	second, _ := sub.Next(ctx)
	if second.Seq != 5 {
		t.Fatalf("expected oldest retained log seq 5, got %d", second.Seq)
	}
}

func TestDetachDoesNotAffectOthers(t *testing.T) {
	b := newTestBroker(0)
	b.Open("job")
	a, _ := b.Subscribe("job", 0)
	c, _ := b.Subscribe("job", 0)
	a.Close()
	a.Close()
	b.Publish("job", NewLog("info", "hello"))
	b.Publish("job", NewTerminal(Terminal{Status: "canceled", Chunk: -1}))
	if got := drain(t, c); len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	c.Close()
	if stats, _ := b.Stats("job"); stats.Subscribers != 0 {
		t.Fatalf("expected no subscribers, got %d", stats.Subscribers)
	}
}

func TestNextHonoursContext(t *testing.T) {
	b := newTestBroker(0)
	b.Open("job")
	sub, _ := b.Subscribe("job", 0)
	defer sub.Close()
	sub.Next(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestPublishAfterTerminalFails(t *testing.T) {
	b := newTestBroker(0)
	b.Open("job")
	b.Publish("job", NewTerminal(Terminal{Status: "failed", ErrorKind: "SynthesisFailure", Chunk: 2}))
	if _, err := b.Publish("job", NewLog("info", "late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := b.Publish("nope", NewLog("info", "x")); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestRemoveWaitsForSubscribers(t *testing.T) {
	b := newTestBroker(0)
	b.Open("job")
	sub, _ := b.Subscribe("job", 0)
	if b.Remove("job") {
		t.Fatal("remove should refuse while subscribed")
	}
	sub.Close()
	if !b.Remove("job") {
		t.Fatal("remove should succeed after detach")
	}
	if _, err := b.Subscribe("job", 0); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestSinksReceiveSequencedEvents(t *testing.T) {
	b := newTestBroker(0)
	b.Open("job")
	var seqs []uint64
	b.AddSink(SinkFunc(func(jobID string, evt Event) {
		if jobID == "job" {
			seqs = append(seqs, evt.Seq)
		}
	}))
	b.Publish("job", NewLog("info", "a"))
	b.Publish("job", NewProgress(1, 1))
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("unexpected sink sequence %v", seqs)
	}
}

func TestEventJSONDecodesPayload(t *testing.T) {
	b := newTestBroker(0)
	b.Open("job")
	evt, _ := b.Publish("job", NewTerminal(Terminal{Status: "failed", ErrorKind: "VoiceNotFound", Message: "no voice", Chunk: -1}))
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	term, ok := decoded.Payload.(Terminal)
	if !ok || term.ErrorKind != "VoiceNotFound" || decoded.Seq != 1 {
		t.Fatalf("unexpected decoded event %+v", decoded)
	}
	if err := json.Unmarshal([]byte(`{"kind":"bogus"}`), &decoded); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
