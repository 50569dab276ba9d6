package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/abogen/internal/failure"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, stream Stream) ([]Segment, error) {
	t.Helper()
	var segs []Segment
	for seg, err := range stream {
		if err != nil {
			return segs, err
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func TestParseVoiceFormula(t *testing.T) {
	sel, err := ParseVoice("af_heart*0.5 + am_adam*0.3")
	if err != nil {
		t.Fatalf("ParseVoice: %v", err)
	}
	if len(sel) != 2 || sel[0].Voice != "af_heart" || sel[1].Weight != 0.3 {
		t.Fatalf("unexpected selector %+v", sel)
	}
	if !sel.IsMixture() || sel.Primary() != "af_heart" {
		t.Fatalf("unexpected mixture flags")
	}

	single, err := ParseVoice("bf_emma")
	if err != nil || single.String() != "bf_emma" {
		t.Fatalf("single voice: %v %q", err, single.String())
	}

	for _, bad := range []string{"", "a*0", "a*x", "a + ", "*0.5"} {
		if _, err := ParseVoice(bad); !errors.Is(err, failure.Of(failure.VoiceNotFound)) {
			t.Fatalf("formula %q: expected VoiceNotFound, got %v", bad, err)
		}
	}
}

func TestResolveVoiceNormalizesWeights(t *testing.T) {
	caps := NewMockBackend(DefaultMockOptions()).Capabilities()
	sel, _ := ParseVoice("af_heart*0.5 + am_adam*0.3")
	got, err := ResolveVoice(caps, sel)
	if err != nil {
		t.Fatalf("ResolveVoice: %v", err)
	}
	if math.Abs(got[0].Weight+got[1].Weight-1) > 1e-9 {
		t.Fatalf("weights do not sum to 1: %+v", got)
	}
	if math.Abs(got[0].Weight-0.625) > 1e-9 {
		t.Fatalf("unexpected weight %v", got[0].Weight)
	}
}

func TestResolveVoiceDegradesMixtureForSingleVoiceEngine(t *testing.T) {
	opts := DefaultMockOptions()
	opts.SupportsVoiceMixing = false
	caps := NewMockBackend(opts).Capabilities()
	sel, _ := ParseVoice("am_adam*0.5 + af_heart*0.5")
	got, err := ResolveVoice(caps, sel)
	if err != nil {
		t.Fatalf("ResolveVoice: %v", err)
	}
	if len(got) != 1 || got[0].Voice != "am_adam" || got[0].Weight != 1 {
		t.Fatalf("expected first voice only, got %+v", got)
	}
}

func TestResolveVoiceRejectsUnknownVoice(t *testing.T) {
	caps := NewMockBackend(DefaultMockOptions()).Capabilities()
	_, err := ResolveVoice(caps, SingleVoice("zz_nobody"))
	if !errors.Is(err, failure.Of(failure.VoiceNotFound)) {
		t.Fatalf("expected VoiceNotFound, got %v", err)
	}
	got, err := ResolveVoice(caps, nil)
	if err != nil || got.Primary() != "af_heart" {
		t.Fatalf("expected default voice, got %v %v", got, err)
	}
}

func TestMockBackendIsDeterministic(t *testing.T) {
	backend := NewMockBackend(DefaultMockOptions())
	req := Request{Text: "Hello world. This is Abogen.", Voice: SingleVoice("af_heart"), Speed: 1}

	first, err := collect(t, backend.Synthesize(context.Background(), req))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	second, _ := collect(t, backend.Synthesize(context.Background(), req))
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one segment, got %d and %d", len(first), len(second))
	}
	if len(first[0].Samples) != len(second[0].Samples) {
		t.Fatalf("sample counts differ")
	}
	for i := range first[0].Samples {
		if first[0].Samples[i] != second[0].Samples[i] {
			t.Fatalf("sample %d differs", i)
		}
	}
	if got := len(first[0].Spans); got != 5 {
		t.Fatalf("expected 5 word spans, got %d", got)
	}
	if d := first[0].Duration(); math.Abs(d-1.25) > 1e-6 {
		t.Fatalf("unexpected duration %v", d)
	}
}

func TestMockBackendSplitHint(t *testing.T) {
	backend := NewMockBackend(DefaultMockOptions())
	req := Request{Text: "One two.\nThree.", SplitHint: `\n+`, Speed: 2}
	segs, err := collect(t, backend.Synthesize(context.Background(), req))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 sub-segments, got %d", len(segs))
	}
	if segs[1].Spans[0].Offset != len("One two.\n") {
		t.Fatalf("span offset should be relative to request text, got %d", segs[1].Spans[0].Offset)
	}
	if d := segs[0].Duration(); math.Abs(d-0.25) > 1e-6 {
		t.Fatalf("speed 2 should halve duration, got %v", d)
	}
}

func TestMockBackendForcedFailure(t *testing.T) {
	opts := DefaultMockOptions()
	opts.FailChunks = []int{1}
	backend := NewMockBackend(opts)
	if _, err := collect(t, backend.Synthesize(context.Background(), Request{Text: "a", ChunkIndex: 0})); err != nil {
		t.Fatalf("chunk 0 should succeed: %v", err)
	}
	_, err := collect(t, backend.Synthesize(context.Background(), Request{Text: "a", ChunkIndex: 1}))
	if failure.KindOf(err, "") != failure.SynthesisFailure {
		t.Fatalf("expected SynthesisFailure, got %v", err)
	}
}

func TestRegistryUnknownEngine(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Info{Name: "mock"}, MockFactory(DefaultMockOptions())); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(Info{Name: "mock"}, MockFactory(DefaultMockOptions())); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	_, err := reg.New("kokoro", Options{})
	if !errors.Is(err, failure.Of(failure.EngineUnavailable)) {
		t.Fatalf("expected EngineUnavailable, got %v", err)
	}
	if cat := reg.Catalogue(); len(cat) != 1 || cat[0].DisplayName != "mock" {
		t.Fatalf("unexpected catalogue %+v", cat)
	}
}

type closeCounter struct {
	Backend
	closed *atomic.Int32
}

func (c closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func TestPoolReusesAndEvicts(t *testing.T) {
	var built, closed atomic.Int32
	factory := func(Options) (Backend, error) {
		built.Add(1)
		return closeCounter{Backend: NewMockBackend(DefaultMockOptions()), closed: &closed}, nil
	}
	reg := NewRegistry()
	_ = reg.Register(Info{Name: "a"}, factory)
	_ = reg.Register(Info{Name: "b"}, factory)

	pool, err := NewPool(reg, 1, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	first, err := pool.Acquire("a", Options{})
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	again, _ := pool.Acquire("a", Options{})
	if built.Load() != 1 {
		t.Fatalf("expected cached instance, built %d", built.Load())
	}
	again.Release()

	other, err := pool.Acquire("b", Options{})
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if closed.Load() != 0 {
		t.Fatal("leased backend must not be closed on eviction")
	}
	first.Release()
	if closed.Load() != 1 {
		t.Fatalf("expected evicted backend closed after release, closed=%d", closed.Load())
	}
	other.Release()
	pool.Close()
	if closed.Load() != 2 {
		t.Fatalf("expected pool close to close idle backend, closed=%d", closed.Load())
	}
	if _, err := pool.Acquire("a", Options{}); err == nil {
		t.Fatal("expected error from closed pool")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return "sh " + path
}

func TestExecBackendDecodesPCM(t *testing.T) {
	command := writeScript(t, `cat >/dev/null
echo '{"pcm_base64":"AAD/fw==","sample_rate":16000,"spans":[{"offset":0,"seconds":0}],"final":true}'
`)
	backend, err := NewExecBackend(ExecOptions{Name: "script", Command: command})
	if err != nil {
		t.Fatalf("NewExecBackend: %v", err)
	}
	if backend.Capabilities().Reentrant {
		t.Fatal("exec backends are not reentrant")
	}
	segs, err := collect(t, backend.Synthesize(context.Background(), Request{Text: "hi", ChunkIndex: 3}))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(segs) != 1 || len(segs[0].Samples) != 2 {
		t.Fatalf("unexpected segments %+v", segs)
	}
	if segs[0].SampleRate != 16000 || segs[0].ChunkIndex != 3 {
		t.Fatalf("unexpected segment metadata %+v", segs[0])
	}
	if segs[0].Samples[0] != 0 || segs[0].Samples[1] != 1 {
		t.Fatalf("unexpected samples %v", segs[0].Samples)
	}
}

func TestExecBackendReportsEngineError(t *testing.T) {
	command := writeScript(t, `cat >/dev/null
echo '{"error":"voice model missing"}'
`)
	backend, err := NewExecBackend(ExecOptions{Name: "script", Command: command})
	if err != nil {
		t.Fatalf("NewExecBackend: %v", err)
	}
	_, err = collect(t, backend.Synthesize(context.Background(), Request{Text: "hi"}))
	if failure.KindOf(err, "") != failure.SynthesisFailure {
		t.Fatalf("expected SynthesisFailure, got %v", err)
	}
}

func TestExecBackendMissingBinary(t *testing.T) {
	backend, err := NewExecBackend(ExecOptions{Name: "missing", Command: "/nonexistent/abogen-engine"})
	if err != nil {
		t.Fatalf("NewExecBackend: %v", err)
	}
	_, err = collect(t, backend.Synthesize(context.Background(), Request{Text: "hi"}))
	if failure.KindOf(err, "") != failure.EngineUnavailable {
		t.Fatalf("expected EngineUnavailable, got %v", err)
	}
	if _, err := NewExecBackend(ExecOptions{Name: "empty"}); err == nil {
		t.Fatal("expected empty command error")
	}
}

// inFlight records how many streams of the wrapped backend run at once.
type inFlight struct {
	Backend
	cur, peak *atomic.Int32
}

func (b inFlight) Synthesize(ctx context.Context, req Request) Stream {
	return func(yield func(Segment, error) bool) {
		n := b.cur.Add(1)
		for {
			p := b.peak.Load()
			if n <= p || b.peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		b.cur.Add(-1)
		for seg, err := range b.Backend.Synthesize(ctx, req) {
			if !yield(seg, err) {
				return
			}
		}
	}
}

func TestPoolSerializesNonReentrantBackend(t *testing.T) {
	var built, cur, peak atomic.Int32
	opts := DefaultMockOptions()
	opts.Reentrant = false
	reg := NewRegistry()
	_ = reg.Register(Info{Name: "single"}, func(Options) (Backend, error) {
		built.Add(1)
		return inFlight{Backend: NewMockBackend(opts), cur: &cur, peak: &peak}, nil
	})
	pool, err := NewPool(reg, 2, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire("single", Options{})
			if err != nil {
				errs <- err
				return
			}
			defer lease.Release()
			if lease.Capabilities().Reentrant {
				errs <- errors.New("expected non-reentrant backend")
				return
			}
			for _, err := range lease.Synthesize(context.Background(), Request{Text: "one two", Voice: "af_heart", ChunkIndex: i}) {
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("synthesize: %v", err)
	}
	if built.Load() != 1 {
		t.Fatalf("expected one shared instance, built %d", built.Load())
	}
	if peak.Load() != 1 {
		t.Fatalf("expected one stream in flight at a time, peak %d", peak.Load())
	}
}

func TestPoolLoadDoesNotBlockOtherEngines(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	reg := NewRegistry()
	_ = reg.Register(Info{Name: "slow"}, func(Options) (Backend, error) {
		close(started)
		<-unblock
		return NewMockBackend(DefaultMockOptions()), nil
	})
	_ = reg.Register(Info{Name: "fast"}, MockFactory(DefaultMockOptions()))
	pool, err := NewPool(reg, 4, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	slowDone := make(chan error, 1)
	go func() {
		lease, err := pool.Acquire("slow", Options{})
		if err == nil {
			lease.Release()
		}
		slowDone <- err
	}()
	<-started

	fastDone := make(chan error, 1)
	go func() {
		caps, err := pool.Capabilities("fast", Options{})
		if err == nil && len(caps.AvailableVoices) == 0 {
			err = errors.New("missing voices")
		}
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("fast engine: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(unblock)
		t.Fatal("loading one engine blocked another")
	}

	close(unblock)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow engine: %v", err)
	}
}

func TestExecBackendStopsEngineAfterFinal(t *testing.T) {
	command := writeScript(t, `cat >/dev/null
echo '{"pcm_base64":"AAD/fw==","final":true}'
i=0
while [ $i -lt 20000 ]; do
  echo '{"pcm_base64":"AAD/fw=="}'
  i=$((i+1))
done
`)
	backend, err := NewExecBackend(ExecOptions{Name: "chatty", Command: command})
	if err != nil {
		t.Fatalf("NewExecBackend: %v", err)
	}

	type result struct {
		segs []Segment
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		for seg, err := range backend.Synthesize(context.Background(), Request{Text: "hi"}) {
			if err != nil {
				r.err = err
				break
			}
			r.segs = append(r.segs, seg)
		}
		done <- r
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("synthesize: %v", r.err)
		}
		if len(r.segs) != 1 {
			t.Fatalf("expected only the final segment, got %d", len(r.segs))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not return after the final line")
	}
}
