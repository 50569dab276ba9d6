package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/loqalabs/abogen/internal/chunker"
	"github.com/loqalabs/abogen/internal/engine"
	"github.com/loqalabs/abogen/internal/events"
	"github.com/loqalabs/abogen/internal/failure"
	"github.com/loqalabs/abogen/internal/subtitle"
)

var tracer = otel.Tracer("github.com/loqalabs/abogen/job")

// plan is everything preflight resolves before the first chunk.
type plan struct {
	chunks      []chunker.Chunk
	lease       *engine.Lease
	voice       engine.VoiceSelector
	reference   string
	speed       float64
	splitHint   string
	granularity subtitle.Granularity
}

func (r *Registry) run(j *Job) {
	ctx, span := tracer.Start(r.ctx, "job.run", trace.WithAttributes(
		attribute.String("job.id", j.id),
		attribute.String("job.engine", j.req.Engine),
	))
	defer span.End()
	log := r.log.With(slog.String("job_id", j.id))

	if !r.acquireSlot(ctx, j) {
		r.finish(ctx, j, Canceled, nil, "canceled before start")
		return
	}
	defer r.releaseSlot()

	if j.cancelRequested.Load() {
		r.finish(ctx, j, Canceled, nil, "canceled before start")
		return
	}

	p, ferr := r.preflight(ctx, j, log)
	if ferr != nil {
		span.SetStatus(codes.Error, ferr.Error())
		r.finish(ctx, j, Failed, ferr, ferr.Error())
		return
	}
	defer p.lease.Release()

	now := r.opts.Now().UTC()
	j.mu.Lock()
	j.status = Running
	j.startedAt = now
	j.chunksTotal = len(p.chunks)
	j.voice = p.voice.String()
	j.mu.Unlock()
	r.opts.Broker.SetStatus(j.id, string(Running))
	r.publishLog(j.id, "info", fmt.Sprintf("running: %d chunks with voice %s", len(p.chunks), p.voice))
	log.Info("job running", slog.Int("chunks", len(p.chunks)), slog.String("voice", p.voice.String()))

	for _, chunk := range p.chunks {
		// Synthesis is not interruptible; cancellation is observed here.
		if j.cancelRequested.Load() || ctx.Err() != nil {
			r.finish(ctx, j, Canceled, nil, fmt.Sprintf("canceled after %d of %d chunks", chunk.Index, len(p.chunks)))
			return
		}
		seg, err := r.synthesizeChunk(ctx, p, chunk)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				r.finish(ctx, j, Canceled, nil, fmt.Sprintf("shutdown during chunk %d", chunk.Index))
				return
			}
			ferr := failure.AtChunk(failure.As(err, failure.SynthesisFailure, "synthesize"), chunk.Index)
			span.SetStatus(codes.Error, ferr.Error())
			r.finish(ctx, j, Failed, ferr, ferr.Error())
			return
		}

		j.mu.Lock()
		j.segments = append(j.segments, seg)
		j.cumulative += seg.Duration()
		j.chunksDone++
		done, total, cumulative := j.chunksDone, j.chunksTotal, j.cumulative
		j.mu.Unlock()

		r.metrics.chunkDone(ctx, j.req.Engine, seg.Duration())
		r.publish(j.id, events.NewProgress(done, total))
		r.publishLog(j.id, "info", fmt.Sprintf("chunk %d/%d synthesized (%.2fs audio, %.2fs total)", done, total, seg.Duration(), cumulative))
	}

	res := j.result()
	inputs := make([]subtitle.Input, len(res.Segments))
	for i, seg := range res.Segments {
		inputs[i] = subtitle.Input{
			Text:       p.chunks[i].Text,
			Duration:   seg.Duration(),
			Spans:      seg.Spans,
			ChunkIndex: seg.ChunkIndex,
		}
	}
	cues, err := subtitle.Build(inputs, subtitle.Options{
		Granularity: p.granularity,
		WordsPerCue: r.wordsPerCue(j.req),
		GapSeconds:  r.opts.GapSeconds,
	})
	if err != nil {
		ferr := failure.As(err, failure.InvariantViolation, "build subtitles")
		r.finish(ctx, j, Failed, ferr, ferr.Error())
		return
	}
	j.mu.Lock()
	j.cues = cues
	j.mu.Unlock()

	if r.opts.Sink != nil {
		paths, err := r.opts.Sink.Write(ctx, Output{
			JobID:      j.id,
			Name:       j.req.Name,
			Segments:   res.Segments,
			Cues:       cues,
			GapSeconds: r.opts.GapSeconds,
		})
		if err != nil {
			ferr := failure.Wrap(failure.OutputFailure, "write output", err)
			r.finish(ctx, j, Failed, ferr, ferr.Error())
			return
		}
		j.mu.Lock()
		j.outputs = paths
		j.mu.Unlock()
	}

	r.finish(ctx, j, Completed, nil, fmt.Sprintf("completed: %d chunks, %d cues, %.2fs audio", len(res.Segments), len(cues), res.CumulativeSeconds))
}

// preflight resolves chunks, backend, voice and reference audio while the
// job is still queued. Any failure here produces no progress events.
func (r *Registry) preflight(ctx context.Context, j *Job, log *slog.Logger) (*plan, *failure.Error) {
	_, span := tracer.Start(ctx, "job.preflight")
	defer span.End()

	text := j.req.Text
	if r.opts.NormalizeUnicode {
		text = norm.NFC.String(text)
	}
	maxWords := j.req.MaxWords
	if maxWords <= 0 {
		maxWords = r.opts.MaxWords
	}
	chunks, err := chunker.Split(text, chunker.Options{Pattern: j.req.SplitPattern, MaxWords: maxWords})
	if err != nil {
		return nil, failure.As(err, failure.ChunkingError, "split text")
	}
	if len(chunks) == 0 {
		return nil, failure.New(failure.ChunkingError, "split text", "text contains no words")
	}

	granularity, err := subtitle.ParseGranularity(j.req.Granularity)
	if err != nil {
		return nil, failure.Wrap(failure.InvariantViolation, "subtitle granularity", err)
	}
	if j.req.Granularity == "" {
		granularity = r.opts.Granularity
	}

	var requested engine.VoiceSelector
	if j.req.Voice != "" {
		requested, err = engine.ParseVoice(j.req.Voice)
		if err != nil {
			return nil, failure.As(err, failure.VoiceNotFound, "parse voice")
		}
	}

	lease, err := r.opts.Pool.Acquire(j.req.Engine, engine.Options{Device: r.opts.Device})
	if err != nil {
		return nil, failure.As(err, failure.EngineUnavailable, "acquire engine")
	}
	caps := lease.Capabilities()

	voice, err := engine.ResolveVoice(caps, requested)
	if err != nil {
		lease.Release()
		return nil, failure.As(err, failure.VoiceNotFound, "resolve voice")
	}
	if requested.IsMixture() && !caps.SupportsVoiceMixing {
		msg := fmt.Sprintf("engine %s does not mix voices; using %s", j.req.Engine, voice.Primary())
		r.publishLog(j.id, "warning", msg)
		log.Warn("voice mixture degraded", slog.String("voice", voice.Primary()))
	}

	reference := j.req.ReferenceAudio
	if caps.RequiresReferenceAudio && reference == "" {
		reference = caps.DefaultReferenceAudio
		if reference == "" {
			lease.Release()
			return nil, failure.New(failure.MissingRequiredInput, "reference audio",
				"engine %s requires reference audio and no default is configured", j.req.Engine)
		}
	}

	return &plan{
		chunks:      chunks,
		lease:       lease,
		voice:       voice,
		reference:   reference,
		speed:       j.req.Speed,
		splitHint:   j.req.SplitPattern,
		granularity: granularity,
	}, nil
}

// synthesizeChunk drains the backend stream for one chunk and merges its
// sub-segments into a single segment. Span times are shifted so they stay
// relative to the start of the merged segment.
func (r *Registry) synthesizeChunk(ctx context.Context, p *plan, chunk chunker.Chunk) (engine.Segment, error) {
	ctx, span := tracer.Start(ctx, "job.chunk", trace.WithAttributes(attribute.Int("chunk.index", chunk.Index)))
	defer span.End()
	started := time.Now()

	req := engine.Request{
		Text:           chunk.Text,
		Voice:          p.voice,
		Speed:          p.speed,
		SplitHint:      p.splitHint,
		ReferenceAudio: p.reference,
		ChunkIndex:     chunk.Index,
	}
	merged := engine.Segment{ChunkIndex: chunk.Index}
	for seg, err := range p.lease.Synthesize(ctx, req) {
		if err != nil {
			span.RecordError(err)
			return merged, err
		}
		if len(seg.Samples) == 0 && len(seg.Spans) == 0 {
			continue
		}
		if merged.SampleRate == 0 {
			merged.SampleRate = seg.SampleRate
		}
		if seg.SampleRate != merged.SampleRate {
			return merged, failure.New(failure.InvariantViolation, "merge segments",
				"sample rate changed from %d to %d within chunk", merged.SampleRate, seg.SampleRate)
		}
		shift := merged.Duration()
		for _, s := range seg.Spans {
			merged.Spans = append(merged.Spans, engine.GraphemeSpan{Offset: s.Offset, Seconds: s.Seconds + shift})
		}
		merged.Samples = append(merged.Samples, seg.Samples...)
	}
	if len(merged.Samples) == 0 || merged.SampleRate <= 0 {
		return merged, failure.New(failure.SynthesisFailure, "synthesize", "engine returned no audio")
	}
	r.metrics.chunkLatency(ctx, time.Since(started))
	return merged, nil
}

func (r *Registry) finish(ctx context.Context, j *Job, status Status, ferr *failure.Error, message string) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	j.status = status
	j.err = ferr
	j.finishedAt = r.opts.Now().UTC()
	chunk := -1
	if ferr != nil {
		chunk = ferr.Chunk
	}
	j.mu.Unlock()

	r.opts.Broker.SetStatus(j.id, string(status))
	level := "info"
	term := events.Terminal{Status: string(status), Message: message, Chunk: chunk}
	attrs := []any{slog.String("job_id", j.id), slog.String("status", string(status))}
	if ferr != nil {
		level = "error"
		term.ErrorKind = string(ferr.Kind)
		attrs = append(attrs, slog.String("error", ferr.Error()))
	}
	r.publishLog(j.id, level, message)
	r.publish(j.id, events.NewTerminal(term))
	r.metrics.finished(ctx, j.req.Engine, status)
	if ferr != nil {
		r.log.Warn("job failed", attrs...)
	} else {
		r.log.Info("job finished", attrs...)
	}
	close(j.done)
}

func (r *Registry) acquireSlot(ctx context.Context, j *Job) bool {
	if r.sem == nil {
		return true
	}
	select {
	case r.sem <- struct{}{}:
		return true
	case <-j.cancelCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Registry) releaseSlot() {
	if r.sem != nil {
		<-r.sem
	}
}

func (r *Registry) wordsPerCue(req Request) int {
	if req.WordsPerCue > 0 {
		return req.WordsPerCue
	}
	return r.opts.WordsPerCue
}
