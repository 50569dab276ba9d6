package job

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	submittedTotal metric.Int64Counter
	finishedTotal  metric.Int64Counter
	chunksTotal    metric.Int64Counter
	audioSeconds   metric.Float64Counter
	chunkDuration  metric.Float64Histogram
}

func newMetrics(r *Registry) (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/abogen/job")
	m := &metrics{}
	var err error
	if m.submittedTotal, err = meter.Int64Counter("abogen.jobs.submitted", metric.WithDescription("Jobs submitted")); err != nil {
		return nil, err
	}
	if m.finishedTotal, err = meter.Int64Counter("abogen.jobs.finished", metric.WithDescription("Jobs reaching a terminal state")); err != nil {
		return nil, err
	}
	if m.chunksTotal, err = meter.Int64Counter("abogen.chunks.synthesized", metric.WithDescription("Chunks synthesized")); err != nil {
		return nil, err
	}
	if m.audioSeconds, err = meter.Float64Counter("abogen.audio.seconds", metric.WithDescription("Seconds of audio produced"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.chunkDuration, err = meter.Float64Histogram("abogen.chunk.synthesis.duration", metric.WithDescription("Wall-clock time to synthesize one chunk"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	active, err := meter.Int64ObservableGauge("abogen.jobs.active", metric.WithDescription("Jobs not yet in a terminal state"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var n int64
		for _, info := range r.List() {
			if !info.Status.Terminal() {
				n++
			}
		}
		obs.ObserveInt64(active, n)
		return nil
	}, active)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) submitted(ctx context.Context, engine string) {
	if m == nil {
		return
	}
	m.submittedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
}

func (m *metrics) finished(ctx context.Context, engine string, status Status) {
	if m == nil {
		return
	}
	m.finishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("status", string(status)),
	))
}

func (m *metrics) chunkDone(ctx context.Context, engine string, audio float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("engine", engine))
	m.chunksTotal.Add(ctx, 1, attrs)
	m.audioSeconds.Add(ctx, audio, attrs)
}

func (m *metrics) chunkLatency(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.chunkDuration.Record(ctx, d.Seconds())
}
