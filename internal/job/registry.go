package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/abogen/internal/engine"
	"github.com/loqalabs/abogen/internal/events"
	"github.com/loqalabs/abogen/internal/subtitle"
)

var (
	ErrNotFound        = errors.New("job not found")
	ErrAlreadyFinished = errors.New("job already finished")
	ErrClosed          = errors.New("job registry closed")
	ErrInvalidRequest  = errors.New("invalid job request")
)

// Output is handed to a Sink once every chunk has been synthesized.
type Output struct {
	JobID      string
	Name       string
	Segments   []engine.Segment
	Cues       []subtitle.Cue
	GapSeconds float64
}

// Sink encodes and stores finished audio. It returns the paths written.
type Sink interface {
	Write(ctx context.Context, out Output) ([]string, error)
}

// Options configures a Registry.
type Options struct {
	Pool          *engine.Pool
	Broker        *events.Broker
	Sink          Sink
	DefaultEngine string
	Device        string
	// MaxConcurrent bounds running jobs; 0 means unbounded.
	MaxConcurrent int
	Retention     time.Duration
	MaxWords      int
	GapSeconds    float64
	Granularity   subtitle.Granularity
	WordsPerCue   int
	// NormalizeUnicode applies NFC normalisation before chunking.
	NormalizeUnicode bool
	Logger           *slog.Logger
	Now              func() time.Time
}

// Registry is the process-wide table of jobs.
type Registry struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics
	sem     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*Job
	closed bool
}

// NewRegistry validates opts and returns an empty registry.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Pool == nil {
		return nil, errors.New("job registry requires an engine pool")
	}
	if opts.Broker == nil {
		return nil, errors.New("job registry requires an event broker")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Granularity == "" {
		opts.Granularity = subtitle.Sentence
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "jobs")),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*Job),
	}
	if opts.MaxConcurrent > 0 {
		r.sem = make(chan struct{}, opts.MaxConcurrent)
	}
	m, err := newMetrics(r)
	if err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	r.metrics = m
	return r, nil
}

// Submit creates a queued job and starts its worker. It returns without
// waiting for synthesis.
func (r *Registry) Submit(ctx context.Context, req Request) (string, error) {
	if req.Engine == "" {
		req.Engine = r.opts.DefaultEngine
	}
	if req.Speed == 0 {
		req.Speed = 1
	}
	if req.Speed < 0 {
		return "", fmt.Errorf("%w: speed must be positive, got %v", ErrInvalidRequest, req.Speed)
	}
	if req.MaxWords < 0 || req.WordsPerCue < 0 {
		return "", fmt.Errorf("%w: max_words and words_per_cue must not be negative", ErrInvalidRequest)
	}
	if _, err := subtitle.ParseGranularity(req.Granularity); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	id := uuid.NewString()
	j := newJob(id, req, r.opts.Now().UTC())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.jobs[id] = j
	r.opts.Broker.Open(id)
	r.opts.Broker.SetStatus(id, string(Queued))
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.submitted(ctx, req.Engine)
	r.log.Info("job submitted",
		slog.String("job_id", id),
		slog.String("engine", req.Engine),
		slog.Int("text_bytes", len(req.Text)),
	)
	r.publishLog(id, "info", fmt.Sprintf("job queued for engine %s", req.Engine))

	go func() {
		defer r.wg.Done()
		r.run(j)
	}()
	return id, nil
}

func (r *Registry) lookup(id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}

// Status returns the current view of a job.
func (r *Registry) Status(id string) (Info, error) {
	j, err := r.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return j.info(), nil
}

// Snapshot returns the job view together with its accumulated segments
// and cues.
func (r *Registry) Snapshot(id string) (Result, error) {
	j, err := r.lookup(id)
	if err != nil {
		return Result{}, err
	}
	return j.result(), nil
}

// List returns every known job, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()
	out := make([]Info, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.info())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Cancel asks a job to stop. A running job stops before its next chunk;
// a queued job is canceled before it starts.
func (r *Registry) Cancel(id string) error {
	j, err := r.lookup(id)
	if err != nil {
		return err
	}
	if j.info().Status.Terminal() {
		return ErrAlreadyFinished
	}
	j.requestCancel()
	r.log.Info("job cancel requested", slog.String("job_id", id))
	return nil
}

// Wait blocks until the job is terminal and returns its final view.
func (r *Registry) Wait(ctx context.Context, id string) (Info, error) {
	j, err := r.lookup(id)
	if err != nil {
		return Info{}, err
	}
	if err := j.wait(ctx); err != nil {
		return Info{}, err
	}
	return j.info(), nil
}

// Subscribe attaches to a job's event stream.
func (r *Registry) Subscribe(id string, from uint64) (*events.Subscription, error) {
	if _, err := r.lookup(id); err != nil {
		return nil, err
	}
	return r.opts.Broker.Subscribe(id, from)
}

// Reap evicts terminal jobs that finished more than the retention window
// before now. Jobs with attached subscribers are kept. It returns the
// number of jobs evicted.
func (r *Registry) Reap(now time.Time) int {
	cutoff := now.Add(-r.opts.Retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, j := range r.jobs {
		if !j.terminalSince(cutoff) {
			continue
		}
		if !r.opts.Broker.Remove(id) {
			continue
		}
		delete(r.jobs, id)
		evicted++
	}
	if evicted > 0 {
		r.log.Info("reaped jobs", slog.Int("count", evicted))
	}
	return evicted
}

// RunReaper calls Reap every interval until ctx ends.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Reap(r.opts.Now())
		}
	}
}

// Close stops accepting jobs, cancels running ones between chunks and
// waits for every worker to exit or ctx to end.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) publish(id string, evt events.Event) {
	if _, err := r.opts.Broker.Publish(id, evt); err != nil {
		r.log.Warn("publish event failed", slog.String("job_id", id), slog.String("error", err.Error()))
	}
}

func (r *Registry) publishLog(id, level, msg string) {
	r.publish(id, events.NewLog(level, msg))
}
