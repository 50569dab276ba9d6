package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

var errPoolClosed = errors.New("engine pool closed")

// Pool shares constructed backends between jobs. Instances are cached by
// engine and device, evicted least-recently-used when the pool is full, and
// closed only after the last lease is released.
type Pool struct {
	registry *Registry
	log      *slog.Logger

	loads singleflight.Group

	mu     sync.Mutex
	cache  *lru.Cache[string, *pooled]
	closed bool
}

type pooled struct {
	key     string
	backend Backend
	refs    int
	evicted bool
}

// Lease grants use of a pooled backend until Release is called.
type Lease struct {
	Backend
	once    sync.Once
	release func()
}

// Release returns the backend to the pool.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}

// NewPool builds a pool holding at most size loaded backends.
func NewPool(registry *Registry, size int, log *slog.Logger) (*Pool, error) {
	if registry == nil {
		return nil, errors.New("engine pool requires a registry")
	}
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		registry: registry,
		log:      log.With(slog.String("component", "engine-pool")),
	}
	cache, err := lru.NewWithEvict[string, *pooled](size, p.onEvict)
	if err != nil {
		return nil, err
	}
	p.cache = cache
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p, nil
}

// Acquire returns a lease on a backend for engine name, constructing it on
// first use. Construction runs outside the pool lock and at most once per
// key at a time. Non-reentrant backends are wrapped so that only one
// stream runs at a time per instance.
func (p *Pool) Acquire(name string, opts Options) (*Lease, error) {
	key := name + "@" + opts.Device
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errPoolClosed
		}
		if entry, ok := p.cache.Get(key); ok {
			entry.refs++
			p.mu.Unlock()
			return &Lease{
				Backend: entry.backend,
				release: func() { p.release(entry) },
			}, nil
		}
		p.mu.Unlock()

		// the loaded entry may be evicted again before the next lookup;
		// the loop then loads it anew
		if _, err, _ := p.loads.Do(key, func() (any, error) {
			return nil, p.load(key, name, opts)
		}); err != nil {
			return nil, err
		}
	}
}

func (p *Pool) load(key, name string, opts Options) error {
	p.mu.Lock()
	_, cached := p.cache.Peek(key)
	p.mu.Unlock()
	if cached {
		return nil
	}

	backend, err := p.registry.New(name, opts)
	if err != nil {
		return err
	}
	if !backend.Capabilities().Reentrant {
		backend = &serialized{Backend: backend}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = backend.Close()
		return errPoolClosed
	}
	p.cache.Add(key, &pooled{key: key, backend: backend})
	p.log.Info("engine loaded", slog.String("engine", name), slog.String("device", opts.Device))
	return nil
}

// Capabilities loads engine name if needed and reports its capabilities.
func (p *Pool) Capabilities(name string, opts Options) (Capabilities, error) {
	lease, err := p.Acquire(name, opts)
	if err != nil {
		return Capabilities{}, err
	}
	defer lease.Release()
	return lease.Capabilities(), nil
}

func (p *Pool) release(entry *pooled) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry.refs--
	if entry.evicted && entry.refs == 0 {
		p.closeEntry(entry)
	}
}

// onEvict runs with p.mu held, from Add or Purge.
func (p *Pool) onEvict(_ string, entry *pooled) {
	entry.evicted = true
	if entry.refs == 0 {
		p.closeEntry(entry)
	}
}

func (p *Pool) closeEntry(entry *pooled) {
	if err := entry.backend.Close(); err != nil {
		p.log.Warn("engine close failed", slog.String("engine", entry.key), slog.String("error", err.Error()))
		return
	}
	p.log.Info("engine unloaded", slog.String("engine", entry.key))
}

// Loaded reports how many backend instances are cached.
func (p *Pool) Loaded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}

// Close evicts every cached backend. Leased instances close on release.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cache.Purge()
}

func (p *Pool) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/abogen/engine")
	gauge, err := meter.Int64ObservableGauge("abogen.engines.loaded", metric.WithDescription("Number of loaded engine instances"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(p.Loaded()))
		return nil
	}, gauge)
	return err
}

// serialized guards a non-reentrant backend so one stream runs at a time.
type serialized struct {
	Backend
	mu sync.Mutex
}

func (s *serialized) Synthesize(ctx context.Context, req Request) Stream {
	return func(yield func(Segment, error) bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for seg, err := range s.Backend.Synthesize(ctx, req) {
			if !yield(seg, err) {
				return
			}
		}
	}
}
