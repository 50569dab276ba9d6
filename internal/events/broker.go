package events

import (
	"log/slog"
	"sync"
)

// Sink receives every published event after it has been sequenced. Sinks
// run on the publishing goroutine, in publish order.
type Sink interface {
	Append(jobID string, evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(jobID string, evt Event)

func (f SinkFunc) Append(jobID string, evt Event) { f(jobID, evt) }

// Broker owns the channels of all jobs in the process.
type Broker struct {
	logCap int
	log    *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
	sinks    []Sink
	closed   bool
}

// NewBroker creates a broker retaining at most logCap log events per job.
func NewBroker(logCap int, log *slog.Logger) *Broker {
	if logCap <= 0 {
		logCap = DefaultLogCap
	}
	return &Broker{
		logCap:   logCap,
		log:      log.With(slog.String("component", "events")),
		channels: make(map[string]*Channel),
	}
}

// AddSink registers a sink for all future events.
func (b *Broker) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Open creates the channel for jobID. Opening an existing id returns it.
func (b *Broker) Open(jobID string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.channels[jobID]; ok {
		return c
	}
	c := newChannel(jobID, b.logCap)
	if b.closed {
		c.shutdown = true
	}
	b.channels[jobID] = c
	return c
}

func (b *Broker) channel(jobID string) (*Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.channels[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}
	return c, nil
}

// Publish sequences evt on the job's channel, wakes subscribers, then
// hands the sequenced event to every sink.
func (b *Broker) Publish(jobID string, evt Event) (Event, error) {
	c, err := b.channel(jobID)
	if err != nil {
		return Event{}, err
	}
	evt, err = c.publish(evt)
	if err != nil {
		return Event{}, err
	}
	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()
	for _, sink := range sinks {
		sink.Append(jobID, evt)
	}
	return evt, nil
}

// SetStatus records the job status reported in init frames.
func (b *Broker) SetStatus(jobID, status string) {
	if c, err := b.channel(jobID); err == nil {
		c.setStatus(status)
	}
}

// Subscribe attaches a cursor that replays events with Seq >= from (0
// replays everything) and then follows live events.
func (b *Broker) Subscribe(jobID string, from uint64) (*Subscription, error) {
	c, err := b.channel(jobID)
	if err != nil {
		return nil, err
	}
	return c.subscribe(from), nil
}

// Stats reports channel counters for jobID.
func (b *Broker) Stats(jobID string) (Stats, error) {
	c, err := b.channel(jobID)
	if err != nil {
		return Stats{}, err
	}
	return c.stats(), nil
}

// Remove drops the channel for jobID. It refuses, returning false, while
// a subscription is attached.
func (b *Broker) Remove(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.channels[jobID]
	if !ok {
		return true
	}
	if c.stats().Subscribers > 0 {
		return false
	}
	delete(b.channels, jobID)
	c.close()
	return true
}

// Close wakes every waiting subscription with ErrClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, c := range b.channels {
		c.close()
	}
	b.log.Info("event broker closed", slog.Int("channels", len(b.channels)))
}
