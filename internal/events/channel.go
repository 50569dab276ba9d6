package events

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"
)

var (
	// ErrClosed is returned when publishing to a finished channel or
	// reading from a broker that has shut down.
	ErrClosed = errors.New("event channel closed")
	// ErrUnknownJob is returned for job ids without a channel.
	ErrUnknownJob = errors.New("unknown job")
)

// DefaultLogCap bounds retained log events per job.
const DefaultLogCap = 1000

// Channel is the event log of one job. One goroutine publishes; any number
// of subscriptions read concurrently through their own cursors.
type Channel struct {
	jobID  string
	logCap int

	mu          sync.Mutex
	cond        *sync.Cond
	events      []Event
	logs        int
	dropped     int
	nextSeq     uint64
	status      string
	finished    bool
	shutdown    bool
	subscribers int
	finishedAt  time.Time
}

func newChannel(jobID string, logCap int) *Channel {
	if logCap <= 0 {
		logCap = DefaultLogCap
	}
	c := &Channel{jobID: jobID, logCap: logCap}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// publish sequences evt and appends it. Log events beyond the cap evict
// the oldest retained log event; other kinds are never evicted.
func (c *Channel) publish(evt Event) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || c.shutdown {
		return Event{}, ErrClosed
	}
	c.nextSeq++
	evt.Seq = c.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	c.events = append(c.events, evt)
	if evt.Kind == KindLog {
		c.logs++
		if c.logs > c.logCap {
			c.dropOldestLogLocked()
		}
	}
	if evt.Kind == KindTerminal {
		c.finished = true
		c.finishedAt = evt.Timestamp
		if t, ok := evt.Payload.(Terminal); ok {
			c.status = t.Status
		}
	}
	c.cond.Broadcast()
	return evt, nil
}

func (c *Channel) dropOldestLogLocked() {
	for i, e := range c.events {
		if e.Kind == KindLog {
			c.events = append(c.events[:i], c.events[i+1:]...)
			c.logs--
			c.dropped++
			return
		}
	}
}

func (c *Channel) setStatus(status string) {
	c.mu.Lock()
	if !c.finished {
		c.status = status
	}
	c.mu.Unlock()
}

func (c *Channel) close() {
	c.mu.Lock()
	c.shutdown = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Stats summarises a channel for diagnostics.
type Stats struct {
	LastSeq     uint64
	Retained    int
	Logs        int
	Dropped     int
	Subscribers int
	Finished    bool
	FinishedAt  time.Time
}

func (c *Channel) stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		LastSeq:     c.nextSeq,
		Retained:    len(c.events),
		Logs:        c.logs,
		Dropped:     c.dropped,
		Subscribers: c.subscribers,
		Finished:    c.finished,
		FinishedAt:  c.finishedAt,
	}
}

// Subscription is a read cursor over one channel. It is not safe for use
// by several goroutines.
type Subscription struct {
	ch       *Channel
	cursor   uint64
	initSent bool
	done     bool
	once     sync.Once
}

func (c *Channel) subscribe(from uint64) *Subscription {
	c.mu.Lock()
	c.subscribers++
	c.mu.Unlock()
	cursor := uint64(0)
	if from > 0 {
		cursor = from - 1
	}
	return &Subscription{ch: c, cursor: cursor}
}

// Next returns the next event. The first call returns an init snapshot;
// later calls replay buffered events with Seq at or above the requested
// start and then block for live events. After the terminal event has been
// returned Next reports io.EOF.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	c := s.ch
	if !s.initSent {
		s.initSent = true
		c.mu.Lock()
		snap := Init{JobID: c.jobID, Status: c.status, BufferedLogs: c.logs, LastSeq: c.nextSeq}
		c.mu.Unlock()
		return Event{Kind: KindInit, Timestamp: time.Now().UTC(), Payload: snap}, nil
	}

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		idx := sort.Search(len(c.events), func(i int) bool { return c.events[i].Seq > s.cursor })
		if idx < len(c.events) {
			evt := c.events[idx]
			s.cursor = evt.Seq
			if evt.Kind == KindTerminal {
				s.done = true
			}
			return evt, nil
		}
		if c.finished {
			// terminal was before the requested start
			s.done = true
			return Event{}, io.EOF
		}
		if c.shutdown {
			return Event{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		c.cond.Wait()
	}
}

// Close detaches the subscription. Other subscribers are unaffected.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.ch.mu.Lock()
		s.ch.subscribers--
		s.ch.mu.Unlock()
	})
}
