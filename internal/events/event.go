// Package events implements the per-job event log: an append-only,
// sequence-numbered buffer with live fan-out and replay for late
// subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates event payloads on the wire.
type Kind string

const (
	KindLog      Kind = "log"
	KindProgress Kind = "progress"
	KindInit     Kind = "init"
	KindTerminal Kind = "terminal"
)

// Event is one entry of a job's log. Seq starts at 1 and increases by one
// per published event. Init frames are synthesized per subscriber and
// carry Seq 0.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Log is a human-readable line.
type Log struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Progress reports chunk completion.
type Progress struct {
	Percent     float64 `json:"percent"`
	ChunksDone  int     `json:"chunks_done"`
	ChunksTotal int     `json:"chunks_total"`
}

// Init is the first frame a subscriber receives.
type Init struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	BufferedLogs int    `json:"buffered_logs"`
	LastSeq      uint64 `json:"last_seq"`
}

// Terminal closes a job's log. ErrorKind is empty for completed and
// canceled jobs. Chunk is -1 when the failure is not tied to a chunk.
type Terminal struct {
	Status    string `json:"status"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message"`
	Chunk     int    `json:"chunk"`
}

// NewLog builds an unsequenced log event.
func NewLog(level, message string) Event {
	return Event{Kind: KindLog, Payload: Log{Level: level, Message: message}}
}

// NewProgress builds an unsequenced progress event.
func NewProgress(done, total int) Event {
	pct := 100.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	return Event{Kind: KindProgress, Payload: Progress{Percent: pct, ChunksDone: done, ChunksTotal: total}}
}

// NewTerminal builds an unsequenced terminal event.
func NewTerminal(t Terminal) Event {
	return Event{Kind: KindTerminal, Payload: t}
}

// UnmarshalJSON decodes Payload into the concrete type named by Kind.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Seq       uint64          `json:"seq"`
		Kind      Kind            `json:"kind"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Seq, e.Kind, e.Timestamp = raw.Seq, raw.Kind, raw.Timestamp
	var err error
	switch raw.Kind {
	case KindLog:
		var p Log
		err = json.Unmarshal(raw.Payload, &p)
		e.Payload = p
	case KindProgress:
		var p Progress
		err = json.Unmarshal(raw.Payload, &p)
		e.Payload = p
	case KindInit:
		var p Init
		err = json.Unmarshal(raw.Payload, &p)
		e.Payload = p
	case KindTerminal:
		var p Terminal
		err = json.Unmarshal(raw.Payload, &p)
		e.Payload = p
	default:
		return fmt.Errorf("unknown event kind %q", raw.Kind)
	}
	return err
}

// String renders the event for CLI output.
func (e Event) String() string {
	switch p := e.Payload.(type) {
	case Log:
		return fmt.Sprintf("[%s] %s", p.Level, p.Message)
	case Progress:
		return fmt.Sprintf("progress %.1f%% (%d/%d)", p.Percent, p.ChunksDone, p.ChunksTotal)
	case Init:
		return fmt.Sprintf("job %s %s (%d buffered logs, last seq %d)", p.JobID, p.Status, p.BufferedLogs, p.LastSeq)
	case Terminal:
		if p.ErrorKind != "" {
			return fmt.Sprintf("%s: %s: %s", p.Status, p.ErrorKind, p.Message)
		}
		return fmt.Sprintf("%s: %s", p.Status, p.Message)
	}
	return string(e.Kind)
}
