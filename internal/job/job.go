// Package job drives chapters through chunked synthesis. A Registry owns
// every job in the process and runs each one on its own goroutine.
package job

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/abogen/internal/engine"
	"github.com/loqalabs/abogen/internal/failure"
	"github.com/loqalabs/abogen/internal/subtitle"
)

// Status is the lifecycle state of a job.
type Status string

const (
	Queued    Status = "queued"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Canceled  Status = "canceled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Failed, Canceled:
		return true
	}
	return false
}

// Request describes one chapter conversion.
type Request struct {
	Name           string  `json:"name,omitempty"`
	Text           string  `json:"text"`
	Engine         string  `json:"engine,omitempty"`
	Voice          string  `json:"voice,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
	SplitPattern   string  `json:"split_pattern,omitempty"`
	MaxWords       int     `json:"max_words,omitempty"`
	ReferenceAudio string  `json:"reference_audio,omitempty"`
	Granularity    string  `json:"subtitle_granularity,omitempty"`
	WordsPerCue    int     `json:"words_per_cue,omitempty"`
}

// ErrorInfo is the user-facing form of a job failure.
type ErrorInfo struct {
	Kind    failure.Kind `json:"kind"`
	Message string       `json:"message"`
	Chunk   int          `json:"chunk"`
}

// Info is a point-in-time view of a job without its audio.
type Info struct {
	ID                string     `json:"id"`
	Name              string     `json:"name,omitempty"`
	Engine            string     `json:"engine"`
	Voice             string     `json:"voice,omitempty"`
	Status            Status     `json:"status"`
	Progress          float64    `json:"progress"`
	ChunksDone        int        `json:"chunks_done"`
	ChunksTotal       int        `json:"chunks_total"`
	CumulativeSeconds float64    `json:"cumulative_seconds"`
	Complete          bool       `json:"complete"`
	Error             *ErrorInfo `json:"error,omitempty"`
	Outputs           []string   `json:"outputs,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Result carries the accumulated audio and cues alongside Info. Segments
// of failed or canceled jobs are partial and Complete is false.
type Result struct {
	Info
	Segments []engine.Segment
	Cues     []subtitle.Cue
}

// Job is one conversion run. Only its worker goroutine mutates progress
// fields; cancellation is signalled through an atomic flag.
type Job struct {
	id        string
	req       Request
	createdAt time.Time

	cancelRequested atomic.Bool
	cancelOnce      sync.Once
	cancelCh        chan struct{}
	done            chan struct{}

	mu          sync.RWMutex
	status      Status
	voice       string
	chunksDone  int
	chunksTotal int
	cumulative  float64
	segments    []engine.Segment
	cues        []subtitle.Cue
	err         *failure.Error
	outputs     []string
	startedAt   time.Time
	finishedAt  time.Time
}

func newJob(id string, req Request, now time.Time) *Job {
	return &Job{
		id:        id,
		req:       req,
		createdAt: now,
		status:    Queued,
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (j *Job) requestCancel() {
	j.cancelOnce.Do(func() {
		j.cancelRequested.Store(true)
		close(j.cancelCh)
	})
}

func (j *Job) info() Info {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.infoLocked()
}

func (j *Job) infoLocked() Info {
	out := Info{
		ID:                j.id,
		Name:              j.req.Name,
		Engine:            j.req.Engine,
		Voice:             j.voice,
		Status:            j.status,
		ChunksDone:        j.chunksDone,
		ChunksTotal:       j.chunksTotal,
		CumulativeSeconds: j.cumulative,
		Complete:          j.status == Completed,
		Outputs:           append([]string(nil), j.outputs...),
		CreatedAt:         j.createdAt,
	}
	if j.chunksTotal > 0 {
		out.Progress = float64(j.chunksDone) / float64(j.chunksTotal) * 100
	}
	if j.err != nil {
		out.Error = &ErrorInfo{Kind: j.err.Kind, Message: j.err.Error(), Chunk: j.err.Chunk}
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		out.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		out.FinishedAt = &t
	}
	return out
}

func (j *Job) result() Result {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Result{
		Info:     j.infoLocked(),
		Segments: append([]engine.Segment(nil), j.segments...),
		Cues:     append([]subtitle.Cue(nil), j.cues...),
	}
}

func (j *Job) terminalSince(cutoff time.Time) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status.Terminal() && !j.finishedAt.After(cutoff)
}

// wait blocks until the job reaches a terminal state.
func (j *Job) wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
