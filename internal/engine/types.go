// Package engine defines the contract every speech-synthesis backend
// implements, plus the registry and pool that hand backends to jobs.
package engine

import (
	"context"
	"iter"
)

// Request contains parameters to synthesize one chunk of text.
type Request struct {
	Text           string
	Voice          VoiceSelector
	Speed          float64
	SplitHint      string
	ReferenceAudio string
	ChunkIndex     int
}

// GraphemeSpan marks where a token of the chunk text starts in the
// generated audio. Offset is a byte offset into Request.Text; Seconds is
// relative to the start of the segment.
type GraphemeSpan struct {
	Offset  int
	Seconds float64
}

// Segment is one block of mono audio produced by a backend.
type Segment struct {
	Samples    []float32
	SampleRate int
	ChunkIndex int
	Spans      []GraphemeSpan
}

// Duration reports the segment length in seconds.
func (s Segment) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(len(s.Samples)) / float64(s.SampleRate)
}

// Stream is a lazy, forward-only sequence of segments. A stream may be
// ranged over once; the first non-nil error ends it.
type Stream = iter.Seq2[Segment, error]

// Capabilities describes what a backend can do. Callers branch on these
// flags rather than probing for optional methods.
type Capabilities struct {
	SupportsVoiceMixing    bool
	AvailableVoices        []string
	RequiresReferenceAudio bool
	DefaultReferenceAudio  string
	Reentrant              bool
	SampleRate             int
}

// HasVoice reports whether voice is in the built-in library. Engines with
// an empty library accept any voice identifier.
func (c Capabilities) HasVoice(voice string) bool {
	if len(c.AvailableVoices) == 0 {
		return true
	}
	for _, v := range c.AvailableVoices {
		if v == voice {
			return true
		}
	}
	return false
}

// Backend is the contract for producing audio. Implementations hold a
// loaded model; unless Capabilities().Reentrant is set, callers must not
// run two streams from the same instance concurrently.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	Synthesize(ctx context.Context, req Request) Stream
	Close() error
}

// failed returns a stream that yields a single error.
func failed(err error) Stream {
	return func(yield func(Segment, error) bool) {
		yield(Segment{}, err)
	}
}
