package engine

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"slices"
	"time"
	"unicode"

	"github.com/loqalabs/abogen/internal/failure"
)

// MockOptions configures the built-in tone generator.
type MockOptions struct {
	Name                   string
	Voices                 []string
	SupportsVoiceMixing    bool
	RequiresReferenceAudio bool
	DefaultReferenceAudio  string
	SampleRate             int
	// WordSeconds is the audio length of one word at speed 1.
	WordSeconds float64
	// Delay is slept before each segment; used to exercise cancellation.
	Delay time.Duration
	// FailChunks lists chunk indices that fail with SynthesisFailure.
	FailChunks []int
	// Reentrant lets the pool share one instance between concurrent jobs
	// without serialising calls.
	Reentrant bool
}

// DefaultMockOptions returns a mixing-capable mock with a small voice
// library.
func DefaultMockOptions() MockOptions {
	return MockOptions{
		Name:                "mock",
		Voices:              []string{"af_heart", "af_bella", "am_adam", "bf_emma"},
		SupportsVoiceMixing: true,
		SampleRate:          24000,
		WordSeconds:         0.25,
		Reentrant:           true,
	}
}

type mockBackend struct {
	opts MockOptions
}

// NewMockBackend returns a backend that renders one sine tone per word.
// Output is deterministic for a given request.
func NewMockBackend(opts MockOptions) Backend {
	if opts.Name == "" {
		opts.Name = "mock"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	if opts.WordSeconds <= 0 {
		opts.WordSeconds = 0.25
	}
	return &mockBackend{opts: opts}
}

// MockFactory adapts opts to a registry Factory.
func MockFactory(opts MockOptions) Factory {
	return func(Options) (Backend, error) {
		return NewMockBackend(opts), nil
	}
}

func (m *mockBackend) Name() string { return m.opts.Name }

func (m *mockBackend) Capabilities() Capabilities {
	return Capabilities{
		SupportsVoiceMixing:    m.opts.SupportsVoiceMixing,
		AvailableVoices:        append([]string(nil), m.opts.Voices...),
		RequiresReferenceAudio: m.opts.RequiresReferenceAudio,
		DefaultReferenceAudio:  m.opts.DefaultReferenceAudio,
		Reentrant:              m.opts.Reentrant,
		SampleRate:             m.opts.SampleRate,
	}
}

func (m *mockBackend) Close() error { return nil }

func (m *mockBackend) Synthesize(ctx context.Context, req Request) Stream {
	if slices.Contains(m.opts.FailChunks, req.ChunkIndex) {
		return failed(failure.New(failure.SynthesisFailure, "mock synthesize", "forced failure"))
	}
	if m.opts.RequiresReferenceAudio && req.ReferenceAudio == "" && m.opts.DefaultReferenceAudio == "" {
		return failed(failure.New(failure.MissingRequiredInput, "mock synthesize", "reference audio required"))
	}
	parts := [][2]int{{0, len(req.Text)}}
	if req.SplitHint != "" {
		if re, err := regexp.Compile(req.SplitHint); err == nil {
			parts = splitRanges(req.Text, re)
		}
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	freq := voiceFrequency(req.Voice)

	return func(yield func(Segment, error) bool) {
		for _, part := range parts {
			if m.opts.Delay > 0 {
				select {
				case <-ctx.Done():
					yield(Segment{}, ctx.Err())
					return
				case <-time.After(m.opts.Delay):
				}
			} else if err := ctx.Err(); err != nil {
				yield(Segment{}, err)
				return
			}
			seg := m.render(req.Text[part[0]:part[1]], part[0], speed, freq)
			seg.ChunkIndex = req.ChunkIndex
			if !yield(seg, nil) {
				return
			}
		}
	}
}

func (m *mockBackend) render(text string, base int, speed, freq float64) Segment {
	words := wordOffsets(text)
	perWord := int(math.Round(m.opts.WordSeconds / speed * float64(m.opts.SampleRate)))
	seg := Segment{
		SampleRate: m.opts.SampleRate,
		Samples:    make([]float32, perWord*len(words)),
		Spans:      make([]GraphemeSpan, 0, len(words)),
	}
	for i, offset := range words {
		start := i * perWord
		seg.Spans = append(seg.Spans, GraphemeSpan{
			Offset:  base + offset,
			Seconds: float64(start) / float64(m.opts.SampleRate),
		})
		for j := 0; j < perWord; j++ {
			// short silence at the end of each word
			if j > perWord*9/10 {
				break
			}
			t := float64(j) / float64(m.opts.SampleRate)
			seg.Samples[start+j] = float32(0.2 * math.Sin(2*math.Pi*freq*t))
		}
	}
	return seg
}

func voiceFrequency(sel VoiceSelector) float64 {
	if len(sel) == 0 {
		return 220
	}
	var freq float64
	for _, w := range sel {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w.Voice))
		freq += w.Weight * float64(180+h.Sum32()%200)
	}
	var total float64
	for _, w := range sel {
		total += w.Weight
	}
	if total <= 0 {
		return 220
	}
	return freq / total
}

// wordOffsets returns the byte offset of each whitespace-delimited word.
func wordOffsets(text string) []int {
	var offsets []int
	inWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			offsets = append(offsets, i)
			inWord = true
		}
	}
	return offsets
}

// splitRanges splits text after each match of re, keeping the delimiter
// with the preceding part. Parts without words are dropped.
func splitRanges(text string, re *regexp.Regexp) [][2]int {
	var out [][2]int
	start := 0
	for _, loc := range re.FindAllStringIndex(text, -1) {
		end := loc[1]
		if end <= start {
			continue
		}
		if len(wordOffsets(text[start:end])) > 0 {
			out = append(out, [2]int{start, end})
		}
		start = end
	}
	if start < len(text) && len(wordOffsets(text[start:])) > 0 {
		out = append(out, [2]int{start, len(text)})
	}
	if len(out) == 0 {
		out = append(out, [2]int{0, len(text)})
	}
	return out
}
