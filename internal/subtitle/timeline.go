// Package subtitle turns per-chunk audio durations into timestamped cues
// and renders them as SRT, WebVTT or ASS.
package subtitle

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/loqalabs/abogen/internal/chunker"
	"github.com/loqalabs/abogen/internal/engine"
	"github.com/loqalabs/abogen/internal/failure"
)

// Granularity selects how words are grouped into cues.
type Granularity string

const (
	// Line emits one cue per chunk.
	Line Granularity = "line"
	// Sentence emits one cue per sentence.
	Sentence Granularity = "sentence"
	// Words emits one cue per WordsPerCue words.
	Words Granularity = "words"
)

// DefaultWordsPerCue is used by Words granularity when none is set.
const DefaultWordsPerCue = 10

// ParseGranularity validates a granularity name. Empty selects Sentence.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return Sentence, nil
	case Line, Sentence, Words:
		return g, nil
	}
	return "", fmt.Errorf("unknown subtitle granularity %q", s)
}

// Cue is one timestamped subtitle entry. Times are absolute seconds.
type Cue struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	ChunkIndex int     `json:"chunk_index"`
}

// Input is the timing information of one synthesized chunk.
type Input struct {
	Text       string
	Duration   float64
	Spans      []engine.GraphemeSpan
	ChunkIndex int
}

// Options controls cue construction.
type Options struct {
	Granularity Granularity
	WordsPerCue int
	// GapSeconds is the silence the audio assembly inserts after each
	// segment; the running offset advances by it so cues match the
	// assembled file.
	GapSeconds float64
}

type word struct {
	start, end int // byte range in the chunk text
	at, until  float64
}

// Build converts ordered chunk inputs into cues. Precise spans are used
// when present; otherwise each word receives an equal share of the chunk
// duration. The result is checked for ordering and overlap.
func Build(inputs []Input, opts Options) ([]Cue, error) {
	if opts.Granularity == "" {
		opts.Granularity = Sentence
	}
	if opts.WordsPerCue <= 0 {
		opts.WordsPerCue = DefaultWordsPerCue
	}
	if opts.GapSeconds < 0 {
		opts.GapSeconds = 0
	}

	var cues []Cue
	offset := 0.0
	for _, in := range inputs {
		words := timeWords(in)
		for _, group := range groupWords(in.Text, words, opts) {
			first, last := words[group[0]], words[group[1]]
			cues = append(cues, Cue{
				Start:      offset + first.at,
				End:        offset + last.until,
				Text:       collapseSpace(in.Text[first.start:last.end]),
				ChunkIndex: in.ChunkIndex,
			})
		}
		offset += in.Duration + opts.GapSeconds
	}
	if err := Verify(cues); err != nil {
		return cues, err
	}
	return cues, nil
}

// Verify checks that every cue ends no earlier than it starts and that
// cues neither overlap nor go backwards.
func Verify(cues []Cue) error {
	const eps = 1e-9
	for i, c := range cues {
		if c.End+eps < c.Start {
			return failure.New(failure.InvariantViolation, "build subtitles", "cue %d ends before it starts (%.3f < %.3f)", i, c.End, c.Start)
		}
		if i == 0 {
			continue
		}
		prev := cues[i-1]
		if c.Start+eps < prev.Start {
			return failure.New(failure.InvariantViolation, "build subtitles", "cue %d starts before cue %d", i, i-1)
		}
		if prev.End > c.Start+eps {
			return failure.New(failure.InvariantViolation, "build subtitles", "cue %d overlaps cue %d (%.3f > %.3f)", i-1, i, prev.End, c.Start)
		}
	}
	return nil
}

func timeWords(in Input) []word {
	var words []word
	start := -1
	for i, r := range in.Text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, word{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, word{start: start, end: len(in.Text)})
	}
	if len(words) == 0 {
		return nil
	}

	duration := in.Duration
	if duration < 0 {
		duration = 0
	}
	if len(in.Spans) > 0 {
		spans := append([]engine.GraphemeSpan(nil), in.Spans...)
		sort.SliceStable(spans, func(i, j int) bool { return spans[i].Offset < spans[j].Offset })
		prev := 0.0
		for i := range words {
			at := spanTime(spans, words[i].start)
			if at < prev {
				at = prev
			}
			if at > duration {
				at = duration
			}
			words[i].at = at
			prev = at
		}
	} else {
		per := duration / float64(len(words))
		for i := range words {
			words[i].at = per * float64(i)
		}
	}
	for i := range words {
		if i+1 < len(words) {
			words[i].until = words[i+1].at
		} else {
			words[i].until = duration
		}
	}
	return words
}

// spanTime returns the time of the last span starting at or before offset.
func spanTime(spans []engine.GraphemeSpan, offset int) float64 {
	idx := sort.Search(len(spans), func(i int) bool { return spans[i].Offset > offset })
	if idx == 0 {
		return 0
	}
	return spans[idx-1].Seconds
}

// groupWords returns inclusive [first, last] word index pairs.
func groupWords(text string, words []word, opts Options) [][2]int {
	if len(words) == 0 {
		return nil
	}
	switch opts.Granularity {
	case Line:
		return [][2]int{{0, len(words) - 1}}
	case Words:
		var groups [][2]int
		for i := 0; i < len(words); i += opts.WordsPerCue {
			groups = append(groups, [2]int{i, min(i+opts.WordsPerCue, len(words)) - 1})
		}
		return groups
	default:
		var groups [][2]int
		first := 0
		for i, w := range words {
			if chunker.EndsSentence(text[w.start:w.end]) || i == len(words)-1 {
				groups = append(groups, [2]int{first, i})
				first = i + 1
			}
		}
		return groups
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
