// Package chunker splits chapter text into bounded units for synthesis.
package chunker

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/loqalabs/abogen/internal/failure"
)

// DefaultMaxWords bounds a chunk when the caller sets no threshold.
const DefaultMaxWords = 200

// Chunk is one slice of chapter text submitted to an engine in a single call.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	Words int    `json:"words"`
}

// Options controls how text is split.
type Options struct {
	// Pattern, when set, is a regular expression whose matches separate
	// sentences. It replaces the built-in sentence detection.
	Pattern  string
	MaxWords int
}

// Split packs consecutive sentences into chunks of at most MaxWords words.
// A sentence longer than MaxWords becomes its own chunk; sentences are never
// split. Chunks are trimmed and empty ones dropped.
func Split(text string, opts Options) ([]Chunk, error) {
	sentences, err := Sentences(text, opts.Pattern)
	if err != nil {
		return nil, err
	}
	limit := opts.MaxWords
	if limit <= 0 {
		limit = DefaultMaxWords
	}

	var (
		chunks  []Chunk
		current []string
		words   int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  strings.Join(current, " "),
			Words: words,
		})
		current = current[:0]
		words = 0
	}
	for _, sentence := range sentences {
		n := CountWords(sentence)
		if words+n > limit && len(current) > 0 {
			flush()
		}
		current = append(current, sentence)
		words += n
	}
	flush()
	return chunks, nil
}

// Sentences returns the trimmed, non-empty sentences of text. With an empty
// pattern a sentence ends at a run of terminal punctuation, optionally
// followed by closing quotes or brackets, that is followed by whitespace.
func Sentences(text, pattern string) ([]string, error) {
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, failure.Wrap(failure.ChunkingError, "compile split pattern", err)
		}
		return trimAll(re.Split(text, -1)), nil
	}
	return trimAll(splitSentences(text)), nil
}

// CountWords counts whitespace-delimited words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// EndsSentence reports whether word closes a sentence: it ends in terminal
// punctuation, possibly followed by closing quotes or brackets.
func EndsSentence(word string) bool {
	word = strings.TrimRightFunc(word, isClosing)
	if word == "" {
		return false
	}
	r := []rune(word)
	return isTerminal(r[len(r)-1])
}

func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && isTerminal(runes[j]) {
			j++
		}
		for j < len(runes) && isClosing(runes[j]) {
			j++
		}
		if j < len(runes) && !unicode.IsSpace(runes[j]) {
			// e.g. "3.14" or "e.g.x"; not a boundary
			i = j - 1
			continue
		}
		out = append(out, string(runes[start:j]))
		start = j
		i = j - 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isClosing(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»':
		return true
	}
	return false
}

func trimAll(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
