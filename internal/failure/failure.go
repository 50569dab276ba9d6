// Package failure classifies conversion errors so the job state machine,
// the event stream and the HTTP layer agree on what went wrong.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names a class of conversion failure.
type Kind string

const (
	ChunkingError        Kind = "ChunkingError"
	VoiceNotFound        Kind = "VoiceNotFound"
	MissingRequiredInput Kind = "MissingRequiredInput"
	EngineUnavailable    Kind = "EngineUnavailable"
	SynthesisFailure     Kind = "SynthesisFailure"
	InvariantViolation   Kind = "InvariantViolation"
	OutputFailure        Kind = "OutputFailure"
)

// Preflight reports whether the kind is detected before any chunk is
// synthesized.
func (k Kind) Preflight() bool {
	switch k {
	case ChunkingError, VoiceNotFound, MissingRequiredInput, EngineUnavailable:
		return true
	}
	return false
}

// Error carries a Kind plus the operation and chunk that produced it.
// Chunk is -1 when the failure is not tied to a chunk.
type Error struct {
	Kind  Kind
	Op    string
	Chunk int
	Err   error
}

func (e *Error) Error() string {
	parts := make([]string, 0, 3)
	parts = append(parts, string(e.Kind))
	if op := strings.TrimSpace(e.Op); op != "" {
		parts = append(parts, op)
	}
	if e.Chunk >= 0 {
		parts = append(parts, fmt.Sprintf("chunk %d", e.Chunk))
	}
	msg := strings.Join(parts, ": ")
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind, so callers can write
// errors.Is(err, failure.Of(failure.VoiceNotFound)).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Op == "" && other.Err == nil && other.Kind == e.Kind
	}
	return false
}

// Of returns a bare sentinel for kind, usable with errors.Is.
func Of(kind Kind) error {
	return &Error{Kind: kind, Chunk: -1}
}

// New builds an error of the given kind from a message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Chunk: -1, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind. An err that already carries a Kind keeps it.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		out := *existing
		if out.Op == "" {
			out.Op = op
		}
		return &out
	}
	return &Error{Kind: kind, Op: op, Chunk: -1, Err: err}
}

// AtChunk returns a copy of err pinned to a chunk index.
func AtChunk(err *Error, chunk int) *Error {
	if err == nil {
		return nil
	}
	out := *err
	out.Chunk = chunk
	return &out
}

// KindOf extracts the Kind of err, defaulting to fallback when err carries
// none.
func KindOf(err error, fallback Kind) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return fallback
}

// As converts err into an *Error, classifying unknown errors as fallback.
func As(err error, fallback Kind, op string) *Error {
	if err == nil {
		return nil
	}
	return Wrap(fallback, op, err)
}
