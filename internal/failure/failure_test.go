package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := New(VoiceNotFound, "resolve voice", "unknown voice %q", "zz")
	wrapped := fmt.Errorf("preflight: %w", inner)

	got := Wrap(SynthesisFailure, "synthesize", wrapped)
	if got.Kind != VoiceNotFound {
		t.Fatalf("expected kind to survive wrapping, got %s", got.Kind)
	}
	if !errors.Is(got, Of(VoiceNotFound)) {
		t.Fatalf("expected errors.Is to match kind sentinel")
	}
	if errors.Is(got, Of(ChunkingError)) {
		t.Fatalf("unexpected match against different kind")
	}
}

func TestWrapClassifiesPlainErrors(t *testing.T) {
	got := Wrap(EngineUnavailable, "start", errors.New("exec: not found"))
	if KindOf(got, SynthesisFailure) != EngineUnavailable {
		t.Fatalf("unexpected kind %s", got.Kind)
	}
	if Wrap(EngineUnavailable, "start", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestErrorMessageIncludesChunk(t *testing.T) {
	err := AtChunk(New(SynthesisFailure, "synthesize", "boom"), 2)
	want := "SynthesisFailure: synthesize: chunk 2: boom"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}

func TestPreflightKinds(t *testing.T) {
	cases := map[Kind]bool{
		ChunkingError:        true,
		VoiceNotFound:        true,
		MissingRequiredInput: true,
		EngineUnavailable:    true,
		SynthesisFailure:     false,
		InvariantViolation:   false,
		OutputFailure:        false,
	}
	for kind, want := range cases {
		if kind.Preflight() != want {
			t.Fatalf("%s preflight = %v, want %v", kind, kind.Preflight(), want)
		}
	}
}
