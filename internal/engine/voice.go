package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loqalabs/abogen/internal/failure"
)

// VoiceWeight is one entry of a voice mixture.
type VoiceWeight struct {
	Voice  string  `json:"voice"`
	Weight float64 `json:"weight"`
}

// VoiceSelector is an ordered list of voices. A single entry selects one
// voice; more than one entry is a weighted mixture.
type VoiceSelector []VoiceWeight

// SingleVoice selects one voice with weight 1.
func SingleVoice(voice string) VoiceSelector {
	return VoiceSelector{{Voice: voice, Weight: 1}}
}

// IsMixture reports whether the selector blends several voices.
func (v VoiceSelector) IsMixture() bool { return len(v) > 1 }

// Primary returns the first voice in formula order.
func (v VoiceSelector) Primary() string {
	if len(v) == 0 {
		return ""
	}
	return v[0].Voice
}

// String renders the selector in formula form, e.g. "af_heart*0.5 + am_adam*0.5".
func (v VoiceSelector) String() string {
	if len(v) == 1 && v[0].Weight == 1 {
		return v[0].Voice
	}
	parts := make([]string, 0, len(v))
	for _, w := range v {
		parts = append(parts, w.Voice+"*"+strconv.FormatFloat(w.Weight, 'f', -1, 64))
	}
	return strings.Join(parts, " + ")
}

// ParseVoice parses a voice name or formula such as
// "af_heart*0.5 + am_adam*0.3". A term without a weight has weight 1.
func ParseVoice(formula string) (VoiceSelector, error) {
	formula = strings.TrimSpace(formula)
	if formula == "" {
		return nil, failure.New(failure.VoiceNotFound, "parse voice", "voice must not be empty")
	}
	terms := strings.Split(formula, "+")
	sel := make(VoiceSelector, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			return nil, failure.New(failure.VoiceNotFound, "parse voice", "empty term in formula %q", formula)
		}
		name, weightText, hasWeight := strings.Cut(term, "*")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, failure.New(failure.VoiceNotFound, "parse voice", "missing voice name in %q", term)
		}
		weight := 1.0
		if hasWeight {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(weightText), 64)
			if err != nil {
				return nil, failure.New(failure.VoiceNotFound, "parse voice", "invalid weight in %q", term)
			}
			weight = parsed
		}
		if weight <= 0 {
			return nil, failure.New(failure.VoiceNotFound, "parse voice", "weight for %s must be positive", name)
		}
		sel = append(sel, VoiceWeight{Voice: name, Weight: weight})
	}
	return sel, nil
}

// ResolveVoice adapts sel to a backend's capabilities.
//
// Engines without mixing receive the first listed voice. For mixing
// engines the weights are divided by their total so they sum to 1. Every
// voice must exist in the engine library when the engine declares one.
func ResolveVoice(caps Capabilities, sel VoiceSelector) (VoiceSelector, error) {
	if len(sel) == 0 {
		if len(caps.AvailableVoices) > 0 {
			return SingleVoice(caps.AvailableVoices[0]), nil
		}
		return nil, nil
	}
	if !caps.SupportsVoiceMixing && sel.IsMixture() {
		sel = SingleVoice(sel.Primary())
	}
	var total float64
	for _, w := range sel {
		if !caps.HasVoice(w.Voice) {
			return nil, failure.New(failure.VoiceNotFound, "resolve voice", "voice %q is not available", w.Voice)
		}
		total += w.Weight
	}
	if total <= 0 {
		return nil, failure.New(failure.VoiceNotFound, "resolve voice", "voice weights must sum to a positive value")
	}
	out := make(VoiceSelector, len(sel))
	for i, w := range sel {
		out[i] = VoiceWeight{Voice: w.Voice, Weight: w.Weight / total}
	}
	return out, nil
}

func (v VoiceWeight) String() string {
	return fmt.Sprintf("%s*%g", v.Voice, v.Weight)
}
