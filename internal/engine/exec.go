package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/abogen/internal/failure"
)

// ExecOptions configures a backend that runs an external synthesizer
// process per chunk.
type ExecOptions struct {
	Name                   string
	Command                string
	Voices                 []string
	SupportsVoiceMixing    bool
	RequiresReferenceAudio bool
	DefaultReferenceAudio  string
	SampleRate             int
}

type execBackend struct {
	opts ExecOptions
	cmd  []string
}

type execRequest struct {
	Text           string        `json:"text"`
	Voice          string        `json:"voice"`
	Voices         []VoiceWeight `json:"voices,omitempty"`
	Speed          float64       `json:"speed"`
	SplitPattern   string        `json:"split_pattern,omitempty"`
	ReferenceAudio string        `json:"reference_audio,omitempty"`
	SampleRate     int           `json:"sample_rate"`
	ChunkIndex     int           `json:"chunk_index"`
}

type execSpan struct {
	Offset  int     `json:"offset"`
	Seconds float64 `json:"seconds"`
}

type execResponse struct {
	PCMBase64  string     `json:"pcm_base64"`
	SampleRate int        `json:"sample_rate"`
	Spans      []execSpan `json:"spans"`
	Final      bool       `json:"final"`
	Error      string     `json:"error"`
}

const (
	maxExecLine = 64 << 20
	// execWaitDelay bounds Wait once the engine is killed or its output
	// is abandoned.
	execWaitDelay = 2 * time.Second
)

// NewExecBackend parses the command line and returns a backend that
// writes one JSON request to the process stdin and reads JSON lines of
// base64 16-bit little-endian PCM from stdout.
func NewExecBackend(opts ExecOptions) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, failure.Wrap(failure.EngineUnavailable, "parse engine command", err)
	}
	if len(args) == 0 {
		return nil, failure.New(failure.EngineUnavailable, "parse engine command", "engine %s: command empty", opts.Name)
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	return &execBackend{opts: opts, cmd: args}, nil
}

// ExecFactory adapts opts to a registry Factory.
func ExecFactory(opts ExecOptions) Factory {
	return func(Options) (Backend, error) {
		return NewExecBackend(opts)
	}
}

func (e *execBackend) Name() string { return e.opts.Name }

func (e *execBackend) Capabilities() Capabilities {
	return Capabilities{
		SupportsVoiceMixing:    e.opts.SupportsVoiceMixing,
		AvailableVoices:        append([]string(nil), e.opts.Voices...),
		RequiresReferenceAudio: e.opts.RequiresReferenceAudio,
		DefaultReferenceAudio:  e.opts.DefaultReferenceAudio,
		SampleRate:             e.opts.SampleRate,
	}
}

func (e *execBackend) Close() error { return nil }

func (e *execBackend) Synthesize(ctx context.Context, req Request) Stream {
	ref := req.ReferenceAudio
	if ref == "" {
		ref = e.opts.DefaultReferenceAudio
	}
	payload := execRequest{
		Text:           req.Text,
		Voice:          req.Voice.String(),
		Speed:          req.Speed,
		SplitPattern:   req.SplitHint,
		ReferenceAudio: ref,
		SampleRate:     e.opts.SampleRate,
		ChunkIndex:     req.ChunkIndex,
	}
	if req.Voice.IsMixture() {
		payload.Voices = req.Voice
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return failed(failure.Wrap(failure.SynthesisFailure, "encode engine request", err))
	}

	return func(yield func(Segment, error) bool) {
		procCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		cmd := exec.CommandContext(procCtx, e.cmd[0], e.cmd[1:]...)
		cmd.WaitDelay = execWaitDelay
		var stderr strings.Builder
		cmd.Stderr = &stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			yield(Segment{}, failure.Wrap(failure.EngineUnavailable, "engine stdin", err))
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(Segment{}, failure.Wrap(failure.EngineUnavailable, "engine stdout", err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(Segment{}, failure.Wrap(failure.EngineUnavailable, "start engine "+e.opts.Name, err))
			return
		}

		fail := func(err error) {
			cancel()
			_ = cmd.Wait()
			// cancellation by the caller wins over pipe errors it caused
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			yield(Segment{}, err)
		}

		if _, err := stdin.Write(data); err != nil {
			fail(failure.Wrap(failure.SynthesisFailure, "write engine request", err))
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxExecLine)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				fail(failure.Wrap(failure.SynthesisFailure, "decode engine response", err))
				return
			}
			if resp.Error != "" {
				fail(failure.New(failure.SynthesisFailure, "engine "+e.opts.Name, "%s", resp.Error))
				return
			}
			seg, err := e.decode(resp, req.ChunkIndex)
			if err != nil {
				fail(err)
				return
			}
			if len(seg.Samples) > 0 || len(seg.Spans) > 0 {
				if !yield(seg, nil) {
					cancel()
					_ = cmd.Wait()
					return
				}
			}
			if resp.Final {
				// anything the engine writes after the final line is discarded
				cancel()
				_ = cmd.Wait()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			fail(failure.Wrap(failure.SynthesisFailure, "read engine output", err))
			return
		}
		if err := cmd.Wait(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield(Segment{}, ctxErr)
				return
			}
			msg := strings.TrimSpace(stderr.String())
			yield(Segment{}, failure.New(failure.SynthesisFailure, "engine "+e.opts.Name, "%v: %s", err, msg))
		}
	}
}

func (e *execBackend) decode(resp execResponse, chunk int) (Segment, error) {
	raw, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
	if err != nil {
		return Segment{}, failure.Wrap(failure.SynthesisFailure, "decode engine audio", err)
	}
	if len(raw)%2 != 0 {
		return Segment{}, failure.New(failure.SynthesisFailure, "decode engine audio", "odd PCM byte count %d", len(raw))
	}
	rate := resp.SampleRate
	if rate <= 0 {
		rate = e.opts.SampleRate
	}
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = float32(v) / math.MaxInt16
	}
	spans := make([]GraphemeSpan, len(resp.Spans))
	for i, s := range resp.Spans {
		spans[i] = GraphemeSpan{Offset: s.Offset, Seconds: s.Seconds}
	}
	return Segment{Samples: samples, SampleRate: rate, ChunkIndex: chunk, Spans: spans}, nil
}

// String is used in log lines.
func (e *execBackend) String() string {
	return fmt.Sprintf("exec:%s", strings.Join(e.cmd, " "))
}
