// Package output assembles finished job audio into a WAV file and writes
// the matching subtitle file next to it.
package output

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/abogen/internal/job"
	"github.com/loqalabs/abogen/internal/subtitle"
)

const (
	bitDepth    = 16
	pcmFormat   = 1
	defaultName = "chapter"
)

// Options configures where and how output is written.
type Options struct {
	Dir    string
	Format subtitle.Format
}

// Writer implements job.Sink on the local filesystem.
type Writer struct {
	opts Options
	log  *slog.Logger
}

// NewWriter creates the output directory if needed.
func NewWriter(opts Options, log *slog.Logger) (*Writer, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("output dir must be set")
	}
	if opts.Format == "" {
		opts.Format = subtitle.SRT
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Writer{opts: opts, log: log.With(slog.String("component", "output"))}, nil
}

// Write stores <dir>/<job>/<name>.wav and <dir>/<job>/<name>.<format>.
// Segments are joined with GapSeconds of silence between them.
func (w *Writer) Write(ctx context.Context, out job.Output) ([]string, error) {
	if len(out.Segments) == 0 {
		return nil, fmt.Errorf("no audio segments")
	}
	rate := out.Segments[0].SampleRate
	for _, seg := range out.Segments {
		if seg.SampleRate != rate {
			return nil, fmt.Errorf("chunk %d sample rate %d differs from %d", seg.ChunkIndex, seg.SampleRate, rate)
		}
	}

	dir := filepath.Join(w.opts.Dir, out.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	name := sanitizeName(out.Name)
	audioPath := filepath.Join(dir, name+".wav")
	if err := writeWAV(ctx, audioPath, rate, out); err != nil {
		return nil, err
	}
	subPath := filepath.Join(dir, name+"."+string(w.opts.Format))
	if err := writeSubtitles(subPath, w.opts.Format, out.Cues); err != nil {
		return nil, err
	}
	w.log.Info("output written",
		slog.String("job_id", out.JobID),
		slog.String("audio", audioPath),
		slog.String("subtitles", subPath),
	)
	return []string{audioPath, subPath}, nil
}

func writeWAV(ctx context.Context, path string, rate int, out job.Output) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close wav: %w", cerr)
		}
	}()

	enc := wav.NewEncoder(f, rate, bitDepth, 1, pcmFormat)
	gap := int(math.Round(out.GapSeconds * float64(rate)))
	format := &audio.Format{NumChannels: 1, SampleRate: rate}
	for i, seg := range out.Segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := len(seg.Samples)
		if i < len(out.Segments)-1 {
			n += gap
		}
		buf := &audio.IntBuffer{Format: format, SourceBitDepth: bitDepth, Data: make([]int, n)}
		for j, s := range seg.Samples {
			buf.Data[j] = toPCM16(s)
		}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("encode chunk %d: %w", seg.ChunkIndex, err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

func writeSubtitles(path string, format subtitle.Format, cues []subtitle.Cue) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create subtitles: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close subtitles: %w", cerr)
		}
	}()
	if err := subtitle.Write(f, format, cues); err != nil {
		return fmt.Errorf("write subtitles: %w", err)
	}
	return nil
}

func toPCM16(s float32) int {
	v := math.Round(float64(s) * math.MaxInt16)
	return int(max(math.MinInt16, min(math.MaxInt16, v)))
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultName
	}
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, name)
	mapped = strings.Trim(mapped, ".")
	if mapped == "" {
		return defaultName
	}
	return mapped
}
