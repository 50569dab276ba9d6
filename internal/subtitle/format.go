package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"
)

// Format is a subtitle file format.
type Format string

const (
	SRT Format = "srt"
	VTT Format = "vtt"
	ASS Format = "ass"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case SRT, VTT, ASS:
		return f, nil
	case "":
		return SRT, nil
	}
	return "", fmt.Errorf("unknown subtitle format %q", s)
}

// Write renders cues in format f.
func Write(w io.Writer, f Format, cues []Cue) error {
	switch f {
	case SRT:
		return WriteSRT(w, cues)
	case VTT:
		return WriteVTT(w, cues)
	case ASS:
		return WriteASS(w, cues)
	}
	return fmt.Errorf("unknown subtitle format %q", f)
}

// WriteSRT renders numbered SubRip cues.
func WriteSRT(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	for i, c := range cues {
		fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n", i+1, clock(c.Start, ','), clock(c.End, ','), c.Text)
	}
	return bw.Flush()
}

// WriteVTT renders a WebVTT document.
func WriteVTT(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("WEBVTT\n\n")
	for _, c := range cues {
		fmt.Fprintf(bw, "%s --> %s\n%s\n\n", clock(c.Start, '.'), clock(c.End, '.'), c.Text)
	}
	return bw.Flush()
}

const assHeader = `[Script Info]
Title: Abogen Subtitles
ScriptType: v4.00+

[V4+ Styles]
Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding
Style: Default,Arial,20,&H00FFFFFF,&H000000FF,&H00000000,&H00000000,0,0,0,0,100,100,0,0,1,2,0,2,10,10,10,1

[Events]
Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text
`

// WriteASS renders an Advanced SubStation Alpha script with one default
// style.
func WriteASS(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(assHeader)
	for _, c := range cues {
		text := strings.ReplaceAll(c.Text, "\n", `\N`)
		fmt.Fprintf(bw, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n", assClock(c.Start), assClock(c.End), text)
	}
	return bw.Flush()
}

// clock formats seconds as HH:MM:SS<sep>mmm.
func clock(seconds float64, sep byte) string {
	ms := int64(math.Round(math.Max(seconds, 0) * 1000))
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}

// assClock formats seconds as H:MM:SS.cc.
func assClock(seconds float64) string {
	cs := int64(math.Round(math.Max(seconds, 0) * 100))
	h := cs / 360_000
	m := cs / 6000 % 60
	s := cs / 100 % 60
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs%100)
}
