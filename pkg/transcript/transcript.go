// Package transcript loads timed transcripts and splits them into the sentence
// units consumed by [segment.Finder].
//
// A [Transcript] is a flat stream of characters, each optionally carrying the
// time it was spoken. Character offsets used throughout (sentence units, clip
// text ranges) index into that stream: StartChar is inclusive and EndChar is
// exclusive.
//
// Three source formats are supported:
//
//   - JSON in the char-level layout written by the transcription pipeline
//     (source_software, time_created, language, num_speakers, char_info).
//   - SubRip (.srt) and WebVTT (.vtt) subtitles. Cue text becomes characters
//     whose times are spread linearly across the cue.
package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/cliptile/pkg/segment"
)

var (
	// ErrInvalidTranscript is wrapped by every parse or validation failure.
	ErrInvalidTranscript = errors.New("transcript: invalid transcript")

	// ErrUnsupportedFormat is returned for an unknown [Format].
	ErrUnsupportedFormat = errors.New("transcript: unsupported format")
)

// Format names a transcript encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
)

// IsValid reports whether f is a supported format.
func (f Format) IsValid() bool {
	switch f {
	case FormatJSON, FormatSRT, FormatVTT:
		return true
	}
	return false
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	f := Format(strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
	if !f.IsValid() {
		return "", fmt.Errorf("%w: extension %q of %s", ErrUnsupportedFormat, filepath.Ext(path), path)
	}
	return f, nil
}

// Char is one character of the transcript stream.
type Char struct {
	Char string

	// StartTime and EndTime are in seconds; nil when the recogniser did not
	// time this character (typically whitespace).
	StartTime *float64
	EndTime   *float64

	// Speaker is the diarised speaker index, nil when unknown.
	Speaker *int
}

// Transcript is a timed character stream plus its metadata.
type Transcript struct {
	// Source names the software or format that produced the transcript.
	Source string

	Created  time.Time
	Language string

	// NumSpeakers is the diarised speaker count, nil when unknown.
	NumSpeakers *int

	Chars []Char

	// Duration is the media length in seconds when known, otherwise 0.
	Duration float64
}

// LoadFile opens path and decodes it according to its extension.
func LoadFile(path string) (*Transcript, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	defer f.Close()

	t, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("transcript: load %s: %w", path, err)
	}
	return t, nil
}

// Text returns the full transcript text.
func (t *Transcript) Text() string {
	var b strings.Builder
	for _, c := range t.Chars {
		b.WriteString(c.Char)
	}
	return b.String()
}

// EndTime returns the last known time in the stream: the end time of the
// last character that has one, or its start time when only that is set.
// Returns 0 for an untimed transcript.
func (t *Transcript) EndTime() float64 {
	for i := len(t.Chars) - 1; i >= 0; i-- {
		c := t.Chars[i]
		if c.EndTime != nil {
			return *c.EndTime
		}
		if c.StartTime != nil {
			return *c.StartTime
		}
	}
	return 0
}

// TotalDuration returns the larger of Duration and EndTime.
func (t *Transcript) TotalDuration() float64 {
	return max(t.Duration, t.EndTime())
}

// Slice returns the transcript text covered by seg. Out-of-range offsets are
// clamped.
func (t *Transcript) Slice(seg segment.MediaSegment) string {
	start := min(max(seg.TextStartIdx, 0), len(t.Chars))
	end := min(max(seg.TextEndIdx, start), len(t.Chars))

	var b strings.Builder
	for _, c := range t.Chars[start:end] {
		b.WriteString(c.Char)
	}
	return b.String()
}

func ptr[T any](v T) *T { return &v }
