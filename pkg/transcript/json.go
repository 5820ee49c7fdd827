package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// createdLayout is the time_created layout written by the transcription
// pipeline.
const createdLayout = "2006-01-02 15:04:05.999999"

// Decode reads a transcript in the given format from r.
func Decode(r io.Reader, format Format) (*Transcript, error) {
	switch format {
	case FormatJSON:
		return LoadJSON(r)
	case FormatSRT:
		return ParseSRT(r)
	case FormatVTT:
		return ParseVTT(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

type jsonTranscript struct {
	SourceSoftware *string     `json:"source_software"`
	TimeCreated    string      `json:"time_created"`
	Language       *string     `json:"language"`
	NumSpeakers    *int        `json:"num_speakers"`
	CharInfo       *[]jsonChar `json:"char_info"`
}

type jsonChar struct {
	Char      *string  `json:"char"`
	StartTime *float64 `json:"start_time"`
	EndTime   *float64 `json:"end_time"`
	Speaker   *int     `json:"speaker"`
}

// LoadJSON decodes the char-level JSON transcript layout. source_software,
// language and char_info are required; time_created may be empty.
func LoadJSON(r io.Reader) (*Transcript, error) {
	var raw jsonTranscript
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode json: %w", ErrInvalidTranscript, err)
	}

	var errs []error
	if raw.SourceSoftware == nil {
		errs = append(errs, fmt.Errorf("%w: source_software is required", ErrInvalidTranscript))
	}
	if raw.Language == nil {
		errs = append(errs, fmt.Errorf("%w: language is required", ErrInvalidTranscript))
	}
	if raw.CharInfo == nil {
		errs = append(errs, fmt.Errorf("%w: char_info is required", ErrInvalidTranscript))
	}
	if raw.NumSpeakers != nil && *raw.NumSpeakers < 0 {
		errs = append(errs, fmt.Errorf("%w: num_speakers %d must be >= 0", ErrInvalidTranscript, *raw.NumSpeakers))
	}

	var created time.Time
	if raw.TimeCreated != "" {
		var err error
		created, err = parseCreated(raw.TimeCreated)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: time_created %q: %w", ErrInvalidTranscript, raw.TimeCreated, err))
		}
	}

	var chars []Char
	if raw.CharInfo != nil {
		chars = make([]Char, len(*raw.CharInfo))
		for i, c := range *raw.CharInfo {
			if c.Char == nil {
				errs = append(errs, fmt.Errorf("%w: char_info[%d].char is required", ErrInvalidTranscript, i))
				continue
			}
			if c.StartTime != nil && *c.StartTime < 0 {
				errs = append(errs, fmt.Errorf("%w: char_info[%d].start_time %g must be >= 0", ErrInvalidTranscript, i, *c.StartTime))
			}
			if c.StartTime != nil && c.EndTime != nil && *c.EndTime < *c.StartTime {
				errs = append(errs, fmt.Errorf("%w: char_info[%d] ends at %g before it starts at %g",
					ErrInvalidTranscript, i, *c.EndTime, *c.StartTime))
			}
			chars[i] = Char{Char: *c.Char, StartTime: c.StartTime, EndTime: c.EndTime, Speaker: c.Speaker}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	t := &Transcript{
		Source:      *raw.SourceSoftware,
		Created:     created,
		Language:    *raw.Language,
		NumSpeakers: raw.NumSpeakers,
		Chars:       chars,
	}
	return t, nil
}

// parseCreated accepts the pipeline layout and RFC 3339.
func parseCreated(s string) (time.Time, error) {
	if t, err := time.Parse(createdLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
