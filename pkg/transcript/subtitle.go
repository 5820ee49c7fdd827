package transcript

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var (
	tagRe = regexp.MustCompile(`<[^>]*>`)

	// srtTimeRe matches HH:MM:SS,mmm (a '.' separator is tolerated).
	srtTimeRe = regexp.MustCompile(`^(\d+):(\d{2}):(\d{2})[,.](\d{1,3})$`)

	// vttTimeRe matches [HH:]MM:SS.mmm.
	vttTimeRe = regexp.MustCompile(`^(?:(\d+):)?(\d{2}):(\d{2})\.(\d{1,3})$`)
)

type cue struct {
	start, end float64
	text       string
}

// ParseSRT decodes a SubRip subtitle file.
func ParseSRT(r io.Reader) (*Transcript, error) {
	cues, _, err := parseCues(r, srtTimeRe)
	if err != nil {
		return nil, fmt.Errorf("transcript: parse srt: %w", err)
	}
	return fromCues("srt", "", cues), nil
}

// ParseVTT decodes a WebVTT subtitle file. A "Language:" header line sets
// the transcript language.
func ParseVTT(r io.Reader) (*Transcript, error) {
	br := bufio.NewReader(r)
	first, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("transcript: parse vtt: %w", err)
	}
	if !strings.HasPrefix(strings.TrimPrefix(first, "\ufeff"), "WEBVTT") {
		return nil, fmt.Errorf("%w: vtt: missing WEBVTT signature", ErrInvalidTranscript)
	}

	cues, header, err := parseCues(br, vttTimeRe)
	if err != nil {
		return nil, fmt.Errorf("transcript: parse vtt: %w", err)
	}
	var lang string
	for _, line := range header {
		if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "language") {
			lang = strings.TrimSpace(v)
		}
	}
	return fromCues("webvtt", lang, cues), nil
}

// parseCues reads blank-line separated blocks. A block whose timing line
// contains "-->" is a cue; lines above the timing line (sequence numbers, cue
// identifiers) are ignored. Lines of the first block when it has no timing
// line are returned as header.
func parseCues(r io.Reader, timeRe *regexp.Regexp) ([]cue, []string, error) {
	var (
		cues   []cue
		header []string
		block  []string
		first  = true
		lineNo int
	)

	flush := func() error {
		defer func() { block = block[:0] }()
		if len(block) == 0 {
			return nil
		}
		timing := -1
		for i, l := range block {
			if strings.Contains(l, "-->") {
				timing = i
				break
			}
		}
		if timing < 0 {
			if first {
				header = append(header, block...)
			}
			first = false
			return nil
		}
		first = false

		c, err := parseTiming(block[timing], timeRe)
		if err != nil {
			return fmt.Errorf("%w: line %d: %w", ErrInvalidTranscript, lineNo-len(block)+timing, err)
		}
		var lines []string
		for _, l := range block[timing+1:] {
			if t := strings.TrimSpace(tagRe.ReplaceAllString(l, "")); t != "" {
				lines = append(lines, t)
			}
		}
		if len(lines) == 0 {
			return nil
		}
		c.text = strings.Join(lines, " ")
		cues = append(cues, c)
		return nil
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, nil, err
			}
			continue
		}
		block = append(block, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	lineNo++
	if err := flush(); err != nil {
		return nil, nil, err
	}
	return cues, header, nil
}

// parseTiming parses "start --> end [settings]".
func parseTiming(line string, timeRe *regexp.Regexp) (cue, error) {
	left, right, _ := strings.Cut(line, "-->")
	fields := strings.Fields(right)
	if len(fields) == 0 {
		return cue{}, fmt.Errorf("timing line %q has no end time", line)
	}
	start, err := parseTimestamp(strings.TrimSpace(left), timeRe)
	if err != nil {
		return cue{}, err
	}
	end, err := parseTimestamp(fields[0], timeRe)
	if err != nil {
		return cue{}, err
	}
	if end < start {
		return cue{}, fmt.Errorf("cue ends at %g before it starts at %g", end, start)
	}
	return cue{start: start, end: end}, nil
}

func parseTimestamp(s string, timeRe *regexp.Regexp) (float64, error) {
	m := timeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("malformed timestamp %q", s)
	}
	var h int
	if m[1] != "" {
		h, _ = strconv.Atoi(m[1])
	}
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.Atoi(m[3])
	// Right-pad the fraction so "5" reads as 500ms.
	ms, _ := strconv.Atoi((m[4] + "00")[:3])
	if mins > 59 || secs > 59 {
		return 0, fmt.Errorf("timestamp %q out of range", s)
	}
	return float64(h*3600+mins*60+secs) + float64(ms)/1000, nil
}

// fromCues flattens cues into a character stream. Consecutive cues are
// separated by a single untimed space. Within a cue, character i of n spans
// [start + i·d/n, start + (i+1)·d/n] where d is the cue duration.
func fromCues(source, lang string, cues []cue) *Transcript {
	t := &Transcript{Source: source, Language: lang}
	for ci, c := range cues {
		if ci > 0 {
			t.Chars = append(t.Chars, Char{Char: " "})
		}
		runes := []rune(c.text)
		n := float64(len(runes))
		d := c.end - c.start
		for i, r := range runes {
			t.Chars = append(t.Chars, Char{
				Char:      string(r),
				StartTime: ptr(c.start + float64(i)*d/n),
				EndTime:   ptr(c.start + float64(i+1)*d/n),
			})
		}
		t.Duration = max(t.Duration, c.end)
	}
	return t
}
