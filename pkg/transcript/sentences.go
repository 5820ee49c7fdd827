package transcript

import (
	"strings"
	"unicode"

	"github.com/MrWong99/cliptile/pkg/segment"
)

// Sentences splits the transcript into sentence units.
//
// A sentence ends after a character ending in '.', '?' or '!' that is
// followed by whitespace or the end of the stream. Trailing text without a
// terminator forms a final unit. Whitespace is trimmed from both edges of
// every unit and units that are empty after trimming are dropped.
//
// A unit's start time is the first known time among its characters and its
// end time the last. A unit with no timed character inherits the previous
// unit's end time (0 for the first).
func (t *Transcript) Sentences() []segment.SentenceUnit {
	var (
		units []segment.SentenceUnit
		start int
		prev  float64
	)
	emit := func(from, to int) {
		for from < to && isSpace(t.Chars[from].Char) {
			from++
		}
		for to > from && isSpace(t.Chars[to-1].Char) {
			to--
		}
		if from == to {
			return
		}
		u := t.unit(from, to, prev)
		prev = u.EndTime
		units = append(units, u)
	}

	for i, c := range t.Chars {
		if !isTerminator(c.Char) {
			continue
		}
		if i+1 < len(t.Chars) && !isSpace(t.Chars[i+1].Char) {
			continue
		}
		emit(start, i+1)
		start = i + 1
	}
	emit(start, len(t.Chars))
	return units
}

func (t *Transcript) unit(from, to int, fallback float64) segment.SentenceUnit {
	chars := t.Chars[from:to]

	var b strings.Builder
	for _, c := range chars {
		b.WriteString(c.Char)
	}

	start, end := fallback, fallback
	for _, c := range chars {
		if tm := firstTime(c.StartTime, c.EndTime); tm != nil {
			start = *tm
			break
		}
	}
	for i := len(chars) - 1; i >= 0; i-- {
		if tm := firstTime(chars[i].EndTime, chars[i].StartTime); tm != nil {
			end = *tm
			break
		}
	}
	end = max(end, start)

	return segment.SentenceUnit{
		StartChar: from,
		EndChar:   to,
		StartTime: start,
		EndTime:   end,
		Text:      b.String(),
	}
}

func firstTime(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}

func isTerminator(s string) bool {
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "?") || strings.HasSuffix(s, "!")
}

func isSpace(s string) bool {
	return strings.TrimFunc(s, unicode.IsSpace) == ""
}
