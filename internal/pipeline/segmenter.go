package pipeline

import (
	"strings"
	"unicode"
)

// Segmenter splits an incremental token stream into complete sentences.
// Feed returns every sentence whose terminating boundary is confirmed by
// the text seen so far; Flush returns the unterminated residue when the
// stream closes. State is local to one character reply.
type Segmenter struct {
	pending []rune
}

func NewSegmenter() *Segmenter {
	return &Segmenter{}
}

// Feed appends a text fragment and returns any newly completed sentences.
func (s *Segmenter) Feed(fragment string) []string {
	if fragment == "" {
		return nil
	}
	s.pending = append(s.pending, []rune(fragment)...)

	var out []string
	start := 0
	for i := 0; i < len(s.pending); i++ {
		r := s.pending[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		end := i + 1
		for end < len(s.pending) && isTerminator(s.pending[end]) {
			end++
		}
		for end < len(s.pending) && isClosing(s.pending[end]) {
			end++
		}
		// A boundary is only confirmed once trailing whitespace has
		// arrived; the stream may still extend "3." into "3.14".
		if end >= len(s.pending) || !unicode.IsSpace(s.pending[end]) {
			i = end - 1
			continue
		}
		if !s.isBoundary(i) {
			i = end - 1
			continue
		}
		sentence := strings.TrimSpace(string(s.pending[start:end]))
		if sentence != "" {
			out = append(out, sentence)
		}
		for end < len(s.pending) && unicode.IsSpace(s.pending[end]) {
			end++
		}
		start = end
		i = end - 1
	}
	if start > 0 {
		s.pending = append(s.pending[:0], s.pending[start:]...)
	}
	return out
}

// Flush returns any final non-terminated text as the last sentence and
// resets the segmenter.
func (s *Segmenter) Flush() string {
	residue := strings.TrimSpace(string(s.pending))
	s.pending = s.pending[:0]
	return residue
}

// Reset discards all buffered text.
func (s *Segmenter) Reset() {
	s.pending = s.pending[:0]
}

// isBoundary decides whether the terminator at pos really ends a
// sentence, rejecting abbreviations, initials, decimals and ellipses.
func (s *Segmenter) isBoundary(pos int) bool {
	runes := s.pending
	punct := runes[pos]
	if punct == '!' || punct == '?' {
		return true
	}

	// Ellipsis is a pause, not an ending.
	if pos+2 < len(runes) && runes[pos+1] == '.' && runes[pos+2] == '.' {
		return false
	}
	if pos >= 2 && runes[pos-1] == '.' && runes[pos-2] == '.' {
		return false
	}

	// Decimal number: digit on both sides of the period.
	if pos > 0 && pos+1 < len(runes) && unicode.IsDigit(runes[pos-1]) && unicode.IsDigit(runes[pos+1]) {
		return false
	}

	wordStart := pos - 1
	for wordStart >= 0 && !unicode.IsSpace(runes[wordStart]) {
		wordStart--
	}
	word := strings.ToLower(string(runes[wordStart+1 : pos]))
	word = strings.TrimSuffix(word, ".")
	if abbreviations[word] {
		return false
	}
	// Single uppercase letter reads as an initial ("J. Smith").
	if pos > 0 && wordStart+2 == pos && unicode.IsUpper(runes[pos-1]) {
		return false
	}
	// Any interior dot marks a multi-part abbreviation ("ph.d", "u.s").
	if strings.Contains(word, ".") {
		return false
	}
	return true
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isClosing(r rune) bool {
	return r == '"' || r == '\'' || r == ')' || r == ']' || r == '”' || r == '’'
}

var abbreviations = buildAbbreviations()

func buildAbbreviations() map[string]bool {
	words := []string{
		"mr", "mrs", "ms", "dr", "prof", "sr", "jr", "st",
		"i.e", "e.g", "etc", "vs", "cf", "al", "inc", "ltd", "co", "corp",
		"jan", "feb", "mar", "apr", "jun", "jul", "aug", "sep", "sept", "oct", "nov", "dec",
		"mon", "tue", "wed", "thu", "fri", "sat", "sun",
		"ft", "oz", "kg", "km", "cm", "mm", "mi",
		"hr", "hrs", "min", "mins", "sec", "secs",
		"u.s", "u.k", "u.n", "e.u",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
