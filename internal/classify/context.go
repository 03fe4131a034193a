package classify

import (
	"regexp"
	"strings"
)

var nameSplitPattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// nameTokens derives context keywords from filenames, sheet/table names and
// column headers: split on non-alphanumerics, drop short fragments,
// lowercase. "no_ktp_karyawan.xlsx" -> ["ktp", "karyawan", "xlsx"].
func nameTokens(name string) []string {
	if name == "" {
		return nil
	}

	var tokens []string
	for _, t := range nameSplitPattern.Split(name, -1) {
		if len(t) > 2 {
			tokens = append(tokens, strings.ToLower(t))
		}
	}
	return tokens
}

// contextWindow assembles the lowercased text a proximity keyword may match
// against: the hint names plus a fixed-radius token window around the span.
func contextWindow(text string, start, end, radius int, hints Hints) string {
	var parts []string

	for _, name := range []string{hints.FieldName, hints.Container, hints.FileName} {
		if name == "" {
			continue
		}
		parts = append(parts, strings.ToLower(name))
		parts = append(parts, nameTokens(name)...)
	}

	parts = append(parts, tokenWindow(text, start, end, radius)...)
	return strings.Join(parts, " ")
}

// tokenWindow returns the lowercased tokens within radius tokens of the
// match span
func tokenWindow(text string, start, end, radius int) []string {
	if text == "" {
		return nil
	}
	if start < 0 {
		start = 0
	}
	if end > len(text) {
		end = len(text)
	}

	type span struct{ from, to int }
	var spans []span
	inToken := false
	from := 0
	for i, r := range text {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if !isSpace && !inToken {
			inToken = true
			from = i
		}
		if isSpace && inToken {
			inToken = false
			spans = append(spans, span{from, i})
		}
	}
	if inToken {
		spans = append(spans, span{from, len(text)})
	}

	// Locate the token range overlapping the match span
	first, last := -1, -1
	for i, sp := range spans {
		if sp.to <= start {
			continue
		}
		if sp.from >= end {
			break
		}
		if first == -1 {
			first = i
		}
		last = i
	}
	if first == -1 {
		return nil
	}

	lo := first - radius
	if lo < 0 {
		lo = 0
	}
	hi := last + radius
	if hi >= len(spans) {
		hi = len(spans) - 1
	}

	tokens := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		tokens = append(tokens, strings.ToLower(text[spans[i].from:spans[i].to]))
	}
	return tokens
}
