package retrieval

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Echoxiawan/KBaseCase/internal/config"
)

// MaxQueries caps the synthesized query list.
const MaxQueries = 15

const (
	maxHeadingLine  = 100
	shortLine       = 50
	minQueryLen     = 3
	headingCutset   = "#.:-*[] \t："
	numberPrefixLen = 5
)

// keywordSuffixes mark short lines such as "Login requirements" or
// "登录功能" as headings.
var keywordSuffixes = []string{
	"requirement", "requirements",
	"function", "functions",
	"specification", "specifications",
	"要求", "功能", "规范",
}

// QuerySynthesizer derives retrieval queries from a document's headings.
type QuerySynthesizer struct {
	// Base queries come first in the output. Nil uses
	// config.DefaultBaseQueries.
	Base []string
	// Limit caps the output; <= 0 uses MaxQueries.
	Limit int
}

// SynthesizeQueries runs a QuerySynthesizer with the given base queries
// and the default cap.
func SynthesizeQueries(text string, base []string) []string {
	return QuerySynthesizer{Base: base}.Queries(text)
}

// Queries returns the base queries followed by heading-like lines of text
// in discovery order, de-duplicated and capped at the limit. When the base
// list alone exceeds the limit it is truncated.
func (s QuerySynthesizer) Queries(text string) []string {
	limit := s.Limit
	if limit <= 0 {
		limit = MaxQueries
	}
	base := s.Base
	if base == nil {
		base = config.DefaultBaseQueries
	}

	seen := make(map[string]bool, limit)
	out := make([]string, 0, limit)
	add := func(q string) bool {
		if len(out) >= limit {
			return false
		}
		if q == "" || seen[q] {
			return true
		}
		seen[q] = true
		out = append(out, q)
		return true
	}

	for _, q := range base {
		if !add(strings.TrimSpace(q)) {
			return out
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !isHeading(line) {
			continue
		}
		q := strings.Trim(line, headingCutset)
		if utf8.RuneCountInString(q) <= minQueryLen {
			continue
		}
		if !add(q) {
			break
		}
	}
	return out
}

// isHeading applies the heading heuristics to a trimmed line. False
// positives are acceptable; the queries only steer retrieval.
func isHeading(line string) bool {
	n := utf8.RuneCountInString(line)
	if n == 0 || n > maxHeadingLine {
		return false
	}
	switch {
	case isUpper(line):
		return true
	case numberedPrefix(line):
		return true
	case strings.HasPrefix(line, "#"):
		return true
	case strings.HasSuffix(line, ":"), strings.HasSuffix(line, "："):
		return true
	case n < shortLine && hasKeywordSuffix(line):
		return true
	}
	return false
}

// isUpper reports whether line has at least one cased letter and no
// lower- or title-case letters. Scripts without case (CJK, Arabic, ...)
// never qualify.
func isUpper(line string) bool {
	cased := false
	for _, r := range line {
		switch {
		case unicode.IsLower(r), unicode.IsTitle(r):
			return false
		case unicode.IsUpper(r):
			cased = true
		}
	}
	return cased
}

// numberedPrefix matches "1. Overview", "2.3 Login" and similar: a leading
// digit with a '.' within the first five characters.
func numberedPrefix(line string) bool {
	first, _ := utf8.DecodeRuneInString(line)
	if !unicode.IsDigit(first) {
		return false
	}
	i := 0
	for _, r := range line {
		if i == numberPrefixLen {
			break
		}
		if r == '.' {
			return true
		}
		i++
	}
	return false
}

func hasKeywordSuffix(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range keywordSuffixes {
		if strings.HasSuffix(lower, kw) {
			return true
		}
	}
	return false
}
