package textsplit

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// CountTokens returns the approximate token count of s: its number of
// whitespace-delimited words.
func CountTokens(s string) int {
	return len(strings.Fields(s))
}

// FirstWords returns the first n words of s joined by single spaces.
func FirstWords(s string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ")
}

// LastWords returns the last n words of s joined by single spaces.
func LastWords(s string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-n:], " ")
}

// Truncate returns s unchanged when it has at most n words, otherwise its
// first n words followed by marker.
func Truncate(s string, n int, marker string) string {
	if CountTokens(s) <= n {
		return s
	}
	return FirstWords(s, n) + marker
}

// wordSpan is the byte range of one word.
type wordSpan struct {
	start, end int
}

// wordSpans scans s with the same word definition as strings.Fields.
func wordSpans(s string) []wordSpan {
	var spans []wordSpan
	start := -1
	for i, r := range s {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, wordSpan{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, wordSpan{start, len(s)})
	}
	return spans
}

// runeLen is the byte length of the first rune in s.
func runeLen(s string) int {
	_, w := utf8.DecodeRuneInString(s)
	return w
}
