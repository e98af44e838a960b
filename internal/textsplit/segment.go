package textsplit

import (
	"iter"
	"slices"
	"sort"
	"strings"
)

// Separators are tried in order: paragraph break, line break, sentence
// punctuation, then word boundary. Text with none of them left is split
// into single runes.
var Separators = []string{
	"\n\n",
	"\n",
	". ", "! ", "? ", "; ",
	"。", "！", "？", "；",
	" ",
}

// Chunk is a contiguous slice of the source text.
type Chunk struct {
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
	// Start and End are byte offsets of Content in the source text.
	Start int `json:"start"`
	End   int `json:"end"`
}

// Segment splits text into chunks of at most chunkSize tokens, each chunk
// starting with up to overlap trailing words of the previous one.
//
// The sequence is lazy, deterministic and can be ranged over repeatedly.
// Text of at most chunkSize tokens yields exactly one chunk equal to text.
// chunkSize below 1 is treated as 1 and overlap is clamped to
// [0, chunkSize-1].
func Segment(text string, chunkSize, overlap int) iter.Seq[Chunk] {
	chunkSize = max(chunkSize, 1)
	overlap = min(max(overlap, 0), chunkSize-1)

	return func(yield func(Chunk) bool) {
		s := &segmenter{text: text, size: chunkSize, overlap: overlap, words: wordSpans(text)}
		if len(s.words) <= chunkSize {
			yield(s.chunk(0, len(text)))
			return
		}
		s.run(yield)
	}
}

// Split collects Segment into a slice.
func Split(text string, chunkSize, overlap int) []Chunk {
	return slices.Collect(Segment(text, chunkSize, overlap))
}

// Reconstruct joins chunks produced by Segment, dropping the regions each
// chunk shares with its predecessor.
func Reconstruct(chunks []Chunk) string {
	var b strings.Builder
	end := 0
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c.Content)
			end = c.End
			continue
		}
		if c.End <= end {
			continue
		}
		b.WriteString(c.Content[end-c.Start:])
		end = c.End
	}
	return b.String()
}

type span struct {
	start, end int
}

type segmenter struct {
	text    string
	size    int
	overlap int
	words   []wordSpan
}

// tokens counts the words that intersect text[a:b].
func (s *segmenter) tokens(a, b int) int {
	lo := sort.Search(len(s.words), func(i int) bool { return s.words[i].end > a })
	hi := sort.Search(len(s.words), func(i int) bool { return s.words[i].start >= b })
	return max(hi-lo, 0)
}

func (s *segmenter) chunk(a, b int) Chunk {
	return Chunk{Content: s.text[a:b], Tokens: s.tokens(a, b), Start: a, End: b}
}

// pieces splits text[start:end] into contiguous spans of at most size
// tokens, keeping each separator attached to the span before it.
func (s *segmenter) pieces(start, end int, seps []string, out []span) []span {
	if s.tokens(start, end) <= s.size {
		return append(out, span{start, end})
	}
	for i, sep := range seps {
		if !strings.Contains(s.text[start:end], sep) {
			continue
		}
		rest := seps[i+1:]
		for pos := start; pos < end; {
			next := end
			if idx := strings.Index(s.text[pos:end], sep); idx >= 0 {
				next = pos + idx + len(sep)
			}
			out = s.pieces(pos, next, rest, out)
			pos = next
		}
		return out
	}
	for pos := start; pos < end; {
		w := runeLen(s.text[pos:end])
		out = append(out, span{pos, pos + w})
		pos += w
	}
	return out
}

// run merges pieces greedily into chunks.
func (s *segmenter) run(yield func(Chunk) bool) {
	cs, ce := 0, 0
	for _, p := range s.pieces(0, len(s.text), Separators, nil) {
		if ce > cs && s.tokens(cs, p.end) > s.size {
			if !yield(s.chunk(cs, ce)) {
				return
			}
			cs = s.overlapStart(cs, ce, p.end)
		}
		ce = p.end
	}
	if ce > cs {
		yield(s.chunk(cs, ce))
	}
}

// overlapStart picks where the chunk after text[cs:ce] begins: at the
// start of one of its last overlap words, backing off until the next
// chunk (ending at next) still fits. Returns ce when no overlap fits.
func (s *segmenter) overlapStart(cs, ce, next int) int {
	lo := sort.Search(len(s.words), func(i int) bool { return s.words[i].start >= cs })
	hi := sort.Search(len(s.words), func(i int) bool { return s.words[i].start >= ce })

	// Keep at least one word behind so the next chunk always advances.
	k := min(s.overlap, hi-lo-1)
	for ; k > 0; k-- {
		ns := s.words[hi-k].start
		if s.tokens(ns, next) <= s.size {
			return ns
		}
	}
	return ce
}
