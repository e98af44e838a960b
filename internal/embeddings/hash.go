package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimension is used when no dimension is configured.
const DefaultHashDimension = 384

// HashProvider is an offline bag-of-words encoder. Each lower-cased word
// (and each CJK rune) is hashed into a signed bucket and the vector is L2
// normalised. It needs no model files or network, which makes it the last
// rung of the default ladder and the encoder used in tests.
type HashProvider struct {
	dimension int
}

// NewHashProvider returns a hashing encoder of the given dimension.
func NewHashProvider(dimension int) (*HashProvider, error) {
	if dimension == 0 {
		dimension = DefaultHashDimension
	}
	if dimension < 0 {
		return nil, fmt.Errorf("%w: hash dimension must be positive, got %d", ErrInvalidConfig, dimension)
	}
	return &HashProvider{dimension: dimension}, nil
}

// EmbedDocuments encodes texts.
func (p *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.encode(t)
	}
	return out, nil
}

// EmbedQuery encodes a single text.
func (p *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.encode(text), nil
}

func (p *HashProvider) encode(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, term := range terms(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(term))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dimension))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// terms splits on anything that is not a letter or digit; Han, Hiragana,
// Katakana and Hangul runes each become their own term.
func terms(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul):
			flush()
			out = append(out, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return out
}

// Dimension returns the vector length.
func (p *HashProvider) Dimension() int { return p.dimension }

// Close is a no-op.
func (p *HashProvider) Close() error { return nil }
