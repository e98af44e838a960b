// Package retrieval answers "which parts of this document matter for this
// query" under a token budget: an exact in-memory embedding index, a greedy
// context assembler, a heading-based query synthesizer and the long
// document section extractor built from them.
package retrieval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/Echoxiawan/KBaseCase/internal/embeddings"
	"github.com/Echoxiawan/KBaseCase/internal/textsplit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("kbasecase.retrieval")

// ErrDimensionMismatch is returned when the encoder returns vectors of
// inconsistent length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Match is one search hit.
type Match struct {
	Chunk textsplit.Chunk
	// Distance is the Euclidean distance to the query vector.
	Distance float64
}

// Index is a flat, exact nearest-neighbour index over document chunks.
// Each pipeline run builds its own; only the encoder is shared.
type Index struct {
	encoder embeddings.Provider
	logger  *zap.Logger

	chunks  []textsplit.Chunk
	vectors [][]float32
}

// NewIndex returns an empty index that encodes with encoder.
func NewIndex(encoder embeddings.Provider, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{encoder: encoder, logger: logger}
}

// Len returns the number of indexed chunks.
func (ix *Index) Len() int {
	return len(ix.chunks)
}

// Build encodes chunks in one batch and replaces the index contents.
// Whitespace-only chunks are skipped.
func (ix *Index) Build(ctx context.Context, chunks []textsplit.Chunk) (err error) {
	ctx, span := tracer.Start(ctx, "retrieval.Index.Build")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	kept := make([]textsplit.Chunk, 0, len(chunks))
	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		kept = append(kept, c)
		texts = append(texts, c.Content)
	}
	span.SetAttributes(attribute.Int("chunks", len(kept)))

	ix.chunks, ix.vectors = nil, nil
	if len(kept) == 0 {
		return nil
	}

	vectors, err := ix.encoder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("encoding %d chunks: %w", len(texts), err)
	}
	if len(vectors) != len(kept) {
		return fmt.Errorf("%w: %d vectors for %d chunks", ErrDimensionMismatch, len(vectors), len(kept))
	}
	for i, v := range vectors {
		if len(v) != len(vectors[0]) {
			return fmt.Errorf("%w: vector %d has length %d, want %d", ErrDimensionMismatch, i, len(v), len(vectors[0]))
		}
	}

	ix.chunks, ix.vectors = kept, vectors
	ix.logger.Debug("index built", zap.Int("chunks", len(kept)), zap.Int("dimension", len(vectors[0])))
	return nil
}

// Search returns up to k chunks ordered by ascending distance to query.
// Ties keep document order. k is clamped to Len; an empty index, blank
// query or k <= 0 yields no matches.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Match, error) {
	k = min(k, len(ix.chunks))
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	q, err := ix.encoder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}
	if len(q) != len(ix.vectors[0]) {
		return nil, fmt.Errorf("%w: query has length %d, index has %d", ErrDimensionMismatch, len(q), len(ix.vectors[0]))
	}

	matches := make([]Match, len(ix.chunks))
	for i, v := range ix.vectors {
		matches[i] = Match{Chunk: ix.chunks[i], Distance: l2(q, v)}
	}
	slices.SortStableFunc(matches, func(a, b Match) int {
		return cmp.Compare(a.Distance, b.Distance)
	})
	return matches[:k], nil
}

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
