package retrieval

import (
	"context"
	"strings"

	"github.com/Echoxiawan/KBaseCase/internal/budget"
	"github.com/Echoxiawan/KBaseCase/internal/textsplit"
	"go.uber.org/zap"
)

// DefaultTopK is the number of chunks the assembler considers.
const DefaultTopK = 5

// TruncationMarker is appended to the last word of a chunk that was cut
// to fit the budget.
const TruncationMarker = "..."

// Assembler turns a query into a budget-bounded context string.
type Assembler struct {
	index  *Index
	topK   int
	logger *zap.Logger
}

// NewAssembler returns an assembler over index. topK <= 0 uses DefaultTopK.
func NewAssembler(index *Index, topK int, logger *zap.Logger) *Assembler {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{index: index, topK: topK, logger: logger}
}

// RelevantContext concatenates the top matches for query in rank order,
// separated by blank lines, while they fit in maxTokens. The first chunk
// that does not fit contributes only the words that do, followed by
// TruncationMarker, and assembly stops there. The result never exceeds
// maxTokens; maxTokens <= 0 or no matches give "".
func (a *Assembler) RelevantContext(ctx context.Context, query string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return "", nil
	}
	matches, err := a.index.Search(ctx, query, a.topK)
	if err != nil {
		return "", err
	}

	b := budget.New(maxTokens)
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		content := strings.TrimSpace(m.Chunk.Content)
		tokens := textsplit.CountTokens(content)
		if b.Fits(tokens) {
			b.Take(tokens)
			parts = append(parts, content)
			continue
		}
		if n := b.Take(tokens); n > 0 {
			parts = append(parts, textsplit.FirstWords(content, n)+TruncationMarker)
		}
		break
	}

	a.logger.Debug("context assembled",
		zap.String("query", query),
		zap.Int("matches", len(matches)),
		zap.Int("tokens", b.Consumed()),
		zap.Int("max_tokens", maxTokens))
	return strings.Join(parts, "\n\n"), nil
}
