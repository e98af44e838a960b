package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/Echoxiawan/KBaseCase/internal/budget"
	"github.com/Echoxiawan/KBaseCase/internal/embeddings"
	"github.com/Echoxiawan/KBaseCase/internal/textsplit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Defaults for Extractor fields left at zero.
const (
	DefaultChunkSize      = 1000
	DefaultChunkOverlap   = 200
	DefaultMinQueryTokens = 500
)

const (
	// verbatimChunks is the chunk count at or below which a document that
	// fits the budget is returned unchanged.
	verbatimChunks = 3
	// minPartialSection is the budget that must remain for a cut-down
	// final section to be worth including.
	minPartialSection = 50

	headShare    = 0.7
	tailShare    = 0.3
	maxHeadWords = 2000
	maxTailWords = 1000
	// headerReserve covers the two head/tail header lines.
	headerReserve = 8

	headHeader = "--- Document head ---"
	tailHeader = "--- Document tail ---"
	fullHeader = "--- Full document ---"
)

// Section is one query's contribution to an extraction.
type Section struct {
	Query     string `json:"query"`
	Tokens    int    `json:"tokens"`
	Truncated bool   `json:"truncated,omitempty"`
}

// SectionReport is the outcome of Extractor.Extract.
type SectionReport struct {
	Text           string    `json:"text"`
	Tokens         int       `json:"tokens"`
	Queries        []string  `json:"queries,omitempty"`
	PerQueryBudget int       `json:"per_query_budget,omitempty"`
	Sections       []Section `json:"sections,omitempty"`
	// Verbatim is set when the document was short enough to pass through.
	Verbatim bool `json:"verbatim,omitempty"`
	// HeadTail is set when raw head/tail text was appended because the
	// query sections used less than half the budget.
	HeadTail bool `json:"head_tail,omitempty"`
}

// Extractor reduces a long document to query-relevant sections under a
// token budget. The zero value of each numeric field selects its default.
type Extractor struct {
	Encoder        embeddings.Provider
	ChunkSize      int
	ChunkOverlap   int
	TopK           int
	MinQueryTokens int
	Queries        QuerySynthesizer
	Logger         *zap.Logger
}

// Extract returns at most maxTokens tokens of doc. Documents of at most
// three chunks that fit are returned verbatim. Otherwise each synthesized
// query gets its own sub-budget and contributes a headed section while
// the overall budget allows; if that fills less than half of it, head and
// tail slices of the raw document are appended.
func (e *Extractor) Extract(ctx context.Context, doc string, maxTokens int) (_ *SectionReport, err error) {
	ctx, span := tracer.Start(ctx, "retrieval.Extractor.Extract")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	report := &SectionReport{}
	if maxTokens <= 0 {
		return report, nil
	}

	chunks := textsplit.Split(doc, orDefault(e.ChunkSize, DefaultChunkSize), orDefault(e.ChunkOverlap, DefaultChunkOverlap))
	docTokens := textsplit.CountTokens(doc)
	span.SetAttributes(
		attribute.Int("document.tokens", docTokens),
		attribute.Int("document.chunks", len(chunks)),
		attribute.Int("max_tokens", maxTokens),
	)
	if len(chunks) <= verbatimChunks && docTokens <= maxTokens {
		report.Text, report.Tokens, report.Verbatim = doc, docTokens, true
		return report, nil
	}

	index := NewIndex(e.Encoder, logger)
	if err := index.Build(ctx, chunks); err != nil {
		return nil, fmt.Errorf("building document index: %w", err)
	}
	assembler := NewAssembler(index, e.TopK, logger)

	report.Queries = e.Queries.Queries(doc)
	b := budget.New(maxTokens)
	var out strings.Builder

	if len(report.Queries) > 0 {
		report.PerQueryBudget = max(maxTokens/len(report.Queries), orDefault(e.MinQueryTokens, DefaultMinQueryTokens))
		for _, q := range report.Queries {
			text, err := assembler.RelevantContext(ctx, q, report.PerQueryBudget)
			if err != nil {
				return nil, fmt.Errorf("retrieving context for %q: %w", q, err)
			}
			if text == "" {
				continue
			}
			section := "--- " + q + " ---\n" + text
			tokens := textsplit.CountTokens(section)
			if !b.Fits(tokens) {
				if remaining := b.Remaining(); remaining > minPartialSection {
					writeBlock(&out, textsplit.FirstWords(section, remaining)+TruncationMarker)
					report.Sections = append(report.Sections, Section{Query: q, Tokens: b.Take(remaining), Truncated: true})
				}
				break
			}
			writeBlock(&out, section)
			report.Sections = append(report.Sections, Section{Query: q, Tokens: b.Take(tokens)})
			if b.Exhausted() {
				break
			}
		}
	}

	if b.Consumed() < maxTokens/2 {
		if remaining := b.Remaining() - headerReserve; remaining > 0 {
			head := min(int(float64(remaining)*headShare), maxHeadWords)
			tail := min(int(float64(remaining)*tailShare), maxTailWords)
			if docTokens > head+tail {
				writeBlock(&out, headHeader+"\n"+textsplit.FirstWords(doc, head))
				writeBlock(&out, tailHeader+"\n"+textsplit.LastWords(doc, tail))
			} else {
				writeBlock(&out, fullHeader+"\n"+strings.TrimSpace(doc))
			}
			report.HeadTail = true
		}
	}

	report.Text = out.String()
	report.Tokens = textsplit.CountTokens(report.Text)
	span.SetAttributes(
		attribute.Int("queries", len(report.Queries)),
		attribute.Int("sections", len(report.Sections)),
		attribute.Bool("head_tail", report.HeadTail),
	)
	logger.Debug("key sections extracted",
		zap.Int("queries", len(report.Queries)),
		zap.Int("per_query_budget", report.PerQueryBudget),
		zap.Int("sections", len(report.Sections)),
		zap.Bool("head_tail", report.HeadTail),
		zap.Int("tokens", report.Tokens),
		zap.Int("max_tokens", maxTokens))
	return report, nil
}

func writeBlock(b *strings.Builder, s string) {
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(s)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
