package retrieval

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"github.com/Echoxiawan/KBaseCase/internal/embeddings"
	"github.com/Echoxiawan/KBaseCase/internal/textsplit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func hashEncoder(t *testing.T) embeddings.Provider {
	t.Helper()
	p, err := embeddings.NewHashProvider(1024)
	require.NoError(t, err)
	return p
}

func words(prefix string, n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(w, " ")
}

// longRequirements builds a structured document of roughly paragraphs*60
// words with headings the synthesizer picks up.
func longRequirements(paragraphs int) string {
	var b strings.Builder
	topics := []string{"login", "payment", "export", "search", "profile", "audit"}
	for i := 0; i < paragraphs; i++ {
		topic := topics[i%len(topics)]
		fmt.Fprintf(&b, "## %s section %d\n", topic, i)
		for j := 0; j < 6; j++ {
			fmt.Fprintf(&b, "The %s module must handle case %d of paragraph %d correctly. ", topic, j, i)
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

type badEncoder struct{ *embeddings.HashProvider }

func (badEncoder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, i+1)
	}
	return out, nil
}

func TestIndex_SearchOrdersByDistance(t *testing.T) {
	ix := NewIndex(hashEncoder(t), nil)
	chunks := []textsplit.Chunk{
		{Content: "user login password reset"},
		{Content: "   "},
		{Content: "payment card refund invoice"},
		{Content: "export report csv download"},
	}
	require.NoError(t, ix.Build(context.Background(), chunks))
	assert.Equal(t, 3, ix.Len(), "blank chunk skipped")

	matches, err := ix.Search(context.Background(), "refund a payment", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "payment card refund invoice", matches[0].Chunk.Content)
	assert.LessOrEqual(t, matches[0].Distance, matches[1].Distance)
}

func TestIndex_SearchEdgeCases(t *testing.T) {
	ctx := context.Background()
	ix := NewIndex(hashEncoder(t), nil)

	matches, err := ix.Search(ctx, "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, matches, "empty index")

	require.NoError(t, ix.Build(ctx, []textsplit.Chunk{{Content: "one"}, {Content: "two"}}))

	matches, err = ix.Search(ctx, "one", 10)
	require.NoError(t, err)
	assert.Len(t, matches, 2, "k clamped to index size")

	matches, err = ix.Search(ctx, "  ", 2)
	require.NoError(t, err)
	assert.Empty(t, matches, "blank query")

	matches, err = ix.Search(ctx, "one", 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIndex_DimensionMismatch(t *testing.T) {
	ix := NewIndex(badEncoder{}, nil)
	err := ix.Build(context.Background(), []textsplit.Chunk{{Content: "a"}, {Content: "b"}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Zero(t, ix.Len())
}

// A 50-word document is one chunk and comes back unchanged.
func TestAssembler_ShortDocumentVerbatim(t *testing.T) {
	doc := words("w", 50)
	chunks := textsplit.Split(doc, 1000, 200)
	require.Len(t, chunks, 1)

	ix := NewIndex(hashEncoder(t), nil)
	require.NoError(t, ix.Build(context.Background(), chunks))

	got, err := NewAssembler(ix, 0, nil).RelevantContext(context.Background(), "w1 w2", 4000)
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestAssembler_TruncatesLastChunk(t *testing.T) {
	first := "alpha beta gamma delta epsilon zeta eta theta iota kappa"
	second := words("x", 10)
	ix := NewIndex(hashEncoder(t), nil)
	require.NoError(t, ix.Build(context.Background(), []textsplit.Chunk{{Content: second}, {Content: first}}))

	core, logs := observer.New(zapcore.DebugLevel)
	a := NewAssembler(ix, 5, zap.New(core))

	got, err := a.RelevantContext(context.Background(), "alpha beta gamma", 15)
	require.NoError(t, err)
	assert.Equal(t, first+"\n\n"+textsplit.FirstWords(second, 5)+TruncationMarker, got)
	assert.Equal(t, 15, textsplit.CountTokens(got))
	assert.Equal(t, 1, logs.FilterMessage("context assembled").Len())

	got, err = a.RelevantContext(context.Background(), "alpha", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueries_BaseThenHeadings(t *testing.T) {
	text := strings.Join([]string{
		"# Overview",
		"1. Login flow",
		"USER MANAGEMENT",
		"Payment rules:",
		"Export requirements",
		"this is a normal sentence that goes on.",
		"登录功能",
		"支付说明：",
		"# API",
		"# Overview",
		strings.Repeat("LONG ", 30),
	}, "\n")

	got := SynthesizeQueries(text, nil)
	want := append(append([]string{}, config.DefaultBaseQueries...),
		"Overview",
		"1. Login flow",
		"USER MANAGEMENT",
		"Payment rules",
		"Export requirements",
		"登录功能",
		"支付说明",
	)
	assert.Equal(t, want, got)
}

func TestQueries_Cap(t *testing.T) {
	base := make([]string, 20)
	for i := range base {
		base[i] = fmt.Sprintf("topic %d", i)
	}
	got := SynthesizeQueries("# Heading one", base)
	assert.Len(t, got, MaxQueries)
	assert.Equal(t, base[:MaxQueries], got)

	got = QuerySynthesizer{Base: []string{"a topic", "a topic"}, Limit: 2}.Queries("# First heading\n# Second heading")
	assert.Equal(t, []string{"a topic", "First heading"}, got)
}

func TestIsUpper(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"USER MANAGEMENT", true},
		{"HTTP 2.0 API", true},
		{"ÉTÉ", true},
		{"Hello", false},
		{"登录功能", false},
		{"1234", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, isUpper(tt.line))
		})
	}
}

func TestExtract_VerbatimWhenShort(t *testing.T) {
	e := &Extractor{Encoder: hashEncoder(t)}
	doc := "A short requirement.\n\nUsers can log in."

	r, err := e.Extract(context.Background(), doc, 100)
	require.NoError(t, err)
	assert.True(t, r.Verbatim)
	assert.Equal(t, doc, r.Text)
	assert.Empty(t, r.Queries)
}

func TestExtract_LongDocumentUsesQueries(t *testing.T) {
	doc := longRequirements(50)
	const maxTokens = 1000
	e := &Extractor{Encoder: hashEncoder(t), ChunkSize: 200, ChunkOverlap: 20, MinQueryTokens: 50}

	r, err := e.Extract(context.Background(), doc, maxTokens)
	require.NoError(t, err)
	require.NotEmpty(t, r.Queries)
	assert.False(t, r.Verbatim)
	assert.Len(t, r.Queries, MaxQueries)
	assert.Equal(t, max(maxTokens/len(r.Queries), 50), r.PerQueryBudget)
	assert.LessOrEqual(t, r.Tokens, maxTokens)
	require.NotEmpty(t, r.Sections)
	assert.True(t, strings.HasPrefix(r.Text, "--- "+r.Queries[0]+" ---\n"))
	for _, s := range r.Sections {
		header := textsplit.CountTokens("--- " + s.Query + " ---")
		assert.LessOrEqual(t, s.Tokens, r.PerQueryBudget+header, s.Query)
	}
}

func TestExtract_AppendsHeadAndTail(t *testing.T) {
	doc := words("d", 3000)
	const maxTokens = 1000
	e := &Extractor{
		Encoder:      hashEncoder(t),
		ChunkSize:    20,
		ChunkOverlap: 2,
		TopK:         1,
		Queries:      QuerySynthesizer{Base: []string{"d7 d8"}, Limit: 1},
	}

	r, err := e.Extract(context.Background(), doc, maxTokens)
	require.NoError(t, err)
	require.Len(t, r.Sections, 1)
	assert.True(t, r.HeadTail)
	assert.Contains(t, r.Text, headHeader+"\nd0 d1 d2")
	assert.Contains(t, r.Text, tailHeader+"\n")
	assert.True(t, strings.HasSuffix(r.Text, "d2998 d2999"))
	assert.LessOrEqual(t, r.Tokens, maxTokens)
}

func TestExtract_FullDocumentWhenHeadAndTailOverlap(t *testing.T) {
	doc := words("d", 300)
	e := &Extractor{
		Encoder:      hashEncoder(t),
		ChunkSize:    50,
		ChunkOverlap: 5,
		TopK:         1,
		Queries:      QuerySynthesizer{Base: []string{"d1"}, Limit: 1},
	}

	r, err := e.Extract(context.Background(), doc, 1000)
	require.NoError(t, err)
	assert.True(t, r.HeadTail)
	assert.Contains(t, r.Text, fullHeader+"\n"+doc)
	assert.NotContains(t, r.Text, headHeader)
	assert.LessOrEqual(t, r.Tokens, 1000)
}

func TestExtract_ZeroBudget(t *testing.T) {
	r, err := (&Extractor{Encoder: hashEncoder(t)}).Extract(context.Background(), "text", 0)
	require.NoError(t, err)
	assert.Empty(t, r.Text)
}
