package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"github.com/Echoxiawan/KBaseCase/internal/embeddings"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func difyConfig(url string) config.DifyConfig {
	return config.DifyConfig{
		BaseURL:          url + "/",
		APIKey:           "dataset-key",
		DatasetID:        "ds-1",
		TopK:             10,
		SearchMethod:     "hybrid_search",
		RerankingEnabled: true,
		ScoreThreshold:   0.05,
	}
}

func TestDifyClient_Retrieve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/datasets/ds-1/retrieve", r.URL.Path)
		assert.Equal(t, "Bearer dataset-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "login rules", body["query"])
		model := body["retrieval_model"].(map[string]any)
		assert.Equal(t, "keyword_search", model["search_method"])
		assert.Equal(t, true, model["reranking_enable"])
		assert.Equal(t, float64(3), model["top_k"])
		assert.Equal(t, true, model["score_threshold_enabled"])
		assert.Equal(t, 0.05, model["score_threshold"])

		_, _ = w.Write([]byte(`{"records":[
			{"segment":{"content":"Passwords expire after 90 days.","document":{"name":"policy.md"}},"score":0.91},
			{"segment":{"content":"   "},"score":0.5},
			{"segment":{"content":"Accounts lock after 5 failures."},"score":0.42}
		]}`))
	}))
	defer srv.Close()

	c, err := NewDifyClient(difyConfig(srv.URL), nil)
	require.NoError(t, err)

	got, err := c.Retrieve(context.Background(), Query{Text: "login rules", TopK: 3, SearchMethod: KeywordSearch})
	require.NoError(t, err)
	assert.Equal(t, []Snippet{
		{Content: "Passwords expire after 90 days.", Source: "policy.md", Score: 0.91},
		{Content: "Accounts lock after 5 failures.", Score: 0.42},
	}, got)
}

func TestDifyClient_MissingRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"query":{"content":"x"}}`))
	}))
	defer srv.Close()

	c, err := NewDifyClient(difyConfig(srv.URL), nil)
	require.NoError(t, err)
	got, err := c.Retrieve(context.Background(), Query{Text: "x"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDifyClient_ErrorBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"dataset_not_initialized","message":"The dataset is still being initialized."}`))
	}))
	defer srv.Close()

	c, err := NewDifyClient(difyConfig(srv.URL), nil)
	require.NoError(t, err)
	_, err = c.Retrieve(context.Background(), Query{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "HTTP 400, code dataset_not_initialized: The dataset is still being initialized.")
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

func TestDifyClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream busy", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"records":[{"segment":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c, err := NewDifyClient(difyConfig(srv.URL), nil)
	require.NoError(t, err)
	c.backoff = time.Millisecond

	got, err := c.Retrieve(context.Background(), Query{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, []Snippet{{Content: "ok"}}, got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDifyClient_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewDifyClient(difyConfig(srv.URL), nil)
	require.NoError(t, err)
	c.backoff = time.Millisecond

	_, err = c.Retrieve(context.Background(), Query{Text: "x"})
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Contains(t, err.Error(), "HTTP 503: down")
}

func TestDifyClient_Validation(t *testing.T) {
	_, err := NewDifyClient(config.DifyConfig{BaseURL: "http://x"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	cfg := difyConfig("http://x")
	cfg.SearchMethod = "vector_magic"
	_, err = NewDifyClient(cfg, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	c, err := NewDifyClient(difyConfig("http://x"), nil)
	require.NoError(t, err)
	_, err = c.Retrieve(context.Background(), Query{Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func hashEncoder(t *testing.T) embeddings.Provider {
	t.Helper()
	p, err := embeddings.NewHashProvider(256)
	require.NoError(t, err)
	return p
}

func TestLocalStore_IngestAndRetrieve(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(config.LocalConfig{}, hashEncoder(t), 2, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Retrieve(ctx, Query{Text: "anything"})
	require.NoError(t, err)
	assert.Empty(t, got, "empty collection")

	n, err := s.AddDocuments(ctx, []Document{
		{Name: "auth.md", Text: "Passwords must contain at least twelve characters."},
		{Name: "billing.md", Text: "Invoices are issued on the first day of each month."},
		{Name: "blank.md", Text: "   "},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s.Count())

	got, err = s.Retrieve(ctx, Query{Text: "password characters", TopK: 10})
	require.NoError(t, err)
	require.Len(t, got, 2, "top k clamped to collection size")
	assert.Equal(t, "auth.md", got[0].Source)
	assert.Contains(t, got[0].Content, "Passwords")

	threshold := 0.99
	got, err = s.Retrieve(ctx, Query{Text: "password characters", ScoreThreshold: &threshold})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLocalStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewLocalStore(config.LocalConfig{Path: dir, Collection: "kb"}, hashEncoder(t), 0, nil)
	require.NoError(t, err)
	_, err = s.AddDocuments(ctx, []Document{{ID: "doc", Name: "a.md", Text: "Refunds are processed within five days."}})
	require.NoError(t, err)

	reopened, err := NewLocalStore(config.LocalConfig{Path: dir, Collection: "kb"}, hashEncoder(t), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}

type fakeQdrant struct {
	exists  bool
	created *qdrant.CreateCollection
	upserts []*qdrant.UpsertPoints
	query   *qdrant.QueryPoints
	points  []*qdrant.ScoredPoint
}

func (f *fakeQdrant) Query(_ context.Context, r *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.query = r
	return f.points, nil
}

func (f *fakeQdrant) Upsert(_ context.Context, r *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.upserts = append(f.upserts, r)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) CollectionExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeQdrant) CreateCollection(_ context.Context, r *qdrant.CreateCollection) error {
	f.created = r
	f.exists = true
	return nil
}

func (f *fakeQdrant) Close() error { return nil }

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func TestQdrantStore(t *testing.T) {
	ctx := context.Background()
	fake := &fakeQdrant{}
	s := newQdrantStore(fake, "kb", hashEncoder(t), 3, nil)

	got, err := s.Retrieve(ctx, Query{Text: "refunds"})
	require.NoError(t, err)
	assert.Empty(t, got, "missing collection")
	assert.Nil(t, fake.query)

	n, err := s.AddDocuments(ctx, []Document{{Name: "billing.md", Text: "Refunds are processed within five days."}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotNil(t, fake.created)
	assert.Equal(t, uint64(256), fake.created.GetVectorsConfig().GetParams().GetSize())
	require.Len(t, fake.upserts, 1)
	payload := fake.upserts[0].Points[0].Payload
	assert.Equal(t, "billing.md", payload[payloadSource].GetStringValue())

	fake.points = []*qdrant.ScoredPoint{
		{Score: 0.8, Payload: map[string]*qdrant.Value{payloadContent: stringValue("Refunds take five days."), payloadSource: stringValue("billing.md")}},
		{Score: 0.1, Payload: map[string]*qdrant.Value{payloadSource: stringValue("empty.md")}},
	}
	threshold := 0.2
	got, err = s.Retrieve(ctx, Query{Text: "refunds", ScoreThreshold: &threshold})
	require.NoError(t, err)
	assert.Equal(t, []Snippet{{Content: "Refunds take five days.", Source: "billing.md", Score: float64(float32(0.8))}}, got)
	assert.Equal(t, uint64(3), fake.query.GetLimit())
	assert.InDelta(t, 0.2, fake.query.GetScoreThreshold(), 1e-6)
}

func TestNew(t *testing.T) {
	s, err := New(config.KnowledgeConfig{Provider: "none"}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = New(config.KnowledgeConfig{Provider: "dify"}, nil, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Nil(t, s)

	_, err = New(config.KnowledgeConfig{Provider: "pinecone"}, nil, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	s, err = New(config.KnowledgeConfig{Provider: "local"}, hashEncoder(t), nil)
	require.NoError(t, err)
	_, ok := s.(Ingester)
	assert.True(t, ok)
}

func TestParseSearchMethod(t *testing.T) {
	m, err := ParseSearchMethod("")
	require.NoError(t, err)
	assert.Equal(t, HybridSearch, m)

	m, err = ParseSearchMethod("full_text_search")
	require.NoError(t, err)
	assert.Equal(t, FullTextSearch, m)

	_, err = ParseSearchMethod(strings.ToUpper("semantic_search"))
	assert.Error(t, err)
}

func TestCollectionName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"knowledge", "knowledge"},
		{"Payments KB", "payments_kb"},
		{"team/qa--knowledge", "team_qa_knowledge"},
		{"__edge__", "edge"},
		{"", "knowledge"},
		{"!!!", "knowledge"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, collectionName(tt.in), tt.in)
	}

	long := strings.Repeat("requirements_", 10)
	got := collectionName(long)
	assert.LessOrEqual(t, len(got), 64)
	assert.Regexp(t, `^[a-z0-9_]+_[0-9a-f]{8}$`, got)
	assert.NotEqual(t, got, collectionName(long+"x"), "hash keeps long names distinct")
}
