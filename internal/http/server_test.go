package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"github.com/Echoxiawan/KBaseCase/internal/embeddings"
	"github.com/Echoxiawan/KBaseCase/internal/generation"
	"github.com/Echoxiawan/KBaseCase/internal/knowledge"
	"github.com/Echoxiawan/KBaseCase/internal/logging"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGenerator struct {
	mu       sync.Mutex
	requests []generation.Request
	result   *generation.Result
	block    chan struct{}
	started  chan struct{}
}

func (f *fakeGenerator) Generate(ctx context.Context, req generation.Request) *generation.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	res := *f.result
	res.RunID = logging.RequestIDFromContext(ctx)
	return &res
}

type fakeRetriever struct {
	snippets []knowledge.Snippet
	err      error
	last     knowledge.Query
}

func (f *fakeRetriever) Retrieve(_ context.Context, q knowledge.Query) ([]knowledge.Snippet, error) {
	f.last = q
	return f.snippets, f.err
}

func setupTestServer(t *testing.T, gen Generator, kb knowledge.Retriever) *Server {
	t.Helper()
	if gen == nil {
		gen = &fakeGenerator{result: &generation.Result{Stage: generation.StageReviewed}}
	}
	server, err := NewServer(gen, kb, zap.NewNop(), &Config{Host: "localhost", Port: 0, MaxConcurrent: 1, MaxBody: "1K"})
	require.NoError(t, err)
	return server
}

func postJSON(t *testing.T, server *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	gen := &fakeGenerator{}

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(gen, nil, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8080, server.config.Port)
		assert.Equal(t, int64(4), server.config.MaxConcurrent)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(gen, nil, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when generator is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "generator cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("without knowledge base", func(t *testing.T) {
		server := setupTestServer(t, nil, nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("remote knowledge base", func(t *testing.T) {
		server := setupTestServer(t, nil, &fakeRetriever{})
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Knowledge)
		assert.False(t, resp.Knowledge.Writable)
		assert.Equal(t, -1, resp.Knowledge.Chunks)
	})
}

func TestHandleGenerate(t *testing.T) {
	t.Run("returns cases", func(t *testing.T) {
		gen := &fakeGenerator{result: &generation.Result{
			Cases:          []generation.TestCase{{Title: "T1", Steps: "1. a"}},
			Stage:          generation.StageDraft,
			ReviewFallback: generation.FallbackTransport,
		}}
		server := setupTestServer(t, gen, nil)

		rec := postJSON(t, server, "/api/v1/testcases/generate", `{"documents":[{"name":"a.md","text":"login","file_type":"md"}],"case_count":5,"snippets":[]}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp GenerateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Cases, 1)
		assert.Equal(t, generation.StageDraft, resp.Stage)
		assert.Equal(t, generation.FallbackTransport, resp.ReviewFallback)
		assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), resp.RunID)

		require.Len(t, gen.requests, 1)
		got := gen.requests[0]
		assert.Equal(t, 5, got.CaseCount)
		assert.Equal(t, generation.FileTypeMarkdown, got.Documents[0].FileType)
		assert.NotNil(t, got.Snippets, "an explicit empty list disables the knowledge lookup")
	})

	t.Run("omitted snippets stay nil", func(t *testing.T) {
		gen := &fakeGenerator{result: &generation.Result{Stage: generation.StageReviewed}}
		server := setupTestServer(t, gen, nil)

		rec := postJSON(t, server, "/api/v1/testcases/generate", GenerateRequest{Text: "requirements"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, string(mustField(t, rec.Body.Bytes(), "cases")))
		assert.Nil(t, gen.requests[0].Snippets)
	})

	t.Run("maps pipeline errors", func(t *testing.T) {
		tests := []struct {
			kind   generation.ErrorKind
			status int
		}{
			{generation.KindInvalidInput, http.StatusBadRequest},
			{generation.KindTransport, http.StatusBadGateway},
			{generation.KindMalformedOutput, http.StatusUnprocessableEntity},
			{generation.KindConfiguration, http.StatusInternalServerError},
			{generation.KindInternal, http.StatusInternalServerError},
		}
		for _, tt := range tests {
			t.Run(string(tt.kind), func(t *testing.T) {
				gen := &fakeGenerator{result: &generation.Result{Err: &generation.PipelineError{
					Kind: tt.kind, Message: "boom", Raw: "not json",
				}}}
				server := setupTestServer(t, gen, nil)

				rec := postJSON(t, server, "/api/v1/testcases/generate", GenerateRequest{Text: "requirements"})
				assert.Equal(t, tt.status, rec.Code)

				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, "boom", resp.Error)
				assert.Equal(t, string(tt.kind), resp.Kind)
				assert.Equal(t, "not json", resp.RawContent)
			})
		}
	})

	t.Run("rejects invalid requests", func(t *testing.T) {
		server := setupTestServer(t, nil, nil)

		assert.Equal(t, http.StatusBadRequest, postJSON(t, server, "/api/v1/testcases/generate", `{"text":`).Code)
		assert.Equal(t, http.StatusBadRequest, postJSON(t, server, "/api/v1/testcases/generate", `{"text":"  "}`).Code)
		assert.Equal(t, http.StatusBadRequest, postJSON(t, server, "/api/v1/testcases/generate", `{"text":"x","case_count":-1}`).Code)
	})

	t.Run("enforces body limit", func(t *testing.T) {
		server := setupTestServer(t, nil, nil)

		rec := postJSON(t, server, "/api/v1/testcases/generate", GenerateRequest{Text: strings.Repeat("word ", 1000)})
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("rejects runs over the concurrency limit", func(t *testing.T) {
		gen := &fakeGenerator{
			result:  &generation.Result{Stage: generation.StageReviewed},
			block:   make(chan struct{}),
			started: make(chan struct{}, 1),
		}
		server := setupTestServer(t, gen, nil)

		done := make(chan int)
		go func() {
			done <- postJSON(t, server, "/api/v1/testcases/generate", GenerateRequest{Text: "first"}).Code
		}()
		<-gen.started

		rec := postJSON(t, server, "/api/v1/testcases/generate", GenerateRequest{Text: "second"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		close(gen.block)
		assert.Equal(t, http.StatusOK, <-done)
	})
}

func TestHandleKnowledgeQuery(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		server := setupTestServer(t, nil, nil)
		rec := postJSON(t, server, "/api/v1/knowledge/query", KnowledgeQueryRequest{Query: "login"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("returns sources", func(t *testing.T) {
		kb := &fakeRetriever{snippets: []knowledge.Snippet{{Content: "lockout after 5 attempts", Source: "policy.md", Score: 0.9}}}
		server := setupTestServer(t, nil, kb)

		rec := postJSON(t, server, "/api/v1/knowledge/query", KnowledgeQueryRequest{Query: "login", TopK: 3, SearchMethod: "semantic_search"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"query":"login","sources":[{"content":"lockout after 5 attempts","source":"policy.md","score":0.9}]}`, rec.Body.String())
		assert.Equal(t, 3, kb.last.TopK)
		assert.Equal(t, knowledge.SemanticSearch, kb.last.SearchMethod)
	})

	t.Run("validation", func(t *testing.T) {
		server := setupTestServer(t, nil, &fakeRetriever{})
		assert.Equal(t, http.StatusBadRequest, postJSON(t, server, "/api/v1/knowledge/query", KnowledgeQueryRequest{}).Code)
		assert.Equal(t, http.StatusBadRequest, postJSON(t, server, "/api/v1/knowledge/query", KnowledgeQueryRequest{Query: "q", SearchMethod: "vector"}).Code)
	})

	t.Run("upstream failure", func(t *testing.T) {
		server := setupTestServer(t, nil, &fakeRetriever{err: errors.New("HTTP 500")})
		rec := postJSON(t, server, "/api/v1/knowledge/query", KnowledgeQueryRequest{Query: "login"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestHandleKnowledgeDocuments(t *testing.T) {
	t.Run("read-only backend", func(t *testing.T) {
		server := setupTestServer(t, nil, &fakeRetriever{})
		rec := postJSON(t, server, "/api/v1/knowledge/documents", KnowledgeDocumentsRequest{Documents: []knowledge.Document{{Name: "a", Text: "b"}}})
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("local store", func(t *testing.T) {
		encoder, err := embeddings.NewHashProvider(64)
		require.NoError(t, err)
		store, err := knowledge.NewLocalStore(config.LocalConfig{}, encoder, 5, zap.NewNop())
		require.NoError(t, err)
		server := setupTestServer(t, nil, store)

		rec := postJSON(t, server, "/api/v1/knowledge/documents", KnowledgeDocumentsRequest{
			Documents: []knowledge.Document{{ID: "pw", Name: "password.md", Text: "Passwords expire after ninety days."}},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"documents":1,"chunks":1}`, rec.Body.String())

		health := httptest.NewRecorder()
		server.Handler().ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.JSONEq(t, `{"status":"ok","knowledge":{"writable":true,"chunks":1}}`, health.Body.String())
	})
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t, nil, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func mustField(t *testing.T, body []byte, key string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &fields))
	return fields[key]
}
