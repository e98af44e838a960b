package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func failing(name string, err error, calls *[]string) Strategy {
	return Strategy{Name: name, Build: func(context.Context) (Provider, error) {
		*calls = append(*calls, name)
		return nil, err
	}}
}

func succeeding(name string, dim int, calls *[]string) Strategy {
	return Strategy{Name: name, Build: func(context.Context) (Provider, error) {
		*calls = append(*calls, name)
		return NewHashProvider(dim)
	}}
}

func TestLadder_FirstSuccessWins(t *testing.T) {
	var calls []string
	core, logs := observer.New(zapcore.DebugLevel)

	l := NewLadder(zap.New(core),
		failing("gpu", errors.New("cuda driver mismatch"), &calls),
		succeeding("cpu", 16, &calls),
		succeeding("never", 32, &calls),
	)

	p, err := l.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, p.Dimension())
	assert.Equal(t, []string{"gpu", "cpu"}, calls)
	assert.Equal(t, 1, logs.FilterMessage("embedding backend failed, trying next").Len())
	assert.Equal(t, 1, logs.FilterMessage("embedding backend ready").Len())
}

func TestLadder_SurfacesLastError(t *testing.T) {
	var calls []string
	last := errors.New("onnx runtime missing")

	l := NewLadder(nil,
		failing("a", errors.New("first"), &calls),
		failing("b", last, &calls),
	)

	_, err := l.Build(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, last)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestLadder_Empty(t *testing.T) {
	_, err := NewLadder(nil).Build(context.Background())
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestLadderFromConfig_FallsBackToHash(t *testing.T) {
	l := LadderFromConfig([]config.EmbeddingStrategy{
		{Provider: "tei"}, // no base URL
		{Provider: "hash", Dimension: 8},
	}, nil)

	p, err := l.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, p.Dimension())
}

func TestShared_BuildsOnce(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	s := NewShared(NewLadder(nil, Strategy{Name: "hash", Build: func(context.Context) (Provider, error) {
		mu.Lock()
		calls = append(calls, "hash")
		mu.Unlock()
		return NewHashProvider(8)
	}}))

	var wg sync.WaitGroup
	providers := make([]Provider, 8)
	for i := range providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Get(context.Background())
			assert.NoError(t, err)
			providers[i] = p
		}()
	}
	wg.Wait()

	assert.Len(t, calls, 1)
	for _, p := range providers {
		assert.Same(t, providers[0], p)
	}
	assert.NoError(t, s.Close())
}

func TestShared_RemembersFailure(t *testing.T) {
	var calls []string
	s := NewShared(NewLadder(nil, failing("x", errors.New("nope"), &calls)))

	_, err1 := s.Get(context.Background())
	_, err2 := s.Get(context.Background())
	assert.ErrorIs(t, err1, ErrBackendUnavailable)
	assert.Equal(t, err1, err2)
	assert.Len(t, calls, 1)
}

func TestShared_DoesNotRememberCancellation(t *testing.T) {
	var calls []string
	s := NewShared(NewLadder(nil, succeeding("hash", 8, &calls)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Get(ctx)
	require.Error(t, err)

	p, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, p.Dimension())
}

func TestHashProvider(t *testing.T) {
	p, err := NewHashProvider(64)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "user login requirements")
	require.NoError(t, err)
	b, err := p.EmbedQuery(ctx, "user login requirements")
	require.NoError(t, err)
	assert.Equal(t, a, b, "deterministic")
	assert.Len(t, a, 64)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	docs, err := p.EmbedDocuments(ctx, []string{"登录 功能", "   "})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, make([]float32, 64), docs[1], "no terms yields zero vector")

	_, err = p.EmbedQuery(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = p.EmbedDocuments(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = NewHashProvider(-1)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTEIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, true, req["truncate"])

		switch in := req["inputs"].(type) {
		case string:
			_ = json.NewEncoder(w).Encode([][]float32{{1, 0}})
		case []interface{}:
			out := make([][]float32, len(in))
			for i := range in {
				out[i] = []float32{float32(i), 1}
			}
			_ = json.NewEncoder(w).Encode(out)
		}
	}))
	defer srv.Close()

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL + "/", Model: "BAAI/bge-base-en-v1.5"})
	require.NoError(t, err)
	assert.Equal(t, 768, p.Dimension())

	q, err := p.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, q)

	docs, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}, {1, 1}}, docs)
}

func TestTEIProvider_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = p.EmbedQuery(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(context.Background(), config.EmbeddingStrategy{Provider: "word2vec"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewProvider(context.Background(), config.EmbeddingStrategy{Provider: "openai"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig, "model is required")

	p, err := NewProvider(context.Background(), config.EmbeddingStrategy{
		Provider: "openai", Model: "text-embedding-3-small", BaseURL: "http://localhost:1/v1",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1536, p.Dimension())

	p, err = NewProvider(context.Background(), config.EmbeddingStrategy{Provider: "hash", Dimension: 12}, nil)
	require.NoError(t, err)
	v, err := p.EmbedQuery(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, v, 12)
}
