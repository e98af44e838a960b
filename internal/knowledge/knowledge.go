// Package knowledge retrieves domain snippets from an external or local
// knowledge base to ground test-case generation.
//
// Three backends share the Retriever contract: a Dify-compatible dataset
// retrieval API, an embedded chromem-go collection persisted on disk, and
// a Qdrant collection. Retrieval failures are reported to the caller, which
// decides whether they are fatal.
package knowledge

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport wraps network failures and non-success responses.
	ErrTransport = errors.New("knowledge base transport error")

	// ErrNotConfigured is returned when the selected backend lacks the
	// settings it needs to connect.
	ErrNotConfigured = errors.New("knowledge base not configured")

	// ErrEmptyQuery is returned for blank queries.
	ErrEmptyQuery = errors.New("knowledge query is empty")

	// ErrReadOnly is returned by backends that cannot ingest documents.
	ErrReadOnly = errors.New("knowledge base is read-only")
)

// SearchMethod selects the retrieval strategy of the remote API.
type SearchMethod string

const (
	SemanticSearch SearchMethod = "semantic_search"
	KeywordSearch  SearchMethod = "keyword_search"
	FullTextSearch SearchMethod = "full_text_search"
	HybridSearch   SearchMethod = "hybrid_search"
)

// ParseSearchMethod validates s. An empty string selects HybridSearch.
func ParseSearchMethod(s string) (SearchMethod, error) {
	switch m := SearchMethod(s); m {
	case "":
		return HybridSearch, nil
	case SemanticSearch, KeywordSearch, FullTextSearch, HybridSearch:
		return m, nil
	default:
		return "", fmt.Errorf("unknown search method %q", s)
	}
}

// Snippet is one retrieved piece of domain knowledge.
type Snippet struct {
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Query describes one retrieval request. Zero values fall back to the
// backend's configured defaults.
type Query struct {
	Text             string
	TopK             int
	SearchMethod     SearchMethod
	RerankingEnabled *bool
	ScoreThreshold   *float64
}

// Retriever returns snippets relevant to a query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) ([]Snippet, error)
}

// Document is a source text to ingest into a writable knowledge base.
type Document struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Text string `json:"text"`
}

// Ingester is implemented by backends that accept new documents.
type Ingester interface {
	// AddDocuments chunks and stores docs, returning the stored chunk count.
	AddDocuments(ctx context.Context, docs []Document) (int, error)
}

// Store is a knowledge base that can be queried and, optionally, written
// to. Close releases connections.
type Store interface {
	Retriever
	Close() error
}
