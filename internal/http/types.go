package http

import (
	"github.com/Echoxiawan/KBaseCase/internal/generation"
	"github.com/Echoxiawan/KBaseCase/internal/knowledge"
)

// GenerateRequest is the request body for POST /api/v1/testcases/generate.
type GenerateRequest struct {
	Documents []generation.Document `json:"documents"`
	Text      string                `json:"text"`
	CaseCount int                   `json:"case_count"`
	// Snippets, when present (even empty), replace the knowledge-base lookup.
	Snippets       []knowledge.Snippet `json:"snippets"`
	KnowledgeQuery string              `json:"knowledge_query"`
}

// GenerateResponse is the response body for a successful generation.
type GenerateResponse struct {
	RunID          string                `json:"run_id"`
	Cases          []generation.TestCase `json:"cases"`
	Stage          generation.Stage      `json:"stage"`
	ReviewFallback string                `json:"review_fallback,omitempty"`
	Warnings       []string              `json:"warnings,omitempty"`
}

// ErrorResponse is returned when the pipeline fails.
type ErrorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	RawContent string `json:"raw_content,omitempty"`
	RunID      string `json:"run_id,omitempty"`
}

// KnowledgeQueryRequest is the request body for POST /api/v1/knowledge/query.
type KnowledgeQueryRequest struct {
	Query        string `json:"query"`
	TopK         int    `json:"top_k"`
	SearchMethod string `json:"search_method"`
}

// KnowledgeQueryResponse is the response body for POST /api/v1/knowledge/query.
type KnowledgeQueryResponse struct {
	Query   string              `json:"query"`
	Sources []knowledge.Snippet `json:"sources"`
}

// KnowledgeDocumentsRequest is the request body for POST /api/v1/knowledge/documents.
type KnowledgeDocumentsRequest struct {
	Documents []knowledge.Document `json:"documents"`
}

// KnowledgeDocumentsResponse reports how many chunks were stored.
type KnowledgeDocumentsResponse struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string           `json:"status"`
	Knowledge *KnowledgeStatus `json:"knowledge,omitempty"`
}

// KnowledgeStatus describes the configured knowledge base.
type KnowledgeStatus struct {
	Writable bool `json:"writable"`
	// Chunks is -1 when the backend cannot report a count.
	Chunks int `json:"chunks"`
}
