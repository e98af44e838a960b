package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Echoxiawan/KBaseCase/internal/generation"
	"github.com/Echoxiawan/KBaseCase/internal/knowledge"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Knowledge: knowledgeStatus(s.kb)})
}

// handleGenerate runs the pipeline for the posted documents.
func (s *Server) handleGenerate(c echo.Context) error {
	var req GenerateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid generate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Documents) == 0 && strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "documents or text is required")
	}
	if req.CaseCount < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "case_count must not be negative")
	}

	if !s.runs.TryAcquire(1) {
		s.metrics.recordRejected(c.Request().Context())
		return echo.NewHTTPError(http.StatusServiceUnavailable, "too many concurrent generation requests")
	}
	defer s.runs.Release(1)

	res := s.generator.Generate(c.Request().Context(), generation.Request{
		Documents:      req.Documents,
		Text:           req.Text,
		CaseCount:      req.CaseCount,
		Snippets:       req.Snippets,
		KnowledgeQuery: req.KnowledgeQuery,
	})
	if res.Err != nil {
		return c.JSON(statusForKind(res.Err.Kind), ErrorResponse{
			Error:      res.Err.Message,
			Kind:       string(res.Err.Kind),
			RawContent: res.Err.Raw,
			RunID:      res.RunID,
		})
	}

	cases := res.Cases
	if cases == nil {
		cases = []generation.TestCase{}
	}
	return c.JSON(http.StatusOK, GenerateResponse{
		RunID:          res.RunID,
		Cases:          cases,
		Stage:          res.Stage,
		ReviewFallback: res.ReviewFallback,
		Warnings:       res.Warnings,
	})
}

// statusForKind maps pipeline error kinds onto HTTP statuses.
func statusForKind(kind generation.ErrorKind) int {
	switch kind {
	case generation.KindInvalidInput:
		return http.StatusBadRequest
	case generation.KindTransport:
		return http.StatusBadGateway
	case generation.KindMalformedOutput:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// handleKnowledgeQuery queries the configured knowledge base directly.
func (s *Server) handleKnowledgeQuery(c echo.Context) error {
	if s.kb == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "knowledge base not configured")
	}
	var req KnowledgeQueryRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid knowledge query", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	if req.TopK < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "top_k must not be negative")
	}
	method, err := knowledge.ParseSearchMethod(req.SearchMethod)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	snippets, err := s.kb.Retrieve(c.Request().Context(), knowledge.Query{
		Text:         req.Query,
		TopK:         req.TopK,
		SearchMethod: method,
	})
	if err != nil {
		s.logger.Warn("knowledge query failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Kind: string(generation.KindTransport)})
	}
	if snippets == nil {
		snippets = []knowledge.Snippet{}
	}
	return c.JSON(http.StatusOK, KnowledgeQueryResponse{Query: req.Query, Sources: snippets})
}

// handleKnowledgeDocuments ingests documents into a writable knowledge base.
func (s *Server) handleKnowledgeDocuments(c echo.Context) error {
	ingester, ok := s.kb.(knowledge.Ingester)
	if !ok {
		return echo.NewHTTPError(http.StatusNotImplemented, "knowledge base does not accept documents")
	}
	var req KnowledgeDocumentsRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid knowledge documents request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Documents) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "documents field is required")
	}

	chunks, err := ingester.AddDocuments(c.Request().Context(), req.Documents)
	if err != nil {
		s.logger.Error("knowledge ingestion failed", zap.Error(err), zap.Int("stored_chunks", chunks))
		status := http.StatusInternalServerError
		if errors.Is(err, knowledge.ErrTransport) {
			status = http.StatusBadGateway
		}
		return c.JSON(status, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, KnowledgeDocumentsResponse{Documents: len(req.Documents), Chunks: chunks})
}
