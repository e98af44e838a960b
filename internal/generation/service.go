package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Echoxiawan/KBaseCase/internal/budget"
	"github.com/Echoxiawan/KBaseCase/internal/config"
	"github.com/Echoxiawan/KBaseCase/internal/embeddings"
	"github.com/Echoxiawan/KBaseCase/internal/knowledge"
	"github.com/Echoxiawan/KBaseCase/internal/llm"
	"github.com/Echoxiawan/KBaseCase/internal/logging"
	"github.com/Echoxiawan/KBaseCase/internal/retrieval"
	"github.com/Echoxiawan/KBaseCase/internal/textsplit"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("kbasecase.generation")

const (
	passDraft   = "draft"
	passReview  = "review"
	passSummary = "summary"

	sourceDocument  = "document"
	sourceKnowledge = "knowledge"

	documentWeight  = 0.7
	knowledgeWeight = 0.3

	summaryTemperature = 0.5
	summaryMaxTokens   = 300

	defaultCaseCount = 100
)

// Review fallback reasons.
const (
	FallbackSerialize   = "serialize"
	FallbackEncoder     = "encoder_unavailable"
	FallbackContext     = "context"
	FallbackTimeout     = "timeout"
	FallbackTransport   = "transport"
	FallbackNoJSONArray = "no_json_array"
	FallbackInvalidJSON = "invalid_json"
	FallbackSchema      = "schema_violation"
	FallbackEmptyResult = "empty_result"
)

// EncoderSource hands out the long-lived embedding provider.
// *embeddings.Shared satisfies it.
type EncoderSource interface {
	Get(ctx context.Context) (embeddings.Provider, error)
}

// Service runs the draft and review passes. It holds no per-run state and
// is safe for concurrent use when its collaborators are.
type Service struct {
	cfg        config.PipelineConfig
	encoders   EncoderSource
	llm        llm.Completer
	kb         knowledge.Retriever
	kbRequired bool
	allocator  budget.Allocator
	metrics    *Metrics
	logger     *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithKnowledgeRequired makes knowledge-base failures fatal.
func WithKnowledgeRequired(required bool) Option {
	return func(s *Service) { s.kbRequired = required }
}

// WithMetrics overrides the process-wide pipeline metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService builds a Service. kb may be nil, in which case only snippets
// supplied with a request are used.
func NewService(cfg config.PipelineConfig, encoders EncoderSource, completer llm.Completer, kb knowledge.Retriever, logger *logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	cfg = withDefaults(cfg)
	s := &Service{
		cfg:       cfg,
		encoders:  encoders,
		llm:       completer,
		kb:        kb,
		allocator: budget.Allocator{Overhead: cfg.PromptOverhead, MinViable: cfg.MinViableBudget},
		logger:    logger.Named("generation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	return s
}

// withDefaults fills structural settings left at zero. Temperatures are
// taken as given.
func withDefaults(cfg config.PipelineConfig) config.PipelineConfig {
	def := config.Default().Pipeline
	fillInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	fillRatio := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}
	fillInt(&cfg.MaxTotalTokens, def.MaxTotalTokens)
	fillInt(&cfg.ChunkSize, def.ChunkSize)
	fillInt(&cfg.DefaultTopK, def.DefaultTopK)
	fillInt(&cfg.TargetCaseCount, def.TargetCaseCount)
	fillInt(&cfg.MinViableBudget, def.MinViableBudget)
	fillInt(&cfg.MinQueryTokens, def.MinQueryTokens)
	fillInt(&cfg.SnippetMaxTokens, def.SnippetMaxTokens)
	fillInt(&cfg.MaxQueries, def.MaxQueries)
	fillInt(&cfg.SummaryMaxChars, def.SummaryMaxChars)
	fillRatio(&cfg.ContextRatio, def.ContextRatio)
	fillRatio(&cfg.LongDocumentRatio, def.LongDocumentRatio)
	fillRatio(&cfg.PromptCeilingRatio, def.PromptCeilingRatio)
	fillRatio(&cfg.ReviewFloorRatio, def.ReviewFloorRatio)
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.PromptOverhead < 0 {
		cfg.PromptOverhead = 0
	}
	return cfg
}

// Generate runs the whole pipeline. It never panics and never returns
// nil; failures are reported through Result.Err.
func (s *Service) Generate(ctx context.Context, req Request) (res *Result) {
	start := time.Now()
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	ctx, span := tracer.Start(ctx, "generation.Generate", trace.WithAttributes(attribute.String("run.id", runID)))
	res = &Result{RunID: runID}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "pipeline panic", zap.Any("panic", r), zap.Stack("stack"))
			res.Cases, res.Stage, res.ReviewFallback = nil, "", ""
			res.Err = newPipelineError(KindInternal, nil, "unexpected failure: %v", r)
		}
		s.finish(ctx, span, res, start)
	}()

	text := req.DocumentText()
	if strings.TrimSpace(text) == "" {
		res.Err = newPipelineError(KindInvalidInput, nil, "document text is empty")
		return res
	}
	for _, d := range req.Documents {
		if !d.FileType.Valid() {
			res.Err = newPipelineError(KindInvalidInput, nil, "document %q has unsupported file type %q", d.Name, d.FileType)
			return res
		}
	}
	span.SetAttributes(attribute.Int("document.tokens", textsplit.CountTokens(text)))

	snippets, warning, perr := s.knowledgeSnippets(ctx, req, text)
	if perr != nil {
		res.Err = perr
		return res
	}
	if warning != "" {
		res.Warnings = append(res.Warnings, warning)
	}

	draft, perr := s.Draft(ctx, req, snippets)
	if perr != nil {
		res.Err = perr
		return res
	}

	cases, reason := s.Review(ctx, req, snippets, draft)
	res.Cases = cases
	if reason != "" {
		res.Stage, res.ReviewFallback = StageDraft, reason
		res.Warnings = append(res.Warnings, "review pass failed ("+reason+"); returning draft")
	} else {
		res.Stage = StageReviewed
	}
	return res
}

func (s *Service) finish(ctx context.Context, span trace.Span, res *Result, start time.Time) {
	elapsed := time.Since(start)
	outcome := string(res.Stage)
	if res.Err != nil {
		outcome = string(res.Err.Kind)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Message)
		s.logger.Error(ctx, "pipeline failed",
			zap.String("kind", string(res.Err.Kind)),
			zap.String("error", res.Err.Message),
			zap.Duration("duration", elapsed))
	} else {
		s.metrics.CasesGenerated.Observe(float64(len(res.Cases)))
		span.SetAttributes(attribute.Int("cases", len(res.Cases)), attribute.String("stage", outcome))
		s.logger.Info(ctx, "pipeline finished",
			zap.Int("cases", len(res.Cases)),
			zap.String("stage", outcome),
			zap.Int("warnings", len(res.Warnings)),
			zap.Duration("duration", elapsed))
	}
	s.metrics.RunsTotal.WithLabelValues(outcome).Inc()
	s.metrics.RunDuration.Observe(elapsed.Seconds())
	span.End()
}

// knowledgeSnippets returns the request's snippets, or queries the
// knowledge base with the request's query or a document summary.
func (s *Service) knowledgeSnippets(ctx context.Context, req Request, text string) ([]knowledge.Snippet, string, *PipelineError) {
	if req.Snippets != nil {
		return req.Snippets, "", nil
	}
	if s.kb == nil {
		return nil, "", nil
	}
	query := strings.TrimSpace(req.KnowledgeQuery)
	if query == "" {
		query = s.Summarize(ctx, text)
	}
	snippets, err := s.kb.Retrieve(ctx, knowledge.Query{Text: query})
	if err != nil {
		if s.kbRequired {
			return nil, "", newPipelineError(KindTransport, err, "knowledge base query failed")
		}
		s.logger.Warn(ctx, "knowledge base query failed; continuing without snippets", zap.Error(err))
		return nil, "knowledge base unavailable: " + err.Error(), nil
	}
	s.logger.Debug(ctx, "knowledge snippets retrieved", zap.Int("count", len(snippets)))
	return snippets, "", nil
}

// Summarize returns a short LLM summary of text, or its first
// SummaryMaxChars characters when the call fails or returns nothing.
func (s *Service) Summarize(ctx context.Context, text string) string {
	limit := s.cfg.SummaryMaxChars
	fallback := strings.TrimSpace(headRunes(text, limit))
	if strings.TrimSpace(text) == "" {
		return ""
	}
	out, err := s.complete(ctx, passSummary, summarizePrompt(text, limit), llm.Options{
		Temperature: summaryTemperature,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		s.logger.Warn(ctx, "summary failed; using document head", zap.Error(err))
		return fallback
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return fallback
	}
	return headRunes(out, limit)
}

// Draft generates the first set of test cases.
func (s *Service) Draft(ctx context.Context, req Request, snippets []knowledge.Snippet) (_ []TestCase, perr *PipelineError) {
	ctx, span := tracer.Start(ctx, "generation.Draft")
	defer func() {
		if perr != nil {
			span.RecordError(perr)
			span.SetStatus(codes.Error, perr.Message)
		}
		span.End()
	}()

	text := req.DocumentText()
	caseCount := s.caseCount(req)
	encoder, err := s.encoders.Get(ctx)
	if err != nil {
		return nil, retrievalError(err)
	}

	ceiling := s.contextBudget()
	pc, err := s.prepare(ctx, encoder, passDraft, text, snippets, ceiling, false)
	if err != nil {
		return nil, retrievalError(err)
	}
	prompt := draftPrompt(pc.document, pc.snippets, caseCount)

	promptCeiling := int(s.cfg.PromptCeilingRatio * float64(s.cfg.MaxTotalTokens))
	if !pc.long && promptTokens(prompt) > promptCeiling {
		s.logger.Info(ctx, "draft prompt over ceiling; switching to long-document path",
			zap.Int("prompt_tokens", promptTokens(prompt)),
			zap.Int("ceiling", promptCeiling))
		pc, err = s.prepare(ctx, encoder, passDraft, text, snippets, ceiling, true)
		if err != nil {
			return nil, retrievalError(err)
		}
		prompt = draftPrompt(pc.document, pc.snippets, caseCount)
	}
	span.SetAttributes(
		attribute.Bool("long_document", pc.long),
		attribute.Int("prompt.tokens", promptTokens(prompt)),
		attribute.Int("snippets", len(pc.snippets)),
	)

	raw, err := s.complete(ctx, passDraft, prompt, llm.Options{
		Temperature: s.cfg.DraftTemperature,
		MaxTokens:   s.cfg.MaxTotalTokens,
	})
	if err != nil {
		return nil, completionError(passDraft, err)
	}

	cases, err := ParseTestCases(raw)
	if err != nil {
		malformed := newPipelineError(KindMalformedOutput, err, "parsing draft test cases")
		malformed.Raw = raw
		return nil, malformed
	}
	s.logger.Info(ctx, "draft generated", zap.Int("cases", len(cases)), zap.Bool("long_document", pc.long))
	return cases, nil
}

// Review asks the model to improve draft. On any failure, or when the
// model returns no cases, draft is returned unchanged together with the
// fallback reason.
func (s *Service) Review(ctx context.Context, req Request, snippets []knowledge.Snippet, draft []TestCase) ([]TestCase, string) {
	ctx, span := tracer.Start(ctx, "generation.Review")
	defer span.End()

	fallback := func(reason string, err error) ([]TestCase, string) {
		fields := []zap.Field{zap.String("reason", reason), zap.Int("draft_cases", len(draft))}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		s.logger.Warn(ctx, "review failed; keeping draft", fields...)
		s.metrics.ReviewFallbacks.WithLabelValues(reason).Inc()
		span.SetAttributes(attribute.String("review.fallback", reason))
		return draft, reason
	}

	draftJSON, err := marshalCases(draft)
	if err != nil {
		return fallback(FallbackSerialize, err)
	}
	encoder, err := s.encoders.Get(ctx)
	if err != nil {
		return fallback(FallbackEncoder, err)
	}

	contextBudget := s.contextBudget()
	ceiling := max(contextBudget-textsplit.CountTokens(draftJSON), int(s.cfg.ReviewFloorRatio*float64(contextBudget)))
	pc, err := s.prepare(ctx, encoder, passReview, req.DocumentText(), snippets, ceiling, false)
	if err != nil {
		return fallback(FallbackContext, err)
	}

	prompt := reviewPrompt(draftJSON, pc.document, pc.snippets, s.caseCount(req))
	span.SetAttributes(
		attribute.Int("ceiling", ceiling),
		attribute.Int("prompt.tokens", promptTokens(prompt)),
	)
	raw, err := s.complete(ctx, passReview, prompt, llm.Options{
		Temperature: s.cfg.ReviewTemperature,
		MaxTokens:   s.cfg.MaxTotalTokens,
	})
	if err != nil {
		if isTimeout(err) {
			return fallback(FallbackTimeout, err)
		}
		return fallback(FallbackTransport, err)
	}

	cases, err := ParseTestCases(raw)
	switch {
	case errors.Is(err, ErrNoJSONArray):
		return fallback(FallbackNoJSONArray, err)
	case errors.Is(err, ErrSchema):
		return fallback(FallbackSchema, err)
	case err != nil:
		return fallback(FallbackInvalidJSON, err)
	case len(cases) == 0:
		return fallback(FallbackEmptyResult, nil)
	}
	s.logger.Info(ctx, "review completed", zap.Int("draft_cases", len(draft)), zap.Int("cases", len(cases)))
	return cases, ""
}

// passContext is the document text and snippets that go into one prompt.
type passContext struct {
	document string
	snippets []knowledge.Snippet
	long     bool
}

// prepare splits ceiling between document context and snippets and
// renders both within their allowances.
func (s *Service) prepare(ctx context.Context, encoder embeddings.Provider, pass, text string, snippets []knowledge.Snippet, ceiling int, forceLong bool) (passContext, error) {
	docTokens := textsplit.CountTokens(text)
	alloc := s.allocator.Allocate(ceiling,
		budget.Source{Name: sourceDocument, Estimate: docTokens, Weight: documentWeight, Priority: 0},
		budget.Source{Name: sourceKnowledge, Estimate: snippetEstimate(snippets, s.cfg.SnippetMaxTokens), Weight: knowledgeWeight, Priority: 1},
	)
	if alloc.Degraded {
		s.metrics.BudgetDegraded.Inc()
		s.logger.Warn(ctx, "token budget below minimum; serving document context only",
			zap.String("pass", pass),
			zap.Int("available", alloc.Available),
			zap.Int("min_viable", s.cfg.MinViableBudget))
	}

	docAllowance := alloc.Of(sourceDocument)
	pc := passContext{
		long: forceLong || float64(docTokens) > s.cfg.LongDocumentRatio*float64(ceiling),
	}

	switch {
	case pc.long:
		report, err := s.extractor(encoder).Extract(ctx, text, docAllowance)
		if err != nil {
			return pc, err
		}
		pc.document = report.Text
		s.metrics.LongDocuments.WithLabelValues(pass).Inc()
		s.logger.Info(ctx, "long-document extraction",
			zap.String("pass", pass),
			zap.Int("document_tokens", docTokens),
			zap.Int("allowance", docAllowance),
			zap.Int("queries", len(report.Queries)),
			zap.Int("per_query_budget", report.PerQueryBudget),
			zap.Int("sections", len(report.Sections)),
			zap.Int("tokens", report.Tokens))
	case pass == passReview && docTokens <= docAllowance:
		pc.document = text
	case pass == passReview:
		report, err := s.extractor(encoder).Extract(ctx, text, docAllowance)
		if err != nil {
			return pc, err
		}
		pc.document = report.Text
	default:
		index := retrieval.NewIndex(encoder, s.logger.Underlying())
		if err := index.Build(ctx, textsplit.Split(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)); err != nil {
			return pc, fmt.Errorf("building document index: %w", err)
		}
		assembled, err := retrieval.NewAssembler(index, s.cfg.DefaultTopK, s.logger.Underlying()).
			RelevantContext(ctx, summaryQuery(text), docAllowance)
		if err != nil {
			return pc, err
		}
		pc.document = assembled
	}

	used := textsplit.CountTokens(pc.document)
	kbAllowance := alloc.Of(sourceKnowledge) + max(docAllowance-used, 0)
	pc.snippets = fitSnippets(snippets, kbAllowance, s.cfg.SnippetMaxTokens)

	s.logger.Debug(ctx, "prompt context prepared",
		zap.String("pass", pass),
		zap.Int("ceiling", ceiling),
		zap.Int("document_allowance", docAllowance),
		zap.Int("document_tokens", used),
		zap.Int("knowledge_allowance", kbAllowance),
		zap.Int("snippets", len(pc.snippets)),
		zap.Bool("degraded", alloc.Degraded))
	return pc, nil
}

func (s *Service) extractor(encoder embeddings.Provider) *retrieval.Extractor {
	return &retrieval.Extractor{
		Encoder:        encoder,
		ChunkSize:      s.cfg.ChunkSize,
		ChunkOverlap:   s.cfg.ChunkOverlap,
		TopK:           s.cfg.DefaultTopK,
		MinQueryTokens: s.cfg.MinQueryTokens,
		Queries:        retrieval.QuerySynthesizer{Base: s.cfg.BaseQueries, Limit: s.cfg.MaxQueries},
		Logger:         s.logger.Underlying(),
	}
}

// complete runs one LLM call under the pipeline timeout.
func (s *Service) complete(ctx context.Context, pass, prompt string, opts llm.Options) (string, error) {
	if timeout := s.cfg.LLMTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := s.llm.Complete(ctx, prompt, opts)
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.LLMCallsTotal.WithLabelValues(pass, result).Inc()
	return out, err
}

func (s *Service) contextBudget() int {
	return int(float64(s.cfg.MaxTotalTokens) * s.cfg.ContextRatio)
}

func (s *Service) caseCount(req Request) int {
	switch {
	case req.CaseCount > 0:
		return req.CaseCount
	case s.cfg.TargetCaseCount > 0:
		return s.cfg.TargetCaseCount
	default:
		return defaultCaseCount
	}
}

// snippetEstimate is the token demand of snippets after per-snippet capping.
func snippetEstimate(snippets []knowledge.Snippet, maxEach int) int {
	total := 0
	for _, sn := range snippets {
		total += min(textsplit.CountTokens(sn.Content), maxEach)
	}
	return total
}

// fitSnippets keeps snippets in order, each capped at maxEach words, while
// they fit allowance. If none fits, the first non-empty snippet is cut to
// the allowance.
func fitSnippets(snippets []knowledge.Snippet, allowance, maxEach int) []knowledge.Snippet {
	if allowance <= 0 || len(snippets) == 0 {
		return nil
	}
	b := budget.New(allowance)
	var kept []knowledge.Snippet
	for _, sn := range snippets {
		content := textsplit.Truncate(strings.TrimSpace(sn.Content), maxEach, retrieval.TruncationMarker)
		tokens := textsplit.CountTokens(content)
		if tokens == 0 {
			continue
		}
		if !b.Fits(tokens) {
			break
		}
		b.Take(tokens)
		sn.Content = content
		kept = append(kept, sn)
	}
	if len(kept) > 0 {
		return kept
	}
	for _, sn := range snippets {
		if textsplit.CountTokens(sn.Content) == 0 {
			continue
		}
		sn.Content = textsplit.FirstWords(sn.Content, allowance) + retrieval.TruncationMarker
		return []knowledge.Snippet{sn}
	}
	return nil
}

func isTimeout(err error) bool {
	return errors.Is(err, llm.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
