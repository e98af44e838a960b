package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("kbasecase.knowledge")

const (
	defaultDifyTimeout = 30 * time.Second
	defaultRateLimit   = 5 // requests per second
	defaultBurst       = 10
	defaultMaxRetries  = 2
	defaultBaseBackoff = 500 * time.Millisecond
	maxErrorBody       = 4 << 10
	maxResponseBody    = 16 << 20
)

// DifyClient queries a Dify dataset through its retrieval API.
type DifyClient struct {
	baseURL    string
	apiKey     config.Secret
	datasetID  string
	defaults   Query
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// NewDifyClient returns a client for cfg. Base URL, API key and dataset
// ID are required.
func NewDifyClient(cfg config.DifyConfig, logger *zap.Logger) (*DifyClient, error) {
	if cfg.BaseURL == "" || !cfg.APIKey.IsSet() || cfg.DatasetID == "" {
		return nil, fmt.Errorf("%w: dify needs base_url, api_key and dataset_id", ErrNotConfigured)
	}
	method, err := ParseSearchMethod(cfg.SearchMethod)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultDifyTimeout
	}
	reranking, threshold := cfg.RerankingEnabled, cfg.ScoreThreshold

	return &DifyClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		datasetID: cfg.DatasetID,
		defaults: Query{
			TopK:             max(cfg.TopK, 1),
			SearchMethod:     method,
			RerankingEnabled: &reranking,
			ScoreThreshold:   &threshold,
		},
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxRetries: defaultMaxRetries,
		backoff:    defaultBaseBackoff,
		logger:     logger.Named("dify"),
	}, nil
}

type difyRetrieveRequest struct {
	Query          string             `json:"query"`
	RetrievalModel difyRetrievalModel `json:"retrieval_model"`
}

type difyRetrievalModel struct {
	SearchMethod          SearchMethod `json:"search_method"`
	RerankingEnable       bool         `json:"reranking_enable"`
	TopK                  int          `json:"top_k"`
	ScoreThresholdEnabled bool         `json:"score_threshold_enabled"`
	ScoreThreshold        float64      `json:"score_threshold"`
}

type difyRetrieveResponse struct {
	Records []struct {
		Segment struct {
			Content  string `json:"content"`
			Document struct {
				Name string `json:"name"`
			} `json:"document"`
		} `json:"segment"`
		Score float64 `json:"score"`
	} `json:"records"`
}

type difyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// retryableError marks failures worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// Retrieve posts q to the dataset's retrieve endpoint. A response without
// records yields no snippets and no error; records with blank content are
// skipped.
func (c *DifyClient) Retrieve(ctx context.Context, q Query) (_ []Snippet, err error) {
	ctx, span := tracer.Start(ctx, "knowledge.Dify.Retrieve")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuery
	}
	req := c.request(q)
	span.SetAttributes(
		attribute.String("search_method", string(req.RetrievalModel.SearchMethod)),
		attribute.Int("top_k", req.RetrievalModel.TopK),
	)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying knowledge query",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
			}
		}

		snippets, err := c.do(ctx, req)
		if err == nil {
			span.SetAttributes(attribute.Int("snippets", len(snippets)))
			return snippets, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *DifyClient) request(q Query) difyRetrieveRequest {
	m := difyRetrievalModel{
		SearchMethod:          c.defaults.SearchMethod,
		RerankingEnable:       *c.defaults.RerankingEnabled,
		TopK:                  c.defaults.TopK,
		ScoreThresholdEnabled: true,
		ScoreThreshold:        *c.defaults.ScoreThreshold,
	}
	if q.TopK > 0 {
		m.TopK = q.TopK
	}
	if q.SearchMethod != "" {
		m.SearchMethod = q.SearchMethod
	}
	if q.RerankingEnabled != nil {
		m.RerankingEnable = *q.RerankingEnabled
	}
	if q.ScoreThreshold != nil {
		m.ScoreThreshold = *q.ScoreThreshold
	}
	return difyRetrieveRequest{Query: q.Text, RetrievalModel: m}
}

func (c *DifyClient) do(ctx context.Context, body difyRetrieveRequest) ([]Snippet, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/datasets/%s/retrieve", c.baseURL, c.datasetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey.Value())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("%w: %w", ErrTransport, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("%w: %s", ErrTransport, describeDifyError(resp.StatusCode, raw))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &retryableError{err: err}
		}
		return nil, err
	}

	var out difyRetrieveResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrTransport, err)
	}
	if len(out.Records) == 0 {
		c.logger.Warn("knowledge base returned no records")
		return nil, nil
	}

	snippets := make([]Snippet, 0, len(out.Records))
	for _, r := range out.Records {
		if strings.TrimSpace(r.Segment.Content) == "" {
			continue
		}
		snippets = append(snippets, Snippet{
			Content: r.Segment.Content,
			Source:  r.Segment.Document.Name,
			Score:   r.Score,
		})
	}
	c.logger.Debug("knowledge base query answered",
		zap.Int("records", len(out.Records)),
		zap.Int("snippets", len(snippets)))
	return snippets, nil
}

// describeDifyError prefers Dify's {code, message} body and falls back to
// the raw response text.
func describeDifyError(status int, raw []byte) string {
	var e difyError
	if err := json.Unmarshal(raw, &e); err == nil && e.Code != "" && e.Message != "" {
		return fmt.Sprintf("HTTP %d, code %s: %s", status, e.Code, e.Message)
	}
	if body := strings.TrimSpace(string(raw)); body != "" {
		return fmt.Sprintf("HTTP %d: %s", status, body)
	}
	return fmt.Sprintf("HTTP %d", status)
}

// Close is a no-op; the client holds no connections beyond the shared
// transport.
func (c *DifyClient) Close() error { return nil }
