package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/Echoxiawan/KBaseCase/internal/embeddings"

// Metrics holds embedding instruments.
type Metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics registers instruments on the global meter provider.
// Registration failures are logged and leave the instrument nil.
func NewMetrics(logger *zap.Logger) *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.duration, err = meter.Float64Histogram(
		"kbasecase.embedding.duration_seconds",
		metric.WithDescription("Duration of embedding calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create embedding duration histogram", zap.Error(err))
	}
	m.batchSize, err = meter.Int64Histogram(
		"kbasecase.embedding.batch_size",
		metric.WithDescription("Texts per embedding call"),
	)
	if err != nil {
		logger.Warn("failed to create embedding batch histogram", zap.Error(err))
	}
	m.errors, err = meter.Int64Counter(
		"kbasecase.embedding.errors_total",
		metric.WithDescription("Failed embedding calls"),
	)
	if err != nil {
		logger.Warn("failed to create embedding error counter", zap.Error(err))
	}
	return m
}

// Record records one embedding call.
func (m *Metrics) Record(ctx context.Context, model, op string, d time.Duration, n int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", op),
	)
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if m.batchSize != nil {
		m.batchSize.Record(ctx, int64(n), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// instrumented records metrics around any Provider.
type instrumented struct {
	Provider
	model   string
	metrics *Metrics
}

func (p *instrumented) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	v, err := p.Provider.EmbedDocuments(ctx, texts)
	p.metrics.Record(ctx, p.model, "embed_documents", time.Since(start), len(texts), err)
	return v, err
}

func (p *instrumented) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	v, err := p.Provider.EmbedQuery(ctx, text)
	p.metrics.Record(ctx, p.model, "embed_query", time.Since(start), 1, err)
	return v, err
}
