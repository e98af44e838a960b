package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/Echoxiawan/KBaseCase/internal/http"

// Generation requests take tens of seconds, so the latency buckets reach
// well past the default LLM timeout.
var latencyBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300}

// Request bodies carry whole documents inline.
var bodyBuckets = []float64{1 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20, 4 << 20, 16 << 20}

// apiMetrics records request-level instruments for the API.
type apiMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	bodySize metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
	rejected metric.Int64Counter
}

// newAPIMetrics registers instruments on meter. Instruments that fail to
// register are left nil and skipped.
func newAPIMetrics(meter metric.Meter, logger *zap.Logger) *apiMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &apiMetrics{}
	var err error
	m.requests, err = meter.Int64Counter("kbasecase.http.requests",
		metric.WithDescription("API requests by route, method and status class."),
		metric.WithUnit("{request}"))
	warn("requests", err)

	m.latency, err = meter.Float64Histogram("kbasecase.http.request.duration",
		metric.WithDescription("API request latency by route, method and status class."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	warn("request.duration", err)

	m.bodySize, err = meter.Int64Histogram("kbasecase.http.request.body_size",
		metric.WithDescription("Declared request body size by route."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(bodyBuckets...))
	warn("request.body_size", err)

	m.inFlight, err = meter.Int64UpDownCounter("kbasecase.http.requests.in_flight",
		metric.WithDescription("Requests currently being served."),
		metric.WithUnit("{request}"))
	warn("requests.in_flight", err)

	m.rejected, err = meter.Int64Counter("kbasecase.http.generate.rejected",
		metric.WithDescription("Generation requests refused because all run slots were busy."),
		metric.WithUnit("{request}"))
	warn("generate.rejected", err)

	return m
}

// middleware records every request after the handler returns.
func (m *apiMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			route := routeLabel(c.Path())

			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			// Errors are rendered by echo after the chain unwinds.
			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			attrs := metric.WithAttributes(
				attribute.String("route", route),
				attribute.String("method", c.Request().Method),
				attribute.String("status_class", statusClass(status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.bodySize != nil && c.Request().ContentLength > 0 {
				m.bodySize.Record(ctx, c.Request().ContentLength,
					metric.WithAttributes(attribute.String("route", route)))
			}
			return err
		}
	}
}

func (m *apiMetrics) recordRejected(ctx context.Context) {
	if m != nil && m.rejected != nil {
		m.rejected.Add(ctx, 1)
	}
}

// routeLabel maps unmatched requests to a single label. Registered routes
// are static, so they are used as-is.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

// statusClass buckets a status code as "2xx", "4xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
