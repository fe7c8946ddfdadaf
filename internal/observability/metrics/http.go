package metrics

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetrics captures low-cardinality HTTP server metrics.
type HTTPMetrics struct {
	requestDuration metric.Float64Histogram
	inFlight        metric.Int64UpDownCounter
}

// NewHTTPMetrics creates HTTP metrics instruments.
func NewHTTPMetrics(cfg Config, provider metric.MeterProvider) (*HTTPMetrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "insight"
	}
	meter := provider.Meter(name + "/http")

	requestDuration, err := meter.Float64Histogram("http.server.duration_ms")
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter("http.server.in_flight")
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{
		requestDuration: requestDuration,
		inFlight:        inFlight,
	}, nil
}

func routeAttr(route string) metric.MeasurementOption {
	return metric.WithAttributes(FilterAttributes(attribute.String("endpoint", route))...)
}

func outcomeAttrs(route string, status int) metric.MeasurementOption {
	return metric.WithAttributes(FilterAttributes(
		attribute.String("endpoint", route),
		attribute.String("status_code", strconv.Itoa(status)),
	)...)
}

// GinMiddleware records request duration and in-flight metrics. Routes are
// keyed by the matched pattern, not the raw path, to keep cardinality flat.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := normalizeRoute(c.FullPath())
		ctx := c.Request.Context()

		m.inFlight.Add(ctx, 1, routeAttr(route))
		start := time.Now()
		c.Next()
		m.inFlight.Add(ctx, -1, routeAttr(route))

		m.requestDuration.Record(ctx,
			float64(time.Since(start).Milliseconds()),
			outcomeAttrs(route, c.Writer.Status()))
	}
}

// RecordRequest allows manual recording outside the gin middleware path.
func (m *HTTPMetrics) RecordRequest(ctx context.Context, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.Record(ctx,
		float64(duration.Milliseconds()),
		outcomeAttrs(normalizeRoute(route), status))
}

func normalizeRoute(route string) string {
	route = strings.TrimSpace(route)
	if route == "" {
		return "unknown"
	}
	return route
}
