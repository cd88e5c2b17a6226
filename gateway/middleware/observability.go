package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"workescrow/observability"
	telemetry "workescrow/observability/otel"
)

const RequestIDHeader = "X-Request-ID"

type ObservabilityConfig struct {
	LogRequests bool
}

type Observability struct {
	cfg    ObservabilityConfig
	logger *slog.Logger
	tracer trace.Tracer
}

func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observability{cfg: cfg, logger: logger, tracer: telemetry.Tracer()}
}

// Middleware assigns a request id, opens a span and records gateway metrics
// for every request served under route.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
			if _, err := uuid.Parse(requestID); err != nil {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := context.WithValue(r.Context(), ContextKeyRequestID, requestID)
			ctx, span := o.tracer.Start(ctx, route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("request.id", requestID),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			if recorder.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(recorder.status))
			}
			span.End()

			duration := time.Since(start)
			observability.GatewayMetrics().Observe(route, r.Method, recorder.status, duration)
			if o.cfg.LogRequests {
				o.logger.Info("request served",
					slog.String("component", "gateway"),
					slog.String("requestId", requestID),
					slog.String("route", route),
					slog.String("method", r.Method),
					slog.Int("status", recorder.status),
					slog.Duration("duration", duration))
			}
		})
	}
}

// MetricsHandler exposes the process-wide Prometheus registry.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RequestIDFromContext returns the id assigned to the request, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
