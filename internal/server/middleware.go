// Package server implements the HTTP API server for Sekimon.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/sekimon/internal/correlation"
	"github.com/ashita-ai/sekimon/internal/gateway"
	"github.com/ashita-ai/sekimon/internal/identity"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/passport"
	"github.com/ashita-ai/sekimon/internal/ratelimit"
	"github.com/ashita-ai/sekimon/internal/telemetry"
)

// traceMiddleware resolves the trace context of each request. An inbound
// X-Request-ID or X-Trace-ID is reused, otherwise a new id is minted.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := correlation.Resolve(r.Header)
		w.Header().Set(correlation.HeaderRequestID, tc.TraceID)
		w.Header().Set(correlation.HeaderTraceID, tc.TraceID)
		next.ServeHTTP(w, r.WithContext(correlation.WithTrace(r.Context(), tc)))
	})
}

// identityMiddleware resolves the caller once per request. Resolution never
// fails: missing or invalid credentials yield the default identity, and the
// routes decide whether that is enough.
func identityMiddleware(resolver *identity.Resolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := resolver.Resolve(r.Context(), r.Header)
		next.ServeHTTP(w, r.WithContext(identity.NewContext(r.Context(), id)))
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", correlation.TraceID(r.Context()),
		}
		if tid := otelTraceID(r); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}
		if id, ok := identity.FromContext(r.Context()); ok {
			attrs = append(attrs, "caller_id", id.CallerID)
		}
		if cluster := wrapped.Header().Get(gateway.HeaderCluster); cluster != "" {
			attrs = append(attrs, "cluster_id", cluster)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}

// Unwrap lets http.ResponseController reach Flush and SetWriteDeadline on
// the underlying writer, which the event stream and MCP transport need.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Flush forwards to the underlying writer for handlers that assert
// http.Flusher directly.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// tracingMiddleware creates an OTEL span for each HTTP request
// and records request count and duration metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	tracer := telemetry.Tracer()
	meter := telemetry.Meter()
	requests, _ := meter.Int64Counter("http.server.request_count")
	durations, _ := meter.Float64Histogram("http.server.duration", otelmetric.WithUnit("ms"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", correlation.TraceID(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))
		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		}
		if pattern := r.Pattern; pattern != "" {
			attrs = append(attrs, attribute.String("http.route", pattern))
		}
		if id, ok := identity.FromContext(r.Context()); ok {
			span.SetAttributes(
				attribute.String("sekimon.caller_id", id.CallerID),
				attribute.String("sekimon.tier_id", string(id.TierID)),
			)
			attrs = append(attrs, attribute.String("sekimon.tier_id", string(id.TierID)))
		}

		if requests != nil {
			requests.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
		if durations != nil {
			durations.Record(ctx, float64(time.Since(start).Milliseconds()), otelmetric.WithAttributes(attrs...))
		}
	})
}

// otelTraceID extracts the OTEL trace ID of the request's span, if any.
func otelTraceID(r *http.Request) string {
	sc := trace.SpanContextFromContext(r.Context())
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// recoveryMiddleware turns a handler panic into a 500 internal_error.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			logger.Error("http handler panic",
				"panic", fmt.Sprint(p),
				"path", r.URL.Path,
				"request_id", correlation.TraceID(r.Context()),
				"stack", string(debug.Stack()))
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware sets conservative response headers.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// requireElevated admits only callers that presented an admin key.
func requireElevated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity.FromContext(r.Context())
		if !ok || !id.IsElevated {
			writeError(w, r, http.StatusForbidden, model.ErrCodeElevatedCallerRequired,
				"this endpoint requires an elevated caller")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireFeature runs the passport gate's feature check. Callers without
// any credential get 401 passport_required instead of a feature denial.
func requireFeature(gate *passport.Gate, feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := identity.FromContext(r.Context())
			if id.IsElevated {
				next.ServeHTTP(w, r)
				return
			}
			resource := r.Method + " " + r.URL.Path
			if d := gate.RequireIdentity(r.Context(), id, resource); !d.Allowed {
				writeErrorDetails(w, r, http.StatusUnauthorized, d.Code, d.Reason, d)
				return
			}
			if d := gate.RequireFeature(r.Context(), id, feature, resource); !d.Allowed {
				writeErrorDetails(w, r, http.StatusForbidden, d.Code, d.Reason, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit applies a token bucket keyed by keyFunc. Elevated callers and
// empty keys are exempt. A limiter error fails open.
func rateLimit(limiter ratelimit.Limiter, prefix string, keyFunc func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := limiter.Allow(r.Context(), prefix+":"+key)
			if err != nil {
				logger.Warn("rate limiter error, allowing request", "prefix", prefix, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				writeErrorDetails(w, r, http.StatusServiceUnavailable, model.ErrCodeOperationBlocked,
					"rate limit exceeded", map[string]any{"reason": model.ReasonRateLimited})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// callerKeyFunc keys rate limits by caller. Elevated callers are exempt.
func callerKeyFunc(r *http.Request) string {
	id, ok := identity.FromContext(r.Context())
	if !ok || id.IsElevated {
		return ""
	}
	return id.CallerID
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	gateway.WriteJSON(w, r, status, data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	gateway.WriteError(w, r, status, code, message)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	gateway.WriteErrorDetails(w, r, status, code, message, details)
}

// decodeJSON decodes a bounded JSON request body into target. Unknown
// fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// handleDecodeError maps a decodeJSON failure to 413 or 400.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
}
