package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/metrics"
)

type contextKey string

const (
	actorKey     contextKey = "actor"
	traceIDKey   contextKey = "traceID"
	requestIDKey contextKey = "requestID"
)

const (
	// ActorIDHeader names the analyst or system acting. Authentication
	// happens upstream; the header is trusted as sent.
	ActorIDHeader = "X-Actor-ID"

	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"

	// AnonymousActor is recorded when no X-Actor-ID header is sent.
	AnonymousActor = "anonymous"

	maxActorLen = 128
)

var tracer = otel.Tracer("kestrel-api")

// normalizeActor trims the header value. It reports false for values that
// cannot be stored in a case audit trail.
func normalizeActor(raw string) (string, bool) {
	actor := strings.TrimSpace(raw)
	if actor == "" {
		return AnonymousActor, true
	}
	if len(actor) > maxActorLen {
		return "", false
	}
	for _, r := range actor {
		if !unicode.IsPrint(r) {
			return "", false
		}
	}
	return actor, true
}

// ActorMiddleware puts the acting identity on the request context and
// rejects unusable X-Actor-ID values.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := normalizeActor(r.Header.Get(ActorIDHeader))
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid " + ActorIDHeader + " header",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

// TracingMiddleware opens a server span per request. The span is renamed to
// the matched route once routing is done, so /cases/{id} is one operation.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx, span := tracer.Start(r.Context(), "HTTP "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			traceID = sc.TraceID().String()
		}
		ctx = context.WithValue(ctx, requestIDKey, requestID)
		ctx = context.WithValue(ctx, traceIDKey, traceID)
		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r.WithContext(ctx))

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rec.status),
		)
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// ObserveMiddleware logs every request and, when m is set, records it in the
// HTTP metrics. Server errors log at error level, client errors at warn.
func ObserveMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := routePattern(r)
			m.ObserveHTTP(r.Method, route, strconv.Itoa(rec.status), elapsed)

			level := slog.LevelInfo
			switch {
			case rec.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case rec.status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			actor, _ := normalizeActor(r.Header.Get(ActorIDHeader))
			slog.Log(r.Context(), level, "http request",
				"method", r.Method,
				"route", route,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
				"actor_id", actor,
				"request_id", w.Header().Get(RequestIDHeader),
				"trace_id", w.Header().Get(TraceIDHeader),
			)
		})
	}
}

// CORSMiddleware answers preflights and reflects the caller's origin.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", ActorIDHeader, RequestIDHeader, TraceIDHeader,
		}, ", "))
		h.Set("Access-Control-Expose-Headers", RequestIDHeader+", "+TraceIDHeader)
		h.Set("Access-Control-Max-Age", "600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware turns a handler panic into a 500 carrying the request id.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				slog.Error("handler panic",
					"panic", p,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", w.Header().Get(RequestIDHeader),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"requestId": w.Header().Get(RequestIDHeader),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// GetActorID returns the acting identity set by ActorMiddleware.
func GetActorID(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return AnonymousActor
}

// GetTraceID returns the trace id set by TracingMiddleware.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}
