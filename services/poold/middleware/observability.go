package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RequestObserver receives one observation per served request.
type RequestObserver interface {
	Observe(route, method string, status int, duration time.Duration)
}

// Observability wraps handlers with OpenTelemetry spans, request metrics and
// an access log line.
type Observability struct {
	service  string
	observer RequestObserver
	logger   *slog.Logger
}

func NewObservability(service string, observer RequestObserver, logger *slog.Logger) *Observability {
	if service == "" {
		service = "poold"
	}
	return &Observability{service: service, observer: observer, logger: logger}
}

func (o *Observability) Middleware(next http.Handler) http.Handler {
	instrumented := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := routePattern(r)
		duration := time.Since(start)
		if o.observer != nil {
			o.observer.Observe(route, r.Method, recorder.status, duration)
		}
		if o.logger != nil {
			o.logger.Debug("request served",
				"method", r.Method,
				"route", route,
				"status", recorder.status,
				"duration_ms", float64(duration.Microseconds())/1000)
		}
	})
	return otelhttp.NewHandler(instrumented, o.service, otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
		return r.Method + " " + r.URL.Path
	}))
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
