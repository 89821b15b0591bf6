package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"lukechampine.com/blake3"

	"tidepool/services/poold/history"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 128
	maxRequestBodyBytes  = 1 << 20
)

// IdempotencyStore persists replayable responses.
type IdempotencyStore interface {
	LookupIdempotency(ctx context.Context, key, fingerprint string) (*history.IdempotencyKey, bool, error)
	SaveIdempotency(ctx context.Context, record history.IdempotencyKey) error
}

// WithIdempotency ensures requests carrying the same Idempotency-Key run once.
// A key is bound to a fingerprint of the caller, method, path and body; reuse
// with a different request is rejected. Server errors are not stored so the
// caller may retry them.
func WithIdempotency(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				http.Error(w, "idempotency key too long", http.StatusBadRequest)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
			if err != nil {
				http.Error(w, "read body", http.StatusBadRequest)
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := Fingerprint(Subject(r.Context()), r.Method, r.URL.Path, body)

			record, found, err := store.LookupIdempotency(r.Context(), key, fingerprint)
			switch {
			case errors.Is(err, history.ErrIdempotencyConflict):
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			case err != nil:
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			case found:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderReplayed, "true")
				w.WriteHeader(record.Status)
				_, _ = io.WriteString(w, record.Response)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			if recorder.status >= http.StatusInternalServerError {
				return
			}
			err = store.SaveIdempotency(r.Context(), history.IdempotencyKey{
				Key:         key,
				Fingerprint: fingerprint,
				Method:      r.Method,
				Path:        r.URL.Path,
				Status:      recorder.status,
				Response:    recorder.buf.String(),
			})
			if err != nil && logger != nil {
				logger.Warn("idempotency: save failed", "error", err, "path", r.URL.Path)
			}
		})
	}
}

// Fingerprint hashes the request identity bound to an idempotency key.
func Fingerprint(subject, method, path string, body []byte) string {
	hasher := blake3.New(32, nil)
	for _, part := range []string{subject, method, path} {
		_, _ = hasher.Write([]byte(part))
		_, _ = hasher.Write([]byte{0})
	}
	_, _ = hasher.Write(body)
	return hex.EncodeToString(hasher.Sum(nil))
}

type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
