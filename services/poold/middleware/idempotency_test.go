package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"tidepool/services/poold/history"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string]history.IdempotencyKey
}

func (m *memoryStore) LookupIdempotency(_ context.Context, key, fingerprint string) (*history.IdempotencyKey, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[key]
	if !ok {
		return nil, false, nil
	}
	if record.Fingerprint != fingerprint {
		return nil, true, history.ErrIdempotencyConflict
	}
	return &record, true, nil
}

func (m *memoryStore) SaveIdempotency(_ context.Context, record history.IdempotencyKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Key] = record
	return nil
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	store := &memoryStore{records: map[string]history.IdempotencyKey{}}
	calls := 0
	handler := WithIdempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"echo":` + string(body) + `}`))
	}))

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/claim", strings.NewReader(body))
		req.Header.Set(HeaderIdempotencyKey, "abc")
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res
	}

	first := send(`1`)
	if first.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d", first.Code)
	}
	second := send(`1`)
	if second.Code != http.StatusCreated || second.Body.String() != `{"echo":1}` {
		t.Fatalf("expected replay, got %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("expected replay header")
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
	conflict := send(`2`)
	if conflict.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected conflict, got %d", conflict.Code)
	}
}

func TestIdempotencySkipsServerErrors(t *testing.T) {
	store := &memoryStore{records: map[string]history.IdempotencyKey{}}
	handler := WithIdempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/claim", strings.NewReader("{}"))
	req.Header.Set(HeaderIdempotencyKey, "abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(store.records) != 0 {
		t.Fatalf("server errors must not be stored")
	}
}

func TestFingerprintBindsCaller(t *testing.T) {
	a := Fingerprint("alice", http.MethodPost, "/v1/deposit", []byte("{}"))
	b := Fingerprint("bob", http.MethodPost, "/v1/deposit", []byte("{}"))
	if a == b || len(a) != 64 {
		t.Fatalf("unexpected fingerprints %s %s", a, b)
	}
	if a != Fingerprint("alice", http.MethodPost, "/v1/deposit", []byte("{}")) {
		t.Fatalf("fingerprint not deterministic")
	}
}
