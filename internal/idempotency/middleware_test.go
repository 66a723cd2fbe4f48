package idempotency

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestHandler() (http.Handler, *int) {
	calls := new(int)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"call":%d}`, *calls)
	}), calls
}

func TestMiddleware_SafeMethodsPassThrough(t *testing.T) {
	store := NewStore(time.Minute)
	inner, calls := newTestHandler()
	handler := Middleware(store, Strict, slog.Default())(inner)

	// GET is never protected, even under a strict policy with no key.
	req := httptest.NewRequest("GET", "/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected handler to run for GET, got %d", rec.Code)
	}
	if *calls != 1 {
		t.Errorf("expected 1 handler call, got %d", *calls)
	}
	if store.Len() != 0 {
		t.Errorf("safe methods must not be recorded, store has %d", store.Len())
	}
}

func TestMiddleware_StrictRejectsMissingKey(t *testing.T) {
	store := NewStore(time.Minute)
	inner, calls := newTestHandler()
	handler := Middleware(store, Strict, slog.Default())(inner)

	req := httptest.NewRequest("POST", "/orders", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if *calls != 0 {
		t.Errorf("handler must not run, got %d calls", *calls)
	}

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Success {
		t.Error("expected success false")
	}
	if body.Error != "Idempotency-Key header is required for this endpoint" {
		t.Errorf("unexpected error message %q", body.Error)
	}
}

func TestMiddleware_RejectsMalformedKey(t *testing.T) {
	store := NewStore(time.Minute)
	inner, calls := newTestHandler()
	handler := Middleware(store, Lenient, slog.Default())(inner)

	tests := []string{
		"has spaces",
		"bad!chars",
		"почта",
		strings.Repeat("a", 256),
	}
	for _, key := range tests {
		req := httptest.NewRequest("POST", "/orders", nil)
		req.Header.Set("Idempotency-Key", key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("key %q: expected 400, got %d", key, rec.Code)
		}

		var body struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body.Error != "Invalid Idempotency-Key format. Use 1-255 characters: letters, numbers, hyphens or underscores" {
			t.Errorf("key %q: unexpected error message %q", key, body.Error)
		}
	}
	if *calls != 0 {
		t.Errorf("handler must not run for malformed keys, got %d calls", *calls)
	}
}

func TestMiddleware_FirstExecutionEchoesKey(t *testing.T) {
	store := NewStore(time.Minute)
	inner, calls := newTestHandler()
	handler := Middleware(store, Strict, slog.Default())(inner)

	req := httptest.NewRequest("POST", "/orders", strings.NewReader(`{}`))
	req.Header.Set("Idempotency-Key", "order-abc_123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if *calls != 1 {
		t.Errorf("expected 1 handler call, got %d", *calls)
	}
	if got := rec.Header().Get("Idempotency-Key"); got != "order-abc_123" {
		t.Errorf("expected key echoed, got %q", got)
	}
	if rec.Header().Get("Idempotent-Replay") != "" {
		t.Error("first execution must not carry Idempotent-Replay")
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 recorded response, got %d", store.Len())
	}
}

func TestMiddleware_ReplaysRecordedResponse(t *testing.T) {
	store := NewStore(time.Minute)
	inner, calls := newTestHandler()
	handler := Middleware(store, Strict, slog.Default())(inner)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/orders", strings.NewReader(`{}`))
		req.Header.Set("Idempotency-Key", "order-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	second := send()

	if *calls != 1 {
		t.Fatalf("expected handler to run once, got %d", *calls)
	}
	if second.Code != first.Code {
		t.Errorf("replay status %d != original %d", second.Code, first.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body %q != original %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Idempotent-Replay") != "true" {
		t.Error("expected Idempotent-Replay: true on replay")
	}
	if second.Header().Get("Idempotency-Key") != "order-1" {
		t.Errorf("expected key echoed on replay, got %q", second.Header().Get("Idempotency-Key"))
	}
	if ct := second.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content type preserved on replay, got %q", ct)
	}
}

func TestMiddleware_AutoGeneratedKeysDeduplicate(t *testing.T) {
	store := NewStore(time.Minute)

	var charges []string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		charges = append(charges, string(body))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"charge_id":%d}`, len(charges))
	})
	handler := Middleware(store, Lenient, slog.Default())(inner)

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/charge", strings.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send(`{"amount":5}`)
	second := send(`{"amount":5}`)

	if len(charges) != 1 {
		t.Fatalf("expected exactly one charge record, got %d", len(charges))
	}
	if second.Header().Get("Idempotent-Replay") != "true" {
		t.Error("expected second identical request to be a replay")
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body %q != original %q", second.Body.String(), first.Body.String())
	}

	// A different body derives a different key and executes.
	third := send(`{"amount":9}`)
	if len(charges) != 2 {
		t.Errorf("expected a second charge for a different body, got %d", len(charges))
	}
	if third.Header().Get("Idempotent-Replay") != "" {
		t.Error("different body must not replay")
	}
}

func TestMiddleware_AutoKeyCoversQuery(t *testing.T) {
	store := NewStore(time.Minute)
	inner, calls := newTestHandler()
	handler := Middleware(store, Lenient, slog.Default())(inner)

	req1 := httptest.NewRequest("POST", "/orders?retry=1", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req1)

	req2 := httptest.NewRequest("POST", "/orders?retry=2", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req2)

	if *calls != 2 {
		t.Errorf("different query strings must derive different keys, got %d calls", *calls)
	}
}

func TestMiddleware_BodyRestoredForHandler(t *testing.T) {
	store := NewStore(time.Minute)

	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen = string(body)
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(store, Lenient, slog.Default())(inner)

	req := httptest.NewRequest("POST", "/orders", strings.NewReader(`{"sku":"X-9"}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != `{"sku":"X-9"}` {
		t.Errorf("handler saw %q after key derivation", seen)
	}
}

func TestMiddleware_ServerErrorsNeverCached(t *testing.T) {
	store := NewStore(time.Minute)

	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	handler := Middleware(store, Strict, slog.Default())(inner)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/orders", nil)
		req.Header.Set("Idempotency-Key", "failing-op")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("attempt %d: expected 500, got %d", i, rec.Code)
		}
		if rec.Header().Get("Idempotent-Replay") != "" {
			t.Error("5xx must never be replayed")
		}
	}

	if calls != 2 {
		t.Errorf("expected handler to run both times, got %d", calls)
	}
	if store.Len() != 0 {
		t.Errorf("5xx must not be recorded, store has %d", store.Len())
	}
}

func TestMiddleware_ClientErrorsAreCached(t *testing.T) {
	store := NewStore(time.Minute)

	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"success":false,"error":"amount must be positive"}`))
	})
	handler := Middleware(store, Strict, slog.Default())(inner)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/orders", nil)
		req.Header.Set("Idempotency-Key", "rejected-op")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("attempt %d: expected 422, got %d", i, rec.Code)
		}
	}

	// A validation rejection is a completed decision and must not re-run.
	if calls != 1 {
		t.Errorf("expected handler to run once, got %d", calls)
	}
}

func TestMiddleware_NoKeyNoAutogenPassesThrough(t *testing.T) {
	store := NewStore(time.Minute)
	inner, calls := newTestHandler()
	handler := Middleware(store, Policy{}, slog.Default())(inner)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/orders", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	if *calls != 2 {
		t.Errorf("unprotected requests must always execute, got %d calls", *calls)
	}
	if store.Len() != 0 {
		t.Errorf("unprotected requests must not be recorded, store has %d", store.Len())
	}
}

func TestMiddleware_ExpiredEntryExecutesAgain(t *testing.T) {
	store := NewStore(50 * time.Millisecond)
	inner, calls := newTestHandler()
	handler := Middleware(store, Strict, slog.Default())(inner)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/orders", nil)
		req.Header.Set("Idempotency-Key", "ephemeral")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	send()
	time.Sleep(60 * time.Millisecond)
	rec := send()

	if *calls != 2 {
		t.Errorf("expected re-execution after expiry, got %d calls", *calls)
	}
	if rec.Header().Get("Idempotent-Replay") != "" {
		t.Error("expired entry must not replay")
	}
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"abc", true},
		{"ABC-123_xy", true},
		{strings.Repeat("k", 255), true},
		{strings.Repeat("k", 256), false},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{"tab\tkey", false},
	}
	for _, tt := range tests {
		if got := ValidKey(tt.key); got != tt.want {
			t.Errorf("ValidKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
