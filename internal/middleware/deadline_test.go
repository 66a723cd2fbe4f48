package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDeadline_FastHandlerRespondsNormally(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"ch_1"}`))
	})

	rec := serve(Deadline(time.Second)(inner), httptest.NewRequest("POST", "/charges", nil))

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if !strings.Contains(rec.Body.String(), "ch_1") {
		t.Errorf("body = %q, want handler payload", rec.Body.String())
	}
}

func TestDeadline_ExpiredBudgetAnswers504(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	rec := serve(Deadline(40*time.Millisecond)(inner), httptest.NewRequest("GET", "/api/slow", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	if !strings.Contains(rec.Body.String(), "SHIELD_DEADLINE_EXCEEDED") {
		t.Errorf("body = %q, want SHIELD_DEADLINE_EXCEEDED", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestDeadline_ArmsContextDeadline(t *testing.T) {
	var hasDeadline bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
		w.WriteHeader(http.StatusNoContent)
	})

	serve(Deadline(time.Second)(inner), httptest.NewRequest("GET", "/api/deals", nil))

	if !hasDeadline {
		t.Error("handler context carries no deadline")
	}
}

func TestDeadline_DisabledPassesThrough(t *testing.T) {
	for _, timeout := range []time.Duration{0, -time.Second} {
		var hasDeadline bool
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, hasDeadline = r.Context().Deadline()
			w.WriteHeader(http.StatusOK)
		})

		rec := serve(Deadline(timeout)(inner), httptest.NewRequest("GET", "/api/deals", nil))

		if rec.Code != http.StatusOK {
			t.Errorf("Deadline(%v): status = %d, want %d", timeout, rec.Code, http.StatusOK)
		}
		if hasDeadline {
			t.Errorf("Deadline(%v): context should not carry a deadline", timeout)
		}
	}
}

func TestDeadline_LateWriteSuppressedAfter504(t *testing.T) {
	var lateN int
	var lateErr error
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		// Give the watchdog ample room to claim the response first.
		time.Sleep(150 * time.Millisecond)
		lateN, lateErr = w.Write([]byte("straggler output"))
	})

	rec := serve(Deadline(20*time.Millisecond)(inner), httptest.NewRequest("POST", "/charges", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	if strings.Contains(rec.Body.String(), "straggler") {
		t.Errorf("late handler bytes reached the client: %q", rec.Body.String())
	}
	if lateErr != http.ErrHandlerTimeout {
		t.Errorf("late Write error = %v, want http.ErrHandlerTimeout", lateErr)
	}
	if lateN != 0 {
		t.Errorf("late Write n = %d, want 0", lateN)
	}
}

func TestDeadline_HandlerBytesOnWireSuppress504(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial payload"))
		// Outlive the budget with a response already committed.
		time.Sleep(120 * time.Millisecond)
	})

	rec := serve(Deadline(30*time.Millisecond)(inner), httptest.NewRequest("GET", "/api/deals", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "partial payload" {
		t.Errorf("body = %q, want only the handler payload", got)
	}
}

func TestDeadline_FlushReachesUnderlyingWriter(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("chunk"))
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("flush through deadline writer: %v", err)
		}
	})

	rec := serve(Deadline(time.Second)(inner), httptest.NewRequest("GET", "/stream", nil))

	if !rec.Flushed {
		t.Error("flush did not reach the underlying writer")
	}
}
