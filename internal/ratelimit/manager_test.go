package ratelimit

import (
	"testing"
	"time"
)

func TestManager_ShipsDefaultBudgets(t *testing.T) {
	m := NewManager(nil)

	cases := []struct {
		name    string
		limit   int
		sliding bool
	}{
		{"sports-stats", 100, false},
		{"league-api", 200, false},
		{"deal-search", 100, true},
		{"social-feed", 300, false},
	}
	for _, tc := range cases {
		l := m.Get(tc.name)
		if l.Limit() != tc.limit {
			t.Errorf("%s: Limit = %d, want %d", tc.name, l.Limit(), tc.limit)
		}
		_, isSliding := l.(*SlidingWindow)
		if isSliding != tc.sliding {
			t.Errorf("%s: sliding = %v, want %v", tc.name, isSliding, tc.sliding)
		}
	}
}

func TestManager_UnknownNameGetsFallback(t *testing.T) {
	m := NewManager(nil)

	l := m.Get("weather-api")
	if l.Limit() != 60 {
		t.Fatalf("Limit = %d for unknown dependency, want fallback 60", l.Limit())
	}
	if _, ok := l.(*TokenBucket); !ok {
		t.Fatal("expected fallback to be a token bucket")
	}
	if l.Name() != "weather-api" {
		t.Fatalf("Name = %q, want weather-api", l.Name())
	}
}

func TestManager_GetIsIdempotent(t *testing.T) {
	m := NewManager(nil)

	a := m.Get("weather-api")
	b := m.Get("weather-api", Config{MaxRequests: 999})
	if a != b {
		t.Fatal("expected the same instance for the same name")
	}
	if b.Limit() != 60 {
		t.Fatalf("Limit = %d, late overrides must not apply", b.Limit())
	}
}

func TestManager_ConsumeAndStatus(t *testing.T) {
	m := NewManager(nil)
	m.SetBudgets([]Config{{Name: "tiny", MaxRequests: 2, Window: time.Minute, RefillRate: 0.01}})

	if res := m.Consume("tiny", 1); !res.Allowed {
		t.Fatal("expected first consume to be allowed")
	}
	if res := m.Consume("tiny", 1); !res.Allowed {
		t.Fatal("expected second consume to be allowed")
	}
	res := m.Consume("tiny", 1)
	if res.Allowed {
		t.Fatal("expected third consume to be denied")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want > 0", res.RetryAfter)
	}

	if st := m.Status("tiny"); st.Remaining != 0 {
		t.Fatalf("Status Remaining = %d, want 0", st.Remaining)
	}
}

func TestManager_ResetAndResetAll(t *testing.T) {
	m := NewManager(nil)
	m.SetBudgets([]Config{
		{Name: "a", MaxRequests: 1, Window: time.Hour, RefillRate: 0.001},
		{Name: "b", MaxRequests: 1, Window: time.Hour, RefillRate: 0.001},
	})

	m.Consume("a", 1)
	m.Consume("b", 1)
	if m.Status("a").Remaining != 0 || m.Status("b").Remaining != 0 {
		t.Fatal("expected both budgets spent")
	}

	m.Reset("a")
	if m.Status("a").Remaining != 1 {
		t.Fatal("expected a's budget restored")
	}
	if m.Status("b").Remaining != 0 {
		t.Fatal("expected b untouched")
	}

	m.Consume("a", 1)
	m.ResetAll()
	if m.Status("a").Remaining != 1 || m.Status("b").Remaining != 1 {
		t.Fatal("expected every budget restored")
	}
}

func TestManager_AllStatus(t *testing.T) {
	m := NewManager(nil)
	m.Get("weather-api")

	all := m.AllStatus()
	// The four shipped budgets plus the lazily created one.
	if len(all) != 5 {
		t.Fatalf("AllStatus returned %d entries, want 5", len(all))
	}
	if _, ok := all["sports-stats"]; !ok {
		t.Fatal("expected sports-stats in AllStatus")
	}
	if st := all["weather-api"]; st.Limit != 60 {
		t.Fatalf("weather-api Limit = %d, want 60", st.Limit)
	}
}

func TestManager_SetBudgetsReplacesState(t *testing.T) {
	m := NewManager(nil)

	// Spend part of the shipped sports-stats budget.
	m.Consume("sports-stats", 10)

	m.SetBudgets([]Config{{Name: "sports-stats", MaxRequests: 50, Window: time.Minute, RefillRate: 1}})

	st := m.Status("sports-stats")
	if st.Limit != 50 {
		t.Fatalf("Limit = %d after budget update, want 50", st.Limit)
	}
	if st.Remaining != 50 {
		t.Fatalf("Remaining = %d, want fresh budget of 50", st.Remaining)
	}
}
