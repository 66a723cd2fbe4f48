package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dealstack/resilience-core/internal/breaker"
	"github.com/dealstack/resilience-core/internal/config"
	"github.com/dealstack/resilience-core/internal/guard"
	"github.com/dealstack/resilience-core/internal/idempotency"
	"github.com/dealstack/resilience-core/internal/metrics"
	"github.com/dealstack/resilience-core/internal/ratelimit"
)

func init() {
	metrics.Init()
}

const opsSecret = "ops-test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockConfigProvider implements ConfigProvider for testing.
type mockConfigProvider struct {
	cfg *config.Config
}

func (m *mockConfigProvider) Current() *config.Config { return m.cfg }

func testRegistry() *guard.Registry {
	logger := testLogger()
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: 3,
		ResetTimeout:     100 * time.Millisecond,
		MonitoringPeriod: time.Minute,
		TimeoutThreshold: 200 * time.Millisecond,
	}, logger)
	limiters := ratelimit.NewManager(logger)
	store := idempotency.NewStore(time.Minute)
	return guard.NewRegistry(breakers, limiters, store)
}

func openOpsConfig() config.OpsConfig {
	return config.OpsConfig{
		Enabled:     true,
		IPAllowlist: []string{"192.0.2.0/24"},
	}
}

func tokenOpsConfig() config.OpsConfig {
	cfg := openOpsConfig()
	cfg.TokenSecret = opsSecret
	cfg.TokenIssuer = "dealstack-auth"
	cfg.TokenAudience = "resilience-ops"
	return cfg
}

func newHandler(reg *guard.Registry, cfg config.OpsConfig) http.Handler {
	provider := &mockConfigProvider{cfg: &config.Config{Ops: cfg}}
	return New(reg, provider, cfg, testLogger()).Routes()
}

func send(h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "192.0.2.10:4000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func mintToken(t *testing.T, secret, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "operator-1",
		"iss":   "dealstack-auth",
		"aud":   "resilience-ops",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func TestIPAllowlist_Allowed(t *testing.T) {
	h := newHandler(testRegistry(), openOpsConfig())

	rec := send(h, "GET", "/breakers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestIPAllowlist_Denied(t *testing.T) {
	cfg := openOpsConfig()
	cfg.IPAllowlist = []string{"10.0.0.0/8"}
	h := newHandler(testRegistry(), cfg)

	rec := send(h, "GET", "/breakers", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SHIELD_FORBIDDEN") {
		t.Errorf("expected forbidden code in body, got %q", rec.Body.String())
	}
}

func TestListBreakers(t *testing.T) {
	reg := testRegistry()
	reg.Breakers.Get("sports-stats")
	reg.Breakers.Get("league-api")
	h := newHandler(reg, openOpsConfig())

	rec := send(h, "GET", "/breakers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Breakers map[string]breaker.Stats `json:"breakers"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Success {
		t.Error("expected success=true")
	}
	if len(resp.Data.Breakers) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(resp.Data.Breakers))
	}
	if resp.Data.Breakers["sports-stats"].State != "closed" {
		t.Errorf("state = %q, want closed", resp.Data.Breakers["sports-stats"].State)
	}
}

func TestDegradedBreakers(t *testing.T) {
	reg := testRegistry()
	reg.Breakers.Get("healthy")
	reg.Breakers.Get("sick").ForceOpen()
	h := newHandler(reg, openOpsConfig())

	rec := send(h, "GET", "/breakers/degraded", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Data struct {
			Degraded []string `json:"degraded"`
			Count    int      `json:"count"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Data.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Data.Count)
	}
	if len(resp.Data.Degraded) != 1 || resp.Data.Degraded[0] != "sick" {
		t.Errorf("degraded = %v, want [sick]", resp.Data.Degraded)
	}
}

func TestDegradedBreakers_EmptyIsArray(t *testing.T) {
	reg := testRegistry()
	reg.Breakers.Get("healthy")
	h := newHandler(reg, openOpsConfig())

	rec := send(h, "GET", "/breakers/degraded", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded":[]`) {
		t.Errorf("expected empty array, got %q", rec.Body.String())
	}
}

func TestListLimiters(t *testing.T) {
	reg := testRegistry()
	reg.Limiters.Get("deal-search")
	h := newHandler(reg, openOpsConfig())

	rec := send(h, "GET", "/limiters", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Data struct {
			Limiters map[string]ratelimit.Result `json:"limiters"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	status, ok := resp.Data.Limiters["deal-search"]
	if !ok {
		t.Fatalf("expected deal-search in %v", resp.Data.Limiters)
	}
	if !status.Allowed {
		t.Error("untouched limiter should report allowed")
	}
}

func TestIdempotencyStatus(t *testing.T) {
	reg := testRegistry()
	reg.Idempotency.Put("order-1", 201, []byte(`{"id":1}`), "application/json")
	h := newHandler(reg, openOpsConfig())

	rec := send(h, "GET", "/idempotency", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Data struct {
			Entries int    `json:"entries"`
			TTL     string `json:"ttl"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Data.Entries != 1 {
		t.Errorf("entries = %d, want 1", resp.Data.Entries)
	}
	if resp.Data.TTL != "1m0s" {
		t.Errorf("ttl = %q, want 1m0s", resp.Data.TTL)
	}
}

func TestConfigEndpoint_RedactsSecret(t *testing.T) {
	cfg := tokenOpsConfig()
	h := newHandler(testRegistry(), cfg)

	rec := send(h, "GET", "/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), opsSecret) {
		t.Error("ops token secret leaked into config response")
	}
	if !strings.Contains(rec.Body.String(), "dealstack-auth") {
		t.Errorf("expected issuer in config response, got %q", rec.Body.String())
	}
}

func TestForceOpen_GatesDataPlane(t *testing.T) {
	reg := testRegistry()
	reg.Breakers.Get("payments")
	h := newHandler(reg, openOpsConfig())

	rec := send(h, "POST", "/breakers/payments/force-open", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Success  bool   `json:"success"`
		NewState string `json:"new_state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.NewState != "open" {
		t.Errorf("new_state = %q, want open", resp.NewState)
	}

	called := false
	err := reg.Run(context.Background(), "payments", func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, breaker.ErrGated) {
		t.Fatalf("expected gated error after force-open, got %v", err)
	}
	if called {
		t.Error("function ran through a force-opened breaker")
	}
}

func TestForceClose_RestoresDataPlane(t *testing.T) {
	reg := testRegistry()
	reg.Breakers.Get("payments").ForceOpen()
	h := newHandler(reg, openOpsConfig())

	rec := send(h, "POST", "/breakers/payments/force-close", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	err := reg.Run(context.Background(), "payments", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected closed breaker to pass, got %v", err)
	}
}

func TestResetBreaker(t *testing.T) {
	reg := testRegistry()
	b := reg.Breakers.Get("flaky")
	for i := 0; i < 3; i++ {
		reg.Run(context.Background(), "flaky", func(ctx context.Context) error {
			return errors.New("boom")
		})
	}
	if b.State() != breaker.StateOpen {
		t.Fatalf("state = %v, want open after failures", b.State())
	}
	h := newHandler(reg, openOpsConfig())

	rec := send(h, "POST", "/breakers/flaky/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if b.State() != breaker.StateClosed {
		t.Errorf("state = %v, want closed after reset", b.State())
	}
}

func TestResetAllBreakers(t *testing.T) {
	reg := testRegistry()
	reg.Breakers.Get("a").ForceOpen()
	reg.Breakers.Get("b").ForceOpen()
	h := newHandler(reg, openOpsConfig())

	rec := send(h, "POST", "/breakers/reset-all", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
	if len(reg.Breakers.Degraded()) != 0 {
		t.Errorf("expected no degraded breakers, got %v", reg.Breakers.Degraded())
	}
}

func TestUnknownBreaker_NotFound(t *testing.T) {
	h := newHandler(testRegistry(), openOpsConfig())

	rec := send(h, "POST", "/breakers/no-such-service/force-open", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not found") {
		t.Errorf("expected not-found error, got %q", rec.Body.String())
	}
}

func TestResetLimiter(t *testing.T) {
	reg := testRegistry()
	l := reg.Limiters.Get("quota", ratelimit.Config{
		Name:          "quota",
		MaxRequests:   2,
		Window:        time.Hour,
		SlidingWindow: true,
	})
	l.Consume(2)
	if l.Consume(1).Allowed {
		t.Fatal("expected drained budget to deny")
	}
	h := newHandler(reg, openOpsConfig())

	rec := send(h, "POST", "/limiters/quota/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !l.Consume(1).Allowed {
		t.Error("expected budget restored after reset")
	}
}

func TestResetLimiter_Unknown(t *testing.T) {
	h := newHandler(testRegistry(), openOpsConfig())

	rec := send(h, "POST", "/limiters/no-such-budget/reset", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestResetAllLimiters(t *testing.T) {
	reg := testRegistry()
	l := reg.Limiters.Get("quota", ratelimit.Config{
		Name:          "quota",
		MaxRequests:   1,
		Window:        time.Hour,
		SlidingWindow: true,
	})
	l.Consume(1)
	h := newHandler(reg, openOpsConfig())

	rec := send(h, "POST", "/limiters/reset-all", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !l.Consume(1).Allowed {
		t.Error("expected budget restored after reset-all")
	}
}

func TestMutation_RequiresToken(t *testing.T) {
	reg := testRegistry()
	reg.Breakers.Get("payments")
	h := newHandler(reg, tokenOpsConfig())

	rec := send(h, "POST", "/breakers/payments/force-open", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SHIELD_AUTH_MISSING_TOKEN") {
		t.Errorf("expected missing token code in body, got %q", rec.Body.String())
	}
}

func TestMutation_RejectsBadToken(t *testing.T) {
	reg := testRegistry()
	reg.Breakers.Get("payments")
	h := newHandler(reg, tokenOpsConfig())

	rec := send(h, "POST", "/breakers/payments/force-open", "not-a-jwt")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SHIELD_AUTH_INVALID_TOKEN") {
		t.Errorf("expected invalid token code in body, got %q", rec.Body.String())
	}
}

func TestMutation_RejectsWrongSecret(t *testing.T) {
	reg := testRegistry()
	reg.Breakers.Get("payments")
	h := newHandler(reg, tokenOpsConfig())

	token := mintToken(t, "some-other-secret", "ops:write")
	rec := send(h, "POST", "/breakers/payments/force-open", token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMutation_RejectsReadOnlyScope(t *testing.T) {
	reg := testRegistry()
	reg.Breakers.Get("payments")
	h := newHandler(reg, tokenOpsConfig())

	token := mintToken(t, opsSecret, "ops:read")
	rec := send(h, "POST", "/breakers/payments/force-open", token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SHIELD_AUTH_INSUFFICIENT_SCOPE") {
		t.Errorf("expected scope code in body, got %q", rec.Body.String())
	}
}

func TestMutation_AcceptsWriteScope(t *testing.T) {
	reg := testRegistry()
	b := reg.Breakers.Get("payments")
	h := newHandler(reg, tokenOpsConfig())

	token := mintToken(t, opsSecret, "ops:read ops:write")
	rec := send(h, "POST", "/breakers/payments/force-open", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if b.State() != breaker.StateOpen {
		t.Errorf("state = %v, want open", b.State())
	}
}

func TestReads_NeverRequireToken(t *testing.T) {
	h := newHandler(testRegistry(), tokenOpsConfig())

	rec := send(h, "GET", "/breakers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMutation_AllowlistOnlyWhenNoSecret(t *testing.T) {
	reg := testRegistry()
	reg.Breakers.Get("payments")
	h := newHandler(reg, openOpsConfig())

	rec := send(h, "POST", "/breakers/payments/force-open", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestUnresolvedSecret_LocksMutations(t *testing.T) {
	reg := testRegistry()
	reg.Breakers.Get("payments")
	cfg := tokenOpsConfig()
	cfg.TokenSecret = "${OPS_TOKEN_SECRET}"
	h := newHandler(reg, cfg)

	// Even a token signed with the literal placeholder string must fail.
	token := mintToken(t, "${OPS_TOKEN_SECRET}", "ops:write")
	rec := send(h, "POST", "/breakers/payments/force-open", token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	// Reads stay available.
	rec = send(h, "GET", "/breakers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d, want 200", rec.Code)
	}
}

func TestUnknownPath_NotFound(t *testing.T) {
	h := newHandler(testRegistry(), openOpsConfig())

	rec := send(h, "GET", "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SHIELD_ROUTE_NOT_FOUND") {
		t.Errorf("expected route not found code in body, got %q", rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHandler(testRegistry(), openOpsConfig())

	rec := send(h, "DELETE", "/breakers", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
