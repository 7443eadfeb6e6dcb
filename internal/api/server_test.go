package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nghyane/qwen-pool-proxy/internal/config"
	"github.com/nghyane/qwen-pool-proxy/internal/dispatcher"
	"github.com/nghyane/qwen-pool-proxy/internal/oauthflow"
	"github.com/nghyane/qwen-pool-proxy/internal/scheduler"
	"github.com/nghyane/qwen-pool-proxy/internal/store"
	"github.com/nghyane/qwen-pool-proxy/internal/tokenizer"
	"github.com/nghyane/qwen-pool-proxy/internal/tokenpool"
	"github.com/nghyane/qwen-pool-proxy/internal/versionprobe"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tokens.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Port:     3008,
		Host:     "127.0.0.1",
		Password: "secret",
		Location: time.UTC,
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(upstream.Close)

	pool := tokenpool.New(st, upstream.Client(), upstream.URL, "client-id", nil)
	oauth := oauthflow.New(upstream.Client(), upstream.URL, upstream.URL, "client-id", "scope", nil)
	sched := scheduler.New(pool, 30)
	probe := versionprobe.New(upstream.Client(), st)
	disp := dispatcher.New(pool, st, tokenizer.New(), upstream.Client(), upstream.URL, nil, time.UTC)

	return New(cfg, pool, st, oauth, sched, disp, probe)
}

func TestHealthEndpointIsPublic(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAdminRouteRejectsWithoutPassword(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/token-status", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a bearer token, got %d", rec.Code)
	}
}

func TestAdminRouteAcceptsCorrectPassword(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/token-status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with a valid bearer token, got %d", rec.Code)
	}
}

func TestListModelsRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a bearer token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthBodyShape(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", body["status"])
	}
	db, ok := body["database"].(map[string]any)
	if !ok {
		t.Fatalf("expected a database object, got %v", body["database"])
	}
	if _, ok := db["token_count"]; !ok {
		t.Errorf("expected database.token_count, got %v", db)
	}
}

func TestMetricsBodyShape(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	body := decodeBody(t, rec)
	tokens, ok := body["tokens"].(map[string]any)
	if !ok {
		t.Fatalf("expected a tokens object, got %v", body["tokens"])
	}
	if _, ok := tokens["total"]; !ok {
		t.Errorf("expected tokens.total, got %v", tokens)
	}
	if _, ok := tokens["valid"]; !ok {
		t.Errorf("expected tokens.valid, got %v", tokens)
	}
	usage, ok := body["usage"].(map[string]any)
	if !ok {
		t.Fatalf("expected a usage object, got %v", body["usage"])
	}
	if _, ok := usage["today"]; !ok {
		t.Errorf("expected usage.today, got %v", usage)
	}
}

func TestTokenStatusBodyShape(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/token-status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	body := decodeBody(t, rec)
	if _, ok := body["hasToken"]; !ok {
		t.Errorf("expected hasToken, got %v", body)
	}
	if _, ok := body["tokenCount"]; !ok {
		t.Errorf("expected tokenCount, got %v", body)
	}
	if _, ok := body["tokens"]; !ok {
		t.Errorf("expected tokens, got %v", body)
	}
}

func TestDeleteUnknownTokenReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/delete-token", strings.NewReader(`{"tokenId":"does-not-exist"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown tokenId, got %d", rec.Code)
	}
}

func TestDeleteAllTokensBodyShape(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/delete-all-tokens", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("expected success=true, got %v", body["success"])
	}
	if _, ok := body["deletedCount"]; !ok {
		t.Errorf("expected deletedCount, got %v", body)
	}
}

func TestRefreshAllBodyShape(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/refresh-token", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	body := decodeBody(t, rec)
	if _, ok := body["refreshResults"]; !ok {
		t.Errorf("expected refreshResults, got %v", body)
	}
	if _, ok := body["remainingTokens"]; !ok {
		t.Errorf("expected remainingTokens, got %v", body)
	}
}

func TestUsageBodyShape(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/statistics/usage", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	body := decodeBody(t, rec)
	if _, ok := body["total_tokens_today"]; !ok {
		t.Errorf("expected total_tokens_today, got %v", body)
	}
	if _, ok := body["total_calls_today"]; !ok {
		t.Errorf("expected total_calls_today, got %v", body)
	}
}

func TestDeleteUsageBodyShape(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/statistics/usage?date=2026-01-01", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("expected success=true, got %v", body["success"])
	}
	if _, ok := body["deletedCount"]; !ok {
		t.Errorf("expected deletedCount, got %v", body)
	}
}

func TestLoginIsPublicAndChecksPassword(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"password":"wrong"}`))
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a wrong password, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"password":"secret"}`))
	rec = httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for the correct password with no bearer token, got %d", rec.Code)
	}
}
