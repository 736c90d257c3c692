package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lxsgate/lxsgate/internal/config"
	"github.com/lxsgate/lxsgate/internal/db"
	"github.com/lxsgate/lxsgate/internal/router"
)

func newTestServer(t *testing.T) (*Server, db.Store) {
	t.Helper()

	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.ControlAPI.RateLimitPerMin = 0 // not under test here

	srv, err := NewServer(cfg, zap.NewNop(), store)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var out map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: non-JSON response %q", method, path, rr.Body.String())
		}
	}
	return rr, out
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rr, body := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", body["status"])
	}
}

func TestWorkModePersistsAcrossRestarts(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()

	if srv.WorkMode() != router.ModeClaudeCode {
		t.Fatalf("initial work mode = %q, want claude_code", srv.WorkMode())
	}

	rr, body := doJSON(t, h, http.MethodPut, "/_api/system/work-mode",
		map[string]any{"work_mode": router.ModeGlobalDirect})
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT work-mode status = %d: %v", rr.Code, body)
	}
	if srv.WorkMode() != router.ModeGlobalDirect {
		t.Errorf("work mode after PUT = %q, want global_direct", srv.WorkMode())
	}

	// A second server over the same store must come up in the new mode.
	srv2, err := NewServer(config.DefaultConfig(), zap.NewNop(), store)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if srv2.WorkMode() != router.ModeGlobalDirect {
		t.Errorf("restarted work mode = %q, want global_direct", srv2.WorkMode())
	}
}

func TestWorkModeRejectsUnknown(t *testing.T) {
	srv, _ := newTestServer(t)
	rr, _ := doJSON(t, srv.Handler(), http.MethodPut, "/_api/system/work-mode",
		map[string]any{"work_mode": "telepathy"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if srv.WorkMode() != router.ModeClaudeCode {
		t.Errorf("work mode changed on rejected input: %q", srv.WorkMode())
	}
}

func TestKeyLifecycle(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()

	rr, body := doJSON(t, h, http.MethodPost, "/_api/keys",
		map[string]any{"key_name": "team-a", "max_tokens": 1000})
	if rr.Code != http.StatusOK {
		t.Fatalf("create key status = %d: %v", rr.Code, body)
	}
	apiKey, _ := body["api_key"].(string)
	if !strings.HasPrefix(apiKey, db.APIKeyPrefix) {
		t.Fatalf("api_key = %q, want %s prefix", apiKey, db.APIKeyPrefix)
	}
	id := int64(body["id"].(float64))

	// Record some usage, then reset it.
	if err := store.AddKeyUsage(context.Background(), &db.UsageLogRecord{
		UserKeyID:    id,
		ModelName:    "gpt-4o-mini",
		PlatformType: "openrouter",
		InputTokens:  5,
		OutputTokens: 2,
		TotalTokens:  7,
		Timestamp:    time.Now(),
	}); err != nil {
		t.Fatalf("AddKeyUsage: %v", err)
	}

	rr, body = doJSON(t, h, http.MethodGet, fmt.Sprintf("/_api/keys/%d/statistics", id), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("statistics status = %d: %v", rr.Code, body)
	}
	if got := body["total_tokens"].(float64); got != 7 {
		t.Errorf("total_tokens = %v, want 7", got)
	}

	rr, _ = doJSON(t, h, http.MethodPost, fmt.Sprintf("/_api/keys/%d/reset", id), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rr.Code)
	}
	rec, err := store.GetKey(context.Background(), id)
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if rec.UsedTokens != 0 {
		t.Errorf("used_tokens after reset = %d, want 0", rec.UsedTokens)
	}

	// Deactivate via PUT.
	rr, body = doJSON(t, h, http.MethodPut, fmt.Sprintf("/_api/keys/%d", id),
		map[string]any{"key_name": "team-a", "max_tokens": 1000, "is_active": false})
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d: %v", rr.Code, body)
	}
	if body["is_active"] != false {
		t.Errorf("is_active = %v, want false", body["is_active"])
	}

	// Partial update: a payload that omits max_tokens and expires_at must
	// leave them untouched.
	expiry := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	rr, body = doJSON(t, h, http.MethodPut, fmt.Sprintf("/_api/keys/%d", id),
		map[string]any{"expires_at": expiry})
	if rr.Code != http.StatusOK {
		t.Fatalf("set expiry status = %d: %v", rr.Code, body)
	}
	rr, body = doJSON(t, h, http.MethodPut, fmt.Sprintf("/_api/keys/%d", id),
		map[string]any{"key_name": "team-a-renamed"})
	if rr.Code != http.StatusOK {
		t.Fatalf("rename status = %d: %v", rr.Code, body)
	}
	if got := body["max_tokens"].(float64); got != 1000 {
		t.Errorf("rename reset max_tokens to %v, want 1000 preserved", got)
	}
	if body["expires_at"] == nil {
		t.Error("rename cleared expires_at, want preserved")
	}

	// An explicit null clears the expiry.
	rr, body = doJSON(t, h, http.MethodPut, fmt.Sprintf("/_api/keys/%d", id),
		map[string]any{"expires_at": nil})
	if rr.Code != http.StatusOK {
		t.Fatalf("clear expiry status = %d: %v", rr.Code, body)
	}
	if _, present := body["expires_at"]; present {
		t.Errorf("expires_at = %v, want cleared", body["expires_at"])
	}

	rr, body = doJSON(t, h, http.MethodGet, "/_api/keys/overview", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("overview status = %d: %v", rr.Code, body)
	}
	if got := body["total_keys"].(float64); got != 1 {
		t.Errorf("total_keys = %v, want 1", got)
	}
	if got := body["active_keys"].(float64); got != 0 {
		t.Errorf("active_keys = %v, want 0 after deactivation", got)
	}
}

func TestMissingKeyAndRecordReturn404(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rr, _ := doJSON(t, h, http.MethodGet, "/_api/keys/9999", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing key status = %d, want 404", rr.Code)
	}
	rr, _ = doJSON(t, h, http.MethodPut, "/_api/keys/9999",
		map[string]any{"key_name": "ghost"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("update of missing key status = %d, want 404", rr.Code)
	}
	rr, _ = doJSON(t, h, http.MethodGet, "/_api/records/9999", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing record status = %d, want 404", rr.Code)
	}
}

func TestPlatformAPIKeyMasking(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()

	rr, body := doJSON(t, h, http.MethodPost, "/_api/platforms", map[string]any{
		"platform_type": "openrouter",
		"api_key":       "sk-or-secret",
		"enabled":       true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("save platform status = %d: %v", rr.Code, body)
	}
	if body["api_key"] != maskedAPIKey {
		t.Errorf("response api_key = %v, want masked", body["api_key"])
	}

	// Re-saving with the masked placeholder keeps the stored secret.
	rr, body = doJSON(t, h, http.MethodPost, "/_api/platforms", map[string]any{
		"platform_type": "openrouter",
		"api_key":       maskedAPIKey,
		"enabled":       true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("re-save platform status = %d: %v", rr.Code, body)
	}
	rec, err := store.GetPlatform(context.Background(), "openrouter")
	if err != nil {
		t.Fatalf("GetPlatform: %v", err)
	}
	if rec.APIKey != "sk-or-secret" {
		t.Errorf("stored api_key = %q, want original secret preserved", rec.APIKey)
	}

	// Saving also reloads the registry snapshot.
	if srv.Registry().Get("openrouter") == nil {
		t.Error("openrouter adapter not loaded after save")
	}
}

func TestRoutingConfigActivateSwapsSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rr, body := doJSON(t, h, http.MethodPost, "/_api/routing-configs", map[string]any{
		"config_name": "direct",
		"config_type": router.ModeGlobalDirect,
		"is_active":   false,
		"config_data": `{"model_priority_list":["openrouter:openai/gpt-4o-mini"]}`,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("create routing config status = %d: %v", rr.Code, body)
	}
	if srv.router.Mode() != router.ModeClaudeCode {
		t.Fatalf("inactive config changed router mode to %q", srv.router.Mode())
	}
	id := int64(body["id"].(float64))

	rr, body = doJSON(t, h, http.MethodPost, fmt.Sprintf("/_api/routing-configs/%d/activate", id), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("activate status = %d: %v", rr.Code, body)
	}
	if srv.router.Mode() != router.ModeGlobalDirect {
		t.Errorf("router mode after activate = %q, want global_direct", srv.router.Mode())
	}
}

func TestRecordsPagination(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()

	for i := 0; i < 3; i++ {
		if err := store.SaveRecord(context.Background(), &db.InteractionRecord{
			Method:    "POST",
			Path:      "/v1/messages",
			Timestamp: time.Now(),
		}); err != nil {
			t.Fatalf("SaveRecord: %v", err)
		}
	}

	rr, body := doJSON(t, h, http.MethodGet, "/_api/records?limit=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list records status = %d: %v", rr.Code, body)
	}
	if got := body["total"].(float64); got != 3 {
		t.Errorf("total = %v, want 3", got)
	}
	if got := len(body["records"].([]any)); got != 2 {
		t.Errorf("page size = %d, want 2", got)
	}

	rr, _ = doJSON(t, h, http.MethodDelete, "/_api/records", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("truncate status = %d", rr.Code)
	}
	_, body = doJSON(t, h, http.MethodGet, "/_api/records", nil)
	if got := body["total"].(float64); got != 0 {
		t.Errorf("total after truncate = %v, want 0", got)
	}
}

func TestModelCatalogCRUD(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rr, body := doJSON(t, h, http.MethodPost, "/_api/models", map[string]any{
		"platform_type": "ollama",
		"model_id":      "qwen2.5:7b",
		"model_name":    "Qwen 2.5 7B",
		"enabled":       true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("save model status = %d: %v", rr.Code, body)
	}
	id := int64(body["id"].(float64))

	req := httptest.NewRequest(http.MethodGet, "/_api/models?platform=ollama", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var models []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &models); err != nil {
		t.Fatalf("decode model list: %v", err)
	}
	if len(models) != 1 || models[0]["model_id"] != "qwen2.5:7b" {
		t.Fatalf("unexpected model list: %v", models)
	}

	rr, _ = doJSON(t, h, http.MethodDelete, fmt.Sprintf("/_api/models/%d", id), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete model status = %d", rr.Code)
	}
}

func TestControlAPIRateLimit(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	cfg := config.DefaultConfig()
	cfg.ControlAPI.RateLimitPerMin = 2
	srv, err := NewServer(cfg, zap.NewNop(), store)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h := srv.Handler()

	for i := 0; i < 2; i++ {
		rr, _ := doJSON(t, h, http.MethodGet, "/_api/keys", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rr.Code)
		}
	}
	rr, _ := doJSON(t, h, http.MethodGet, "/_api/keys", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}
