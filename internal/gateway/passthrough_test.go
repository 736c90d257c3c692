package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lxsgate/lxsgate/internal/db"
	"github.com/lxsgate/lxsgate/internal/platform"
	"github.com/lxsgate/lxsgate/internal/router"
)

// newPassthroughGateway wires a gateway in claude_code mode pointed at
// legacyURL. No platforms or keys are needed: passthrough skips admission.
func newPassthroughGateway(t *testing.T, store db.Store, legacyURL string) *Gateway {
	t.Helper()
	return New(Options{
		Store:     store,
		Router:    router.New(zap.NewNop()),
		Registry:  func() *platform.Registry { return platform.NewRegistry() },
		Mode:      func() string { return router.ModeClaudeCode },
		LegacyURL: func() string { return legacyURL },
		Logger:    zap.NewNop(),
	})
}

func TestPassthroughRelaysBodyAndStripsHopByHop(t *testing.T) {
	const reqBody = `{"model":"claude-x","messages":[{"role":"user","content":"hi"}]}`
	const respBody = `{"id":"msg_01","type":"message","content":[{"type":"text","text":"hello"}]}`

	var gotPath, gotQuery, gotAuth, gotKeepAlive, gotBody string
	legacy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotKeepAlive = r.Header.Get("Keep-Alive")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Request-Id", "abc-123")
		w.Write([]byte(respBody))
	}))
	defer legacy.Close()

	store := newTestStore(t)
	g := newPassthroughGateway(t, store, legacy.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages?beta=true",
		strings.NewReader(reqBody))
	req.Header.Set("Authorization", "Bearer sk-ant-client")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Anthropic-Version", "2023-06-01")
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// Target URL carries the original path and query.
	if gotPath != "/v1/messages" {
		t.Errorf("expected path /v1/messages at the legacy target, got %q", gotPath)
	}
	if gotQuery != "beta=true" {
		t.Errorf("expected query forwarded, got %q", gotQuery)
	}

	// Authorization passes through untouched; hop-by-hop headers do not.
	if gotAuth != "Bearer sk-ant-client" {
		t.Errorf("expected Authorization forwarded, got %q", gotAuth)
	}
	if gotKeepAlive != "" {
		t.Errorf("Keep-Alive must be stripped on the way out, got %q", gotKeepAlive)
	}

	// Body relayed byte-identical in both directions.
	if gotBody != reqBody {
		t.Errorf("request body altered in transit:\n%s", gotBody)
	}
	if rr.Body.String() != respBody {
		t.Errorf("response body altered in transit:\n%s", rr.Body.String())
	}

	// Response headers: hop-by-hop stripped, the rest forwarded.
	if v := rr.Header().Get("Keep-Alive"); v != "" {
		t.Errorf("Keep-Alive must be stripped on the way back, got %q", v)
	}
	if v := rr.Header().Get("X-Request-Id"); v != "abc-123" {
		t.Errorf("expected X-Request-Id forwarded, got %q", v)
	}

	// The record carries the fixed legacy labels and the raw bodies.
	recs, err := store.ListRecords(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.TargetPlatform != "DashScope" || rec.TargetModel != "claude-code-proxy" {
		t.Errorf("unexpected record labels: platform=%q model=%q",
			rec.TargetPlatform, rec.TargetModel)
	}
	if rec.ResponseStatus != http.StatusOK {
		t.Errorf("expected recorded status 200, got %d", rec.ResponseStatus)
	}
	if rec.Body != reqBody || rec.ResponseBody != respBody {
		t.Errorf("record must capture both bodies verbatim, got body=%q response=%q",
			rec.Body, rec.ResponseBody)
	}
}

func TestPassthroughSkipsKeyAdmission(t *testing.T) {
	legacy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer legacy.Close()

	// No keys in the store and no Authorization header: claude_code mode
	// must still reach the legacy target.
	store := newTestStore(t)
	g := newPassthroughGateway(t, store, legacy.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-x","messages":[]}`))
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("passthrough must not require an API key, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPassthroughStreamsSSE(t *testing.T) {
	legacy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\ndata: {}\n\n"))
		w.Write([]byte("event: message_stop\ndata: {}\n\n"))
	}))
	defer legacy.Close()

	store := newTestStore(t)
	g := newPassthroughGateway(t, store, legacy.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"stream":true}`))
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, req)

	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type relayed, got %q", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "event: message_start") || !strings.Contains(body, "event: message_stop") {
		t.Errorf("SSE frames must pass through unmodified, got:\n%s", body)
	}

	recs, _ := store.ListRecords(context.Background(), 10, 0)
	if len(recs) != 1 || recs[0].ResponseBody != body {
		t.Fatalf("record must capture the streamed body, got %+v", recs)
	}
}

func TestPassthroughUpstreamDown(t *testing.T) {
	legacy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	legacy.Close() // refuse connections

	store := newTestStore(t)
	g := newPassthroughGateway(t, store, legacy.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when the legacy target is unreachable, got %d", rr.Code)
	}
	var doc errorDocument
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("error body not JSON: %v", err)
	}
	if doc.Error.Type != ErrTypeUpstream {
		t.Errorf("expected upstream_error, got %s", doc.Error.Type)
	}

	recs, _ := store.ListRecords(context.Background(), 10, 0)
	if len(recs) != 1 || recs[0].ResponseStatus != http.StatusBadGateway {
		t.Fatalf("failed passthrough must still be recorded, got %+v", recs)
	}
}
