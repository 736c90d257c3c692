package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterEnforcesPerClientBudget(t *testing.T) {
	rl := NewRateLimiter(2)
	defer rl.Stop()
	h := rl.Wrap(okHandler())

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/_api/keys", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("10.0.0.1:5000"); code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, code)
		}
	}
	if code := send("10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Fatalf("over-budget status = %d, want 429 (port must not matter)", code)
	}
	// A different client has its own bucket.
	if code := send("10.0.0.2:5000"); code != http.StatusOK {
		t.Fatalf("other client status = %d, want 200", code)
	}
}

func TestRateLimiterDisabledWhenZero(t *testing.T) {
	rl := NewRateLimiter(0)
	defer rl.Stop()
	h := rl.Wrap(okHandler())

	for i := 0; i < 10; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("disabled limiter blocked request %d with %d", i+1, rr.Code)
		}
	}
}

func TestStopShutsDownCleanup(t *testing.T) {
	rl := NewRateLimiter(10)

	rl.Stop()
	select {
	case <-rl.done:
	default:
		t.Fatal("Stop must close the done channel so cleanup exits")
	}

	// Idempotent.
	rl.Stop()
}
