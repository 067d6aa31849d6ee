package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func parseNets(t *testing.T, cidrs ...string) []*net.IPNet {
	t.Helper()
	var nets []*net.IPNet
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			t.Fatal(err)
		}
		nets = append(nets, n)
	}
	return nets
}

func doAuth(handler http.Handler, path, authHeader, remote, forwarded string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	if forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	}
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMissingAuthorizationHeader(t *testing.T) {
	h := Auth(map[string]struct{}{"tok": {}}, nil, false)(okHandler())
	rec := doAuth(h, "/api/v1/linbo/hosts:batch", "", "10.0.0.5:1234", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Missing or invalid Authorization header") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestInvalidToken(t *testing.T) {
	h := Auth(map[string]struct{}{"tok": {}}, nil, false)(okHandler())
	rec := doAuth(h, "/api/v1/linbo/host", "Bearer wrong", "10.0.0.5:1234", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "UNAUTHORIZED") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestValidTokenPasses(t *testing.T) {
	h := Auth(map[string]struct{}{"tok": {}}, parseNets(t, "10.0.0.0/16"), false)(okHandler())
	rec := doAuth(h, "/api/v1/linbo/host", "Bearer tok", "10.0.0.5:1234", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAllowlistRejects(t *testing.T) {
	h := Auth(map[string]struct{}{"tok": {}}, parseNets(t, "10.0.0.0/16"), false)(okHandler())
	rec := doAuth(h, "/api/v1/linbo/host", "Bearer tok", "192.168.1.9:1234", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "FORBIDDEN") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestEmptyAllowlistAllowsAll(t *testing.T) {
	h := Auth(map[string]struct{}{"tok": {}}, nil, false)(okHandler())
	rec := doAuth(h, "/api/v1/linbo/host", "Bearer tok", "203.0.113.1:5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestForwardedForOnlyWhenTrusted(t *testing.T) {
	nets := parseNets(t, "10.0.0.0/16")

	// Untrusted proxy: X-Forwarded-For is ignored, direct address wins.
	h := Auth(map[string]struct{}{"tok": {}}, nets, false)(okHandler())
	rec := doAuth(h, "/api/v1/linbo/host", "Bearer tok", "192.168.1.9:1", "10.0.0.5")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("untrusted proxy: expected 403, got %d", rec.Code)
	}

	// Trusted proxy: first X-Forwarded-For entry is the client.
	h = Auth(map[string]struct{}{"tok": {}}, nets, true)(okHandler())
	rec = doAuth(h, "/api/v1/linbo/host", "Bearer tok", "192.168.1.9:1", "10.0.0.5, 172.16.0.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("trusted proxy: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthPathsSkipAuth(t *testing.T) {
	h := Auth(map[string]struct{}{"tok": {}}, nil, false)(okHandler())
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		rec := doAuth(h, path, "", "203.0.113.1:5", "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200 without auth, got %d", path, rec.Code)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(3, nil)
	now := time.Now()
	l.now = func() time.Time { return now }

	auth := Auth(map[string]struct{}{"tok": {}}, nil, false)
	h := auth(l.Middleware(okHandler()))

	for i := 0; i < 3; i++ {
		rec := doAuth(h, "/api/v1/linbo/host", "Bearer tok", "10.0.0.5:1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := doAuth(h, "/api/v1/linbo/host", "Bearer tok", "10.0.0.5:1", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if !strings.Contains(rec.Body.String(), "RATE_LIMITED") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	// The window slides: after 61s the token is admitted again.
	now = now.Add(61 * time.Second)
	rec = doAuth(h, "/api/v1/linbo/host", "Bearer tok", "10.0.0.5:1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after window, got %d", rec.Code)
	}
}

func TestRateLimiterPerToken(t *testing.T) {
	l := NewRateLimiter(1, nil)
	auth := Auth(map[string]struct{}{"a": {}, "b": {}}, nil, false)
	h := auth(l.Middleware(okHandler()))

	if rec := doAuth(h, "/api/v1/linbo/host", "Bearer a", "10.0.0.5:1", ""); rec.Code != http.StatusOK {
		t.Fatalf("token a first request: %d", rec.Code)
	}
	if rec := doAuth(h, "/api/v1/linbo/host", "Bearer a", "10.0.0.5:1", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("token a second request should be limited: %d", rec.Code)
	}
	if rec := doAuth(h, "/api/v1/linbo/host", "Bearer b", "10.0.0.5:1", ""); rec.Code != http.StatusOK {
		t.Fatalf("token b must have its own window: %d", rec.Code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	l := NewRateLimiter(0, nil)
	auth := Auth(map[string]struct{}{"tok": {}}, nil, false)
	h := auth(l.Middleware(okHandler()))
	for i := 0; i < 100; i++ {
		if rec := doAuth(h, "/api/v1/linbo/host", "Bearer tok", "10.0.0.5:1", ""); rec.Code != http.StatusOK {
			t.Fatalf("disabled limiter must never reject: %d", rec.Code)
		}
	}
}
