package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"mutations": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	throttled := 0
	limiter.OnThrottle(func(string) { throttled++ })
	handler := limiter.Middleware("mutations")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/pool/deposit", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if throttled != 1 {
		t.Fatalf("expected throttle callback once, got %d", throttled)
	}
}

func TestRateLimiterSeparatesCallersAndGroups(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"mutations": {RequestsPerMinute: 1, Burst: 1},
		"queries":   {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	mutations := limiter.Middleware("mutations")(okHandler())
	queries := limiter.Middleware("queries")(okHandler())

	alice := httptest.NewRequest(http.MethodPost, "/v1/loans/repay", nil)
	alice = alice.WithContext(WithCaller(alice.Context(), common.HexToAddress("0x01")))
	bob := httptest.NewRequest(http.MethodPost, "/v1/loans/repay", nil)
	bob = bob.WithContext(WithCaller(bob.Context(), common.HexToAddress("0x02")))

	for _, tc := range []struct {
		handler http.Handler
		req     *http.Request
	}{{mutations, alice}, {mutations, bob}, {queries, alice}} {
		res := httptest.NewRecorder()
		tc.handler.ServeHTTP(res, tc.req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected independent buckets, got %d", res.Code)
		}
	}
	res := httptest.NewRecorder()
	mutations.ServeHTTP(res, alice)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected alice throttled on second mutation, got %d", res.Code)
	}
}

func TestRateLimiterIgnoresUnknownGroup(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("anything")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("expected pass-through, got %d", res.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.onloan.example"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/pool", nil)
	req.Header.Set("Origin", "https://app.onloan.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "https://app.onloan.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin for foreign site %q", got)
	}
}
