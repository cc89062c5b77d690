package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/CedrosPay/microcharge/internal/config"
	apierrors "github.com/CedrosPay/microcharge/internal/errors"
	"github.com/CedrosPay/microcharge/internal/metrics"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, setup func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/payments", nil)
	if setup != nil {
		setup(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func withIdentity(identity string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("X-Identity", identity) }
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.GlobalEnabled || !cfg.PerIdentityEnabled || !cfg.PerIPEnabled {
		t.Errorf("Expected all limiters enabled by default, got %+v", cfg)
	}
	if cfg.PerIdentityLimit != 300 {
		t.Errorf("Expected per-identity limit 300, got %d", cfg.PerIdentityLimit)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.RateLimitConfig{
		GlobalEnabled:      true,
		GlobalLimit:        10,
		GlobalWindow:       config.Duration{Duration: time.Second},
		PerIdentityEnabled: true,
		PerIdentityLimit:   2,
		PerIdentityWindow:  config.Duration{Duration: time.Minute},
	}, nil)

	if cfg.GlobalLimit != 10 || cfg.GlobalWindow != time.Second {
		t.Errorf("Unexpected global settings: %+v", cfg)
	}
	if cfg.PerIdentityLimit != 2 || cfg.PerIdentityWindow != time.Minute {
		t.Errorf("Unexpected per-identity settings: %+v", cfg)
	}
	if cfg.PerIPEnabled {
		t.Error("Expected per-IP limiter disabled")
	}
}

func TestLimiters_Disabled(t *testing.T) {
	cfg := Config{}
	handler := GlobalLimiter(cfg)(IdentityLimiter(cfg)(IPLimiter(cfg)(okHandler)))

	for i := 0; i < 100; i++ {
		if w := serve(handler, withIdentity("ana")); w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestGlobalLimiter_EnforcesLimit(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	handler := GlobalLimiter(Config{
		GlobalEnabled: true,
		GlobalLimit:   5,
		GlobalWindow:  time.Minute,
		Metrics:       m,
	})(okHandler)

	for i := 0; i < 5; i++ {
		if w := serve(handler, withIdentity("caller-"+string(rune('a'+i)))); w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}

	w := serve(handler, withIdentity("someone-else"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 after limit exceeded, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After 60, got %q", w.Header().Get("Retry-After"))
	}

	var body apierrors.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != apierrors.ErrCodeRateLimited || !body.Error.Retryable {
		t.Errorf("Unexpected error envelope: %+v", body.Error)
	}
	if got := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("global", "all")); got != 1 {
		t.Errorf("Expected 1 global rate limit hit, got %.0f", got)
	}
}

func TestIdentityLimiter_PerIdentityLimit(t *testing.T) {
	handler := IdentityLimiter(Config{
		PerIdentityEnabled: true,
		PerIdentityLimit:   3,
		PerIdentityWindow:  time.Minute,
	})(okHandler)

	for i := 0; i < 3; i++ {
		if w := serve(handler, withIdentity("ana")); w.Code != http.StatusOK {
			t.Errorf("ana request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := serve(handler, withIdentity("ana")); w.Code != http.StatusTooManyRequests {
		t.Errorf("ana: Expected 429 after limit, got %d", w.Code)
	}

	// Separate budget per identity
	if w := serve(handler, withIdentity("luis")); w.Code != http.StatusOK {
		t.Errorf("luis: Expected 200, got %d", w.Code)
	}
}

func TestIdentityLimiter_FallbackToIP(t *testing.T) {
	handler := IdentityLimiter(Config{
		PerIdentityEnabled: true,
		PerIdentityLimit:   3,
		PerIdentityWindow:  time.Minute,
	})(okHandler)

	fromIP := func(r *http.Request) { r.RemoteAddr = "192.168.1.1:12345" }
	for i := 0; i < 3; i++ {
		if w := serve(handler, fromIP); w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := serve(handler, fromIP); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after IP limit, got %d", w.Code)
	}
}

func TestExtractIdentity(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*http.Request)
		expected string
	}{
		{
			name:     "header",
			setup:    withIdentity("ana"),
			expected: "ana",
		},
		{
			name:     "query parameter",
			setup:    func(r *http.Request) { r.URL.RawQuery = "identity=luis" },
			expected: "luis",
		},
		{
			name: "header wins over query",
			setup: func(r *http.Request) {
				r.Header.Set("X-Identity", "ana")
				r.URL.RawQuery = "identity=luis"
			},
			expected: "ana",
		},
		{
			name:     "none",
			setup:    func(r *http.Request) {},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			tt.setup(req)
			if got := extractIdentity(req); got != tt.expected {
				t.Errorf("Expected identity %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestIPLimiter_EnforcesLimit(t *testing.T) {
	handler := IPLimiter(Config{
		PerIPEnabled: true,
		PerIPLimit:   3,
		PerIPWindow:  time.Minute,
	})(okHandler)

	fromIP := func(ip string) func(*http.Request) {
		return func(r *http.Request) { r.RemoteAddr = ip }
	}

	for i := 0; i < 3; i++ {
		if w := serve(handler, fromIP("192.168.1.100:54321")); w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := serve(handler, fromIP("192.168.1.100:54321")); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after IP limit, got %d", w.Code)
	}
	if w := serve(handler, fromIP("192.168.1.101:54321")); w.Code != http.StatusOK {
		t.Errorf("Different IP: Expected 200, got %d", w.Code)
	}
}
