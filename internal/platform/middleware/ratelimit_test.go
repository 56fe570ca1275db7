package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func rateLimitedEcho(cfg RateLimitConfig) *echo.Echo {
	e := echo.New()
	e.Use(RateLimit(cfg))
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	return e
}

func TestRateLimit_AllowsWithinBurst(t *testing.T) {
	e := rateLimitedEcho(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 5})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") == "" {
			t.Error("allowed response missing X-RateLimit-Limit")
		}
	}
}

func TestRateLimit_RejectsOverBurst(t *testing.T) {
	e := rateLimitedEcho(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("429 must report zero remaining")
	}
	if !strings.Contains(rec.Body.String(), `"error_code":"rate_limited"`) {
		t.Errorf("body %s does not carry the uniform contract", rec.Body.String())
	}
}

func TestRateLimit_KeyedByClientIP(t *testing.T) {
	e := rateLimitedEcho(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(echo.HeaderXRealIP, ip)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := send("10.0.0.1"); got != http.StatusOK {
		t.Fatalf("first caller: status = %d, want 200", got)
	}
	if got := send("10.0.0.1"); got != http.StatusTooManyRequests {
		t.Fatalf("first caller second hit: status = %d, want 429", got)
	}
	if got := send("10.0.0.2"); got != http.StatusOK {
		t.Fatalf("second caller must have an independent bucket, got %d", got)
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	b := newTokenBucket(1000, 1)
	if !b.allow() {
		t.Fatal("fresh bucket denied")
	}
	// At 1000 tokens/s the bucket refills within the backdated window below.
	b.mu.Lock()
	b.lastRefill = b.lastRefill.Add(-10 * time.Millisecond)
	b.mu.Unlock()
	if !b.allow() {
		t.Fatal("bucket did not refill")
	}
}
