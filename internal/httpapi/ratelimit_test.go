package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func serve(r http.Handler, method, path, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLimiterAllow(t *testing.T) {
	l := NewLimiter(RateLimitConfig{Rate: rate.Limit(0.001), Burst: 2})
	defer l.Stop()

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("expected burst of 2 allowed")
	}
	if l.Allow("a") {
		t.Fatalf("expected third request limited")
	}
	if !l.Allow("b") {
		t.Fatalf("expected separate bucket per key")
	}
	l.Stop()
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewLimiter(RateLimitConfig{Rate: rate.Limit(0.001), Burst: 1})
	defer l.Stop()

	r := gin.New()
	r.Use(RateLimit(l))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := serve(r, http.MethodGet, "/ping", "", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w := serve(r, http.MethodGet, "/ping", "", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestLimiterCleanup(t *testing.T) {
	l := NewLimiter(RateLimitConfig{Rate: rate.Limit(1), Burst: 1})
	defer l.Stop()
	l.Allow("a")
	l.Allow("b")
	l.mu.Lock()
	l.entries["a"].lastSeen = time.Now().Add(-time.Hour)
	l.mu.Unlock()
	l.cleanup()
	l.mu.Lock()
	n := len(l.entries)
	l.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected idle entry evicted, %d left", n)
	}
}

func TestLimiterDefaultMaxAgeKeepsActiveCallers(t *testing.T) {
	l := NewLimiter(RateLimitConfig{Rate: rate.Limit(0.001), Burst: 1})
	defer l.Stop()
	if l.cfg.MaxAge != DefaultRateLimitConfig().MaxAge {
		t.Fatalf("expected default max age, got %v", l.cfg.MaxAge)
	}

	if !l.Allow("a") {
		t.Fatalf("expected first request allowed")
	}
	l.cleanup()
	if l.Allow("a") {
		t.Fatalf("cleanup reset an active caller's bucket")
	}
}
