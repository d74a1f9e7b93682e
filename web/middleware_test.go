package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func testRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.Use(mw)
	g.POST("/inbox", func(c *gin.Context) { c.Status(200) })
	return g
}

func TestRateLimitMiddlewareRejectsOverBudget(t *testing.T) {
	g := testRouter(RateLimitMiddleware(NewRateLimiter(rate.Limit(1), 2)))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/inbox", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		g.ServeHTTP(w, req)
		statuses = append(statuses, w.Code)
	}

	if statuses[0] != 200 || statuses[1] != 200 {
		t.Errorf("Burst requests should pass, got %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("Request over budget should get 429, got %d", statuses[2])
	}
}

func TestRateLimitMiddlewareIsPerClient(t *testing.T) {
	g := testRouter(RateLimitMiddleware(NewRateLimiter(rate.Limit(1), 1)))

	first := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/inbox", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	g.ServeHTTP(first, req)

	// A different client has its own bucket.
	second := httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/inbox", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	g.ServeHTTP(second, req)

	if first.Code != 200 || second.Code != 200 {
		t.Errorf("Separate clients should not share a bucket: %d, %d", first.Code, second.Code)
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	g := testRouter(MaxBytesMiddleware(16))

	small := httptest.NewRecorder()
	g.ServeHTTP(small, httptest.NewRequest("POST", "/inbox", strings.NewReader("tiny")))
	if small.Code != 200 {
		t.Errorf("Small body should pass, got %d", small.Code)
	}

	big := httptest.NewRecorder()
	g.ServeHTTP(big, httptest.NewRequest("POST", "/inbox", strings.NewReader(strings.Repeat("x", 64))))
	if big.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Oversized body should get 413, got %d", big.Code)
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	rl.getLimiter("10.0.0.1")
	rl.getLimiter("10.0.0.2")

	rl.mu.Lock()
	rl.entries["10.0.0.1"].lastSeen = time.Now().Add(-2 * limiterIdleEviction)
	rl.mu.Unlock()

	rl.evict(time.Now().Add(-limiterIdleEviction))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.entries["10.0.0.1"]; ok {
		t.Error("Idle client should be evicted")
	}
	if _, ok := rl.entries["10.0.0.2"]; !ok {
		t.Error("Active client should be kept")
	}
}
