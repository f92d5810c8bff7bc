package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func testLimiter(rpm, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := Config{RequestsPerMinute: rpm, BurstSize: burst, IdleTTL: 2 * time.Minute, CleanupInterval: time.Minute}
	return newLimiter(cfg, clock.now), clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := testLimiter(60, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow("tab-client") {
			t.Fatalf("request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow("tab-client") {
		t.Fatal("request after burst should be denied")
	}

	clock.advance(time.Second)
	if !limiter.Allow("tab-client") {
		t.Fatal("request after one refill interval should be allowed")
	}
	if limiter.Allow("tab-client") {
		t.Fatal("only one token should have refilled")
	}
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	limiter, clock := testLimiter(60, 3)
	for i := 0; i < 3; i++ {
		limiter.Allow("a")
	}
	clock.advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("a") {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed %d after long idle, want burst of 3", allowed)
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := testLimiter(60, 2)
	limiter.Allow("a")
	limiter.Allow("a")
	if limiter.Allow("a") {
		t.Fatal("client a should be exhausted")
	}
	if !limiter.Allow("b") {
		t.Fatal("client b has its own bucket")
	}
}

func TestLimiterEvictIdle(t *testing.T) {
	limiter, clock := testLimiter(60, 2)
	limiter.Allow("old")
	clock.advance(3 * time.Minute)
	limiter.Allow("fresh")

	if n := limiter.evictIdle(); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := testLimiter(60, 1)

	router := gin.New()
	router.Use(limiter.Middleware())
	router.POST("/v1/messages", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		router.ServeHTTP(w, req)
		return w
	}

	if w := do(); w.Code != http.StatusOK {
		t.Fatalf("first request: got %d", w.Code)
	}
	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}
