package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// fakeClock is a settable time source for the in-memory limiter.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestLimiter(t *testing.T, rpm, burst int) (*RateLimiter, *fakeClock) {
	t.Helper()
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: rpm, BurstSize: burst})
	t.Cleanup(rl.Stop)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl.now = clock.Now
	return rl, clock
}

// ---------------------------------------------------------------------------
// RateLimiter tests
// ---------------------------------------------------------------------------

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := rl.Allow(ctx, "k")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d denied: %+v, %v", i+1, d, err)
		}
		if d.Remaining != 2-i {
			t.Errorf("request %d remaining = %d, want %d", i+1, d.Remaining, 2-i)
		}
	}

	d, _ := rl.Allow(ctx, "k")
	if d.Allowed {
		t.Fatal("fourth request allowed beyond burst")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s] at 1 token/s", d.RetryAfter)
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	rl, clock := newTestLimiter(t, 60, 1)
	ctx := context.Background()

	if d, _ := rl.Allow(ctx, "k"); !d.Allowed {
		t.Fatal("first request denied")
	}
	if d, _ := rl.Allow(ctx, "k"); d.Allowed {
		t.Fatal("second request allowed without refill")
	}
	clock.Advance(time.Second)
	if d, _ := rl.Allow(ctx, "k"); !d.Allowed {
		t.Error("request denied after one token refilled")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)
	ctx := context.Background()

	rl.Allow(ctx, "a")
	if d, _ := rl.Allow(ctx, "b"); !d.Allowed {
		t.Error("key b limited by key a")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig())
	rl.Stop()
	rl.Stop()
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware tests
// ---------------------------------------------------------------------------

func newRateLimitRouter(l Limiter, userID string) *gin.Engine {
	r := gin.New()
	if userID != "" {
		r.Use(func(c *gin.Context) { c.Set(UserIDKey, userID) })
	}
	r.Use(RateLimitMiddleware(l))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimitMiddleware_Returns429WithHeaders(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 2)
	r := newRateLimitRouter(rl, "")

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if got := last.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if got := last.Header().Get("X-RateLimit-Limit"); got != strconv.Itoa(60) {
		t.Errorf("X-RateLimit-Limit = %q", got)
	}
}

func TestRateLimitMiddleware_KeysByUserThenIP(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)

	for _, user := range []string{"alice", "bob"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		newRateLimitRouter(rl, user).ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("user %s on shared IP: status = %d, want 200", user, w.Code)
		}
	}
}

func TestRateLimitMiddleware_FailsOpenWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	limiter := NewRedisLimiter(client, DefaultRateLimitConfig())
	defer limiter.Stop()

	w := httptest.NewRecorder()
	newRateLimitRouter(limiter, "alice").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when the limiter backend is unreachable", w.Code)
	}
	if limiter.Limit() != DefaultRateLimitConfig().RequestsPerMinute {
		t.Errorf("Limit() = %d", limiter.Limit())
	}
}
