package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(limit, window)
	limiter.now = clock.Now
	return limiter, clock
}

func TestRateLimiter_AllowWithinWindow(t *testing.T) {
	limiter, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("4th request should be rejected")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Error("other IPs have their own bucket")
	}

	clock.Advance(time.Minute)
	if !limiter.Allow("10.0.0.1") {
		t.Error("request after window reset should be allowed")
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	limiter, clock := newTestLimiter(10, time.Minute)

	limiter.Allow("192.168.1.100")
	clock.Advance(30 * time.Second)
	limiter.Allow("192.168.1.200")
	clock.Advance(45 * time.Second)

	limiter.Cleanup()

	if _, exists := limiter.requests["192.168.1.100"]; exists {
		t.Error("Expired entry should have been removed")
	}
	if _, exists := limiter.requests["192.168.1.200"]; !exists {
		t.Error("Active entry should not have been removed")
	}
}

func TestRateLimiter_PeriodicCleanupBoundsMemory(t *testing.T) {
	limiter, clock := newTestLimiter(10, time.Minute)

	for i := 0; i < 150; i++ {
		limiter.Allow(fmt.Sprintf("172.16.0.%d", i))
	}
	clock.Advance(2 * time.Minute)

	for i := 0; i < limiter.cleanupEvery; i++ {
		limiter.Allow("10.0.0.1")
	}

	if len(limiter.requests) > 1 {
		t.Errorf("Expected expired buckets to be cleaned up, map size %d", len(limiter.requests))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter, _ := newTestLimiter(1, time.Minute)
	var limited []string
	limiter.OnLimited = func(ip string) { limited = append(limited, ip) }

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.RemoteAddr = "192.168.1.1:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("request %d: expected %d, got %d", i+1, want, w.Code)
		}
	}
	if len(limited) != 1 || limited[0] != "192.168.1.1" {
		t.Errorf("Expected OnLimited for 192.168.1.1, got %v", limited)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"remote addr with port", "10.1.2.3:4567", "", "10.1.2.3"},
		{"remote addr without port", "10.1.2.3", "", "10.1.2.3"},
		{"forwarded chain", "10.1.2.3:4567", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestReadBodyStrict(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
		body, err := ReadBodyStrict(httptest.NewRecorder(), req, 1024)
		if err != nil || string(body) != `{"a":1}` {
			t.Errorf("Unexpected result %q, %v", body, err)
		}
	})
	t.Run("empty", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		if _, err := ReadBodyStrict(httptest.NewRecorder(), req, 1024); err != ErrEmptyBody {
			t.Errorf("Expected ErrEmptyBody, got %v", err)
		}
	})
	t.Run("too large", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048)))
		_, err := ReadBodyStrict(httptest.NewRecorder(), req, 1024)
		if err == nil || !strings.Contains(err.Error(), ErrPayloadTooLarge.Error()) {
			t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
		}
	})
}
