// Package middleware provides HTTP middleware components for the substrate query API.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

const testClient = "10.0.0.7"

// TestRateLimiter_GlobalLimitEnforced verifies that the global rate limit
// is enforced across all requests regardless of client key.
func TestRateLimiter_GlobalLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter: 10 RPS global, 50 RPS client (global is more restrictive)
	rl := NewInMemoryRateLimiter(RateLimitConfig{
		GlobalRPS:   10,
		GlobalBurst: 10, // use override value
		ClientRPS:   50,
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 11; i++ {
		if rl.Allow(testClient) {
			successCount++
		}
	}

	// Expect exactly 10 to succeed (global limit)
	if successCount != 10 {
		t.Errorf("expected 10 successful requests, got %d", successCount)
	}
}

// TestRateLimiter_ClientLimitEnforced verifies that per-client rate limits
// are enforced independently from the global limit.
func TestRateLimiter_ClientLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter: 100 RPS global, 5 RPS client
	rl := NewInMemoryRateLimiter(RateLimitConfig{
		GlobalRPS:   100,
		ClientRPS:   5,
		ClientBurst: 5, // use override value
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 6; i++ {
		if rl.Allow(testClient) {
			successCount++
		}
	}

	// Expect exactly 5 to succeed (client limit)
	if successCount != 5 {
		t.Errorf("expected 5 successful requests, got %d", successCount)
	}
}

// TestRateLimiter_ClientsLimitedIndependently verifies that one client
// exhausting its bucket does not affect another client.
func TestRateLimiter_ClientsLimitedIndependently(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(RateLimitConfig{
		GlobalRPS:   100,
		ClientRPS:   2,
		ClientBurst: 2,
	})
	defer rl.Close()

	for i := 0; i < 3; i++ {
		rl.Allow(testClient)
	}

	if !rl.Allow("10.0.0.8") {
		t.Error("expected second client to have its own bucket")
	}
}

// TestRateLimiter_BurstCapacityDefaults verifies that an unset burst defaults
// to twice the sustained rate.
func TestRateLimiter_BurstCapacityDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(RateLimitConfig{
		GlobalRPS: 100,
		ClientRPS: 5,
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 12; i++ {
		if rl.Allow(testClient) {
			successCount++
		}
	}

	// Burst is 2x the 5 RPS client rate
	if successCount != 10 {
		t.Errorf("expected 10 successful requests, got %d", successCount)
	}
}

// TestRateLimiter_MaxClientsBound verifies that the per-client table stops
// growing at MaxClients and overflow clients fall back to the global bucket.
func TestRateLimiter_MaxClientsBound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(RateLimitConfig{
		GlobalRPS:  1000,
		ClientRPS:  1,
		MaxClients: 2,
	})
	defer rl.Close()

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")

	// Third client does not get a bucket but is still served.
	for i := 0; i < 5; i++ {
		if !rl.Allow("10.0.0.3") {
			t.Fatal("expected overflow client to pass on the global bucket")
		}
	}

	rl.mu.Lock()
	size := len(rl.perClient)
	rl.mu.Unlock()

	if size != 2 {
		t.Errorf("expected 2 tracked clients, got %d", size)
	}
}

// TestRateLimiter_CleanupRemovesIdleClients verifies idle bucket eviction.
func TestRateLimiter_CleanupRemovesIdleClients(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(DefaultRateLimitConfig())
	defer rl.Close()

	rl.Allow(testClient)
	rl.Allow("10.0.0.8")

	// A cutoff in the future treats every bucket as idle.
	rl.removeIdleClients(rl.perClient[testClient].lastSeen.Add(1))

	rl.mu.Lock()
	size := len(rl.perClient)
	rl.mu.Unlock()

	if size != 1 {
		t.Errorf("expected 1 tracked client after cleanup, got %d", size)
	}
}

// TestRateLimitMiddleware_RejectsWithProblemDocument verifies the 429
// response shape when the limiter denies a request.
func TestRateLimitMiddleware_RejectsWithProblemDocument(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := slog.New(slog.DiscardHandler)

	rl := NewInMemoryRateLimiter(RateLimitConfig{
		GlobalRPS:   1,
		GlobalBurst: 1,
		ClientRPS:   1,
		ClientBurst: 1,
	})
	defer rl.Close()

	handler := RateLimit(rl, logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patterns", nil)
	req.RemoteAddr = testClient + ":54321"

	handler.ServeHTTP(first, req)

	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)

	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}

	if got := second.Header().Get("Content-Type"); got != "application/problem+json" {
		t.Errorf("expected problem+json content type, got %q", got)
	}

	var problem map[string]any
	if err := json.Unmarshal(second.Body.Bytes(), &problem); err != nil {
		t.Fatalf("failed to decode problem document: %v", err)
	}

	if problem["title"] != "Too Many Requests" {
		t.Errorf("unexpected problem title: %v", problem["title"])
	}

	if problem["instance"] != "/api/v1/patterns" {
		t.Errorf("unexpected problem instance: %v", problem["instance"])
	}
}

// TestClientKey verifies remote address parsing.
func TestClientKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name       string
		remoteAddr string
		want       string
	}{
		{"host and port", "192.168.1.9:8080", "192.168.1.9"},
		{"bare host", "192.168.1.9", "192.168.1.9"},
		{"ipv6 with port", "[::1]:8080", "::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr

			if got := clientKey(req); got != tt.want {
				t.Errorf("clientKey(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
			}
		})
	}
}
