// Package middleware provides HTTP middleware components for the substrate query API.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier = 2
	defaultGlobalRPS        = 100
	defaultClientRPS        = 20
	defaultMaxClients       = 10000
	cleanupInterval         = 5 * time.Minute
	clientIdleTimeout       = 1 * time.Hour
)

type (
	// RateLimiter decides whether a request proceeds. clientKey identifies
	// the caller; an empty key falls back to the global tier only.
	RateLimiter interface {
		Allow(clientKey string) bool
	}

	// InMemoryRateLimiter is a two-tier token bucket limiter: one global
	// bucket for the whole server and one bucket per client key. Idle client
	// buckets are dropped by a periodic cleanup so memory stays bounded.
	InMemoryRateLimiter struct {
		global      *rate.Limiter
		perClient   map[string]*clientLimiter
		mu          sync.Mutex
		clientRPS   int
		clientBurst int
		maxClients  int

		stopCh chan struct{}
		doneCh chan struct{}
	}

	// clientLimiter tracks one client's bucket and its last use.
	clientLimiter struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	// RateLimitConfig tunes the in-memory limiter. Zero burst values are
	// computed as 2x the sustained rate.
	RateLimitConfig struct {
		GlobalRPS   int
		ClientRPS   int
		GlobalBurst int
		ClientBurst int
		MaxClients  int
	}
)

// DefaultRateLimitConfig returns the built-in limiter defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		GlobalRPS:  defaultGlobalRPS,
		ClientRPS:  defaultClientRPS,
		MaxClients: defaultMaxClients,
	}
}

// NewInMemoryRateLimiter creates a limiter and starts its cleanup goroutine.
// Callers must Close it to stop the goroutine.
func NewInMemoryRateLimiter(cfg RateLimitConfig) *InMemoryRateLimiter {
	if cfg.GlobalRPS <= 0 {
		cfg.GlobalRPS = defaultGlobalRPS
	}

	if cfg.ClientRPS <= 0 {
		cfg.ClientRPS = defaultClientRPS
	}

	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}

	globalBurst := computeBurstCapacity(cfg.GlobalRPS, cfg.GlobalBurst)
	clientBurst := computeBurstCapacity(cfg.ClientRPS, cfg.ClientBurst)

	rl := &InMemoryRateLimiter{
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRPS), globalBurst),
		perClient:   make(map[string]*clientLimiter),
		clientRPS:   cfg.ClientRPS,
		clientBurst: clientBurst,
		maxClients:  cfg.MaxClients,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks the global bucket, then the client's bucket.
func (rl *InMemoryRateLimiter) Allow(clientKey string) bool {
	if !rl.global.Allow() {
		return false
	}

	if clientKey == "" {
		return true
	}

	rl.mu.Lock()

	cl, ok := rl.perClient[clientKey]
	if !ok {
		if len(rl.perClient) >= rl.maxClients {
			// Table full: the global bucket is the only protection left.
			rl.mu.Unlock()

			return true
		}

		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst)}
		rl.perClient[clientKey] = cl
	}

	cl.lastSeen = time.Now()
	limiter := cl.limiter
	rl.mu.Unlock()

	return limiter.Allow()
}

// Close stops the cleanup goroutine.
func (rl *InMemoryRateLimiter) Close() error {
	close(rl.stopCh)
	<-rl.doneCh

	return nil
}

func (rl *InMemoryRateLimiter) cleanupLoop() {
	defer close(rl.doneCh)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.removeIdleClients(time.Now().Add(-clientIdleTimeout))
		}
	}
}

func (rl *InMemoryRateLimiter) removeIdleClients(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, cl := range rl.perClient {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.perClient, key)
		}
	}
}

func computeBurstCapacity(rps, override int) int {
	if override > 0 {
		return override
	}

	return rps * burstCapacityMultiplier
}

// RateLimit creates a middleware that rejects requests over the limit with
// 429 and a problem document. Clients are keyed by remote host.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				correlationID := GetCorrelationID(r.Context())

				logger.Warn("request rate limited",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("correlation_id", correlationID),
				)

				writeRateLimited(w, r, correlationID)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey extracts the host part of the remote address.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, correlationID string) {
	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail"`
		Instance      string `json:"instance"`
		CorrelationID string `json:"correlation_id"` //nolint:tagliatelle
	}{
		Type:          "https://onex.io/problems/429",
		Title:         "Too Many Requests",
		Status:        http.StatusTooManyRequests,
		Detail:        "Request rate limit exceeded",
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(problem)
}
