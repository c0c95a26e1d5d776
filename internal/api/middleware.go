// AlephAuto is a pipeline job orchestration and monitoring service.
// Copyright (C) 2026 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"alephauto/internal/ctxkeys"
	"alephauto/pkg/auth"
	"alephauto/pkg/models"
)

// correlationMiddleware guarantees every request carries a correlation id,
// honouring one supplied by the client.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := strings.TrimSpace(r.Header.Get("X-Correlation-ID")); id != "" && len(id) <= 128 {
			ctx = ctxkeys.WithCorrelationID(ctx, id)
		}
		ctx, id := ctxkeys.EnsureCorrelationID(ctx)
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs method, path, status, and latency per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"correlation_id", ctxkeys.GetCorrelationID(r.Context()))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// mutationTokenMiddleware enforces the shared mutation token when one is
// configured. Tokens beginning with a bcrypt prefix are treated as hashes;
// anything else is compared in constant time.
func mutationTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		hashed := strings.HasPrefix(token, "$2")
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			ok := false
			if presented != "" {
				if hashed {
					ok = auth.VerifyToken(presented, token) == nil
				} else {
					ok = subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
				}
			}
			if !ok {
				writeError(w, r, http.StatusUnauthorized, models.KindValidation, "missing or invalid mutation token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitConfig tunes the per-client token bucket on mutation endpoints.
type rateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

func defaultRateLimitConfig(perMinute int) rateLimitConfig {
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := perMinute / 3
	if burst < 5 {
		burst = 5
	}
	return rateLimitConfig{
		RequestsPerMinute: perMinute,
		BurstSize:         burst,
		CleanupInterval:   5 * time.Minute,
	}
}

// clientBucket tracks requests for a single client.
type clientBucket struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

// rateLimiter implements token bucket rate limiting per client IP.
type rateLimiter struct {
	config  rateLimitConfig
	logger  *slog.Logger
	mu      sync.RWMutex
	buckets map[string]*clientBucket
	stop    chan struct{}
}

func newRateLimiter(config rateLimitConfig, logger *slog.Logger) *rateLimiter {
	rl := &rateLimiter{
		config:  config,
		logger:  logger,
		buckets: make(map[string]*clientBucket),
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Middleware returns an HTTP middleware that enforces rate limiting.
func (rl *rateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)
		if !rl.allow(clientIP) {
			rl.logger.Warn("rate limit exceeded", "client", clientIP, "path", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeError(w, r, http.StatusTooManyRequests, models.KindRateLimited, "too many requests, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.RLock()
	bucket, exists := rl.buckets[clientIP]
	rl.mu.RUnlock()

	if !exists {
		bucket = &clientBucket{
			tokens:     rl.config.BurstSize,
			lastRefill: time.Now(),
		}
		rl.mu.Lock()
		rl.buckets[clientIP] = bucket
		rl.mu.Unlock()
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill)
	tokensToAdd := int(elapsed.Minutes() * float64(rl.config.RequestsPerMinute))
	if tokensToAdd > 0 {
		bucket.tokens += tokensToAdd
		if bucket.tokens > rl.config.BurstSize {
			bucket.tokens = rl.config.BurstSize
		}
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// cleanup removes client entries that haven't been used recently.
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	threshold := time.Now().Add(-2 * rl.config.CleanupInterval)
	for ip, bucket := range rl.buckets {
		bucket.mu.Lock()
		if bucket.lastRefill.Before(threshold) {
			delete(rl.buckets, ip)
		}
		bucket.mu.Unlock()
	}
}

// Stop stops the cleanup goroutine.
func (rl *rateLimiter) Stop() {
	close(rl.stop)
}

// getClientIP extracts the client IP: X-Forwarded-For first, then
// X-Real-IP, then RemoteAddr.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
