package httpapi

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig bounds failed bearer-token attempts per client IP.
type RateLimitConfig struct {
	MaxAttempts int
	Window      time.Duration
	Block       time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttempts: 5,
		Window:      time.Minute,
		Block:       5 * time.Minute,
	}
}

// attemptRecord counts failures until resetAt.
type attemptRecord struct {
	count   int
	resetAt time.Time
}

func (a attemptRecord) expired(now time.Time) bool {
	return now.After(a.resetAt)
}

// RateLimiter tracks failed authentication attempts per client IP. Once an
// IP reaches MaxAttempts inside Window it is blocked for Block.
type RateLimiter struct {
	mu       sync.RWMutex
	attempts map[string]attemptRecord
	config   RateLimitConfig
	now      func() time.Time
}

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.Block <= 0 {
		config.Block = def.Block
	}
	return &RateLimiter{
		attempts: make(map[string]attemptRecord),
		config:   config,
		now:      time.Now,
	}
}

// Allow reports whether ip may try again, and if not, for how long it stays
// blocked.
func (r *RateLimiter) Allow(ip string) (bool, time.Duration) {
	r.mu.RLock()
	record, ok := r.attempts[ip]
	r.mu.RUnlock()

	now := r.now()
	if !ok || record.expired(now) {
		return true, 0
	}
	if record.count >= r.config.MaxAttempts {
		return false, record.resetAt.Sub(now)
	}
	return true, 0
}

// RecordFailure counts one failed attempt for ip.
func (r *RateLimiter) RecordFailure(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	record, ok := r.attempts[ip]
	if !ok || record.expired(now) {
		r.attempts[ip] = attemptRecord{count: 1, resetAt: now.Add(r.config.Window)}
		return
	}

	record.count++
	if record.count == r.config.MaxAttempts {
		record.resetAt = now.Add(r.config.Block)
	}
	r.attempts[ip] = record
}

// Reset forgets ip, typically after a successful attempt.
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	delete(r.attempts, ip)
	r.mu.Unlock()
}

// Failures returns the live failure count for ip.
func (r *RateLimiter) Failures(ip string) int {
	r.mu.RLock()
	record, ok := r.attempts[ip]
	r.mu.RUnlock()
	if !ok || record.expired(r.now()) {
		return 0
	}
	return record.count
}

// Cleanup drops expired records and returns how many were removed.
func (r *RateLimiter) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for ip, record := range r.attempts {
		if record.expired(now) {
			delete(r.attempts, ip)
			removed++
		}
	}
	return removed
}

// StartCleanupTicker runs Cleanup every interval until ctx is done.
func (r *RateLimiter) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup()
			}
		}
	}()
}
