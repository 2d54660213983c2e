package remote

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/fmaass/telegram-files/internal/errors"
)

/**
 * Token Bucket Rate Limiting for the remote store
 *
 * Features:
 * - One token bucket per account, created on first use
 * - Separate bucket for transfer control calls
 * - Context-aware blocking
 * - Slows down after repeated flood-wait replies and recovers gradually
 * - Request counters for the metrics endpoint
 *
 * Author: tgfiles maintainers
 * Updated: 2025-03-04
 */

const (
	// Default rate limit (requests per second).
	defaultRateLimit = 20

	// Default burst size.
	defaultBurstSize = 5

	// Transfer control calls get a smaller share.
	transferRateLimit = 5

	// Time without flood waits before the rate is raised again.
	recoveryInterval = 30 * time.Second
)

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	RateLimit         float64
	BurstSize         int
	TransferRateLimit float64
}

// DefaultRateLimiterConfig returns default configuration.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RateLimit:         defaultRateLimit,
		BurstSize:         defaultBurstSize,
		TransferRateLimit: transferRateLimit,
	}
}

// RateLimiter manages request rate limiting for one account.
type RateLimiter struct {
	lastAdjustment  time.Time
	limiter         *rate.Limiter
	transferLimiter *rate.Limiter
	baseRate        float64
	currentRate     float64
	floodWaits      int
	totalRequests   atomic.Int64
	blockedRequests atomic.Int64
	mu              sync.Mutex
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config *RateLimiterConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	burst := config.BurstSize
	if burst < 1 {
		burst = 1
	}
	transfer := config.TransferRateLimit
	if transfer <= 0 {
		transfer = transferRateLimit
	}

	return &RateLimiter{
		limiter:         rate.NewLimiter(limitOf(config.RateLimit), burst),
		transferLimiter: rate.NewLimiter(rate.Limit(transfer), burst),
		baseRate:        config.RateLimit,
		currentRate:     config.RateLimit,
		lastAdjustment:  time.Now(),
	}
}

// limitOf maps a non-positive rate to "unlimited".
func limitOf(r float64) rate.Limit {
	if r <= 0 {
		return rate.Inf
	}
	return rate.Limit(r)
}

// Wait blocks until a request can proceed.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.waitWithLimiter(ctx, rl.limiter)
}

// WaitForTransfer blocks until a transfer control call can proceed.
func (rl *RateLimiter) WaitForTransfer(ctx context.Context) error {
	return rl.waitWithLimiter(ctx, rl.transferLimiter)
}

func (rl *RateLimiter) waitWithLimiter(ctx context.Context, limiter *rate.Limiter) error {
	rl.totalRequests.Add(1)

	if limiter.Allow() {
		return nil
	}

	rl.blockedRequests.Add(1)

	reservation := limiter.Reserve()
	if !reservation.OK() {
		return errors.New(errors.ErrorTypeAPIQuota, "rate_limit", "", errors.NewSimple("rate limiter reservation failed"))
	}

	delay := reservation.Delay()
	if delay == 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return errors.Wrap(ctx.Err(), "rate limit wait canceled")
	}
}

// RecordSuccess raises a throttled rate one step once the store has been
// quiet for a while.
func (rl *RateLimiter) RecordSuccess() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.floodWaits = 0
	if rl.baseRate <= 0 || rl.currentRate >= rl.baseRate ||
		time.Since(rl.lastAdjustment) < recoveryInterval {
		return
	}

	rl.currentRate++
	if rl.currentRate > rl.baseRate {
		rl.currentRate = rl.baseRate
	}
	rl.limiter.SetLimit(rate.Limit(rl.currentRate))
	rl.lastAdjustment = time.Now()
}

// RecordFloodWait halves the rate after two consecutive flood waits.
func (rl *RateLimiter) RecordFloodWait() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.floodWaits++
	if rl.floodWaits < 2 || rl.baseRate <= 0 {
		return
	}

	rl.currentRate /= 2
	if rl.currentRate < 1 {
		rl.currentRate = 1
	}
	rl.limiter.SetLimit(rate.Limit(rl.currentRate))
	rl.lastAdjustment = time.Now()
	rl.floodWaits = 0
}

// CurrentRate returns the current request rate.
func (rl *RateLimiter) CurrentRate() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.currentRate
}

// GetMetrics returns current rate limiter metrics.
func (rl *RateLimiter) GetMetrics() RateLimiterMetrics {
	total := rl.totalRequests.Load()
	blocked := rl.blockedRequests.Load()

	var blockRate float64
	if total > 0 {
		blockRate = float64(blocked) / float64(total) * 100
	}

	return RateLimiterMetrics{
		TotalRequests:   total,
		BlockedRequests: blocked,
		BlockRate:       blockRate,
		CurrentRate:     rl.CurrentRate(),
	}
}

// RateLimiterMetrics contains rate limiter statistics.
type RateLimiterMetrics struct {
	TotalRequests   int64
	BlockedRequests int64
	BlockRate       float64
	CurrentRate     float64
}

// AccountLimiters hands out one rate limiter per account.
type AccountLimiters struct {
	limiters      map[int64]*RateLimiter
	defaultConfig *RateLimiterConfig
	mu            sync.RWMutex
}

// NewAccountLimiters creates per-account rate limiters sharing a config.
func NewAccountLimiters(defaultConfig *RateLimiterConfig) *AccountLimiters {
	if defaultConfig == nil {
		defaultConfig = DefaultRateLimiterConfig()
	}

	return &AccountLimiters{
		limiters:      make(map[int64]*RateLimiter),
		defaultConfig: defaultConfig,
	}
}

// Get returns the limiter of an account.
func (a *AccountLimiters) Get(accountID int64) *RateLimiter {
	a.mu.RLock()
	limiter, exists := a.limiters[accountID]
	a.mu.RUnlock()

	if exists {
		return limiter
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if limiter, exists := a.limiters[accountID]; exists {
		return limiter
	}

	limiter = NewRateLimiter(a.defaultConfig)
	a.limiters[accountID] = limiter
	return limiter
}

// Remove drops the limiter of an account.
func (a *AccountLimiters) Remove(accountID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.limiters, accountID)
}

// Metrics returns the metrics of every account seen so far.
func (a *AccountLimiters) Metrics() map[int64]RateLimiterMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[int64]RateLimiterMetrics, len(a.limiters))
	for id, l := range a.limiters {
		out[id] = l.GetMetrics()
	}
	return out
}
