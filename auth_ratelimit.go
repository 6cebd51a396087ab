package main

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// AuthRateLimiter tracks failed hub authentication attempts (bad claim codes
// on connect or claim) and blocks repeat offenders per IP+hub pair.
type AuthRateLimiter struct {
	mu              sync.RWMutex
	attempts        map[string]*authAttemptRecord // key: IP+hubID
	maxAttempts     int
	blockDuration   time.Duration
	cleanupInterval time.Duration
	attemptsWindow  time.Duration
	stopCleanup     chan struct{}
}

// authAttemptRecord tracks authentication attempts from a specific IP+hub
type authAttemptRecord struct {
	firstAttempt    time.Time
	lastAttempt     time.Time
	failureCount    int
	blockedUntil    time.Time
	lastLoggedCount int // avoid log spam during sustained attacks
}

// NewAuthRateLimiter creates a new rate limiter with specified parameters
func NewAuthRateLimiter(maxAttempts int, blockDuration, attemptsWindow time.Duration) *AuthRateLimiter {
	rl := &AuthRateLimiter{
		attempts:        make(map[string]*authAttemptRecord),
		maxAttempts:     maxAttempts,
		blockDuration:   blockDuration,
		cleanupInterval: 1 * time.Minute,
		attemptsWindow:  attemptsWindow,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// RecordFailure records a failed authentication attempt.
// Returns (isBlocked, shouldLog, attemptCount)
func (rl *AuthRateLimiter) RecordFailure(ip, hubID string) (bool, bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := rl.makeKey(ip, hubID)
	now := time.Now()

	record, exists := rl.attempts[key]
	if !exists {
		record = &authAttemptRecord{
			firstAttempt: now,
			lastAttempt:  now,
			failureCount: 1,
		}
		rl.attempts[key] = record
		return false, true, 1
	}

	// Still blocked: count but only log every 10th attempt
	if now.Before(record.blockedUntil) {
		record.lastAttempt = now
		record.failureCount++
		shouldLog := record.failureCount%10 == 0
		return true, shouldLog, record.failureCount
	}

	// New time window resets the count
	if now.Sub(record.firstAttempt) > rl.attemptsWindow {
		record.firstAttempt = now
		record.lastAttempt = now
		record.failureCount = 1
		record.lastLoggedCount = 0
		return false, true, 1
	}

	record.lastAttempt = now
	record.failureCount++

	if record.failureCount >= rl.maxAttempts {
		record.blockedUntil = now.Add(rl.blockDuration)
		return true, true, record.failureCount
	}

	shouldLog := record.failureCount <= rl.maxAttempts ||
		(record.failureCount-record.lastLoggedCount >= 5)
	if shouldLog {
		record.lastLoggedCount = record.failureCount
	}

	return false, shouldLog, record.failureCount
}

// IsBlocked checks if an IP+hub is currently blocked
func (rl *AuthRateLimiter) IsBlocked(ip, hubID string) (bool, time.Time) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	record, exists := rl.attempts[rl.makeKey(ip, hubID)]
	if !exists {
		return false, time.Time{}
	}

	now := time.Now()
	if now.Before(record.blockedUntil) {
		return true, record.blockedUntil
	}

	return false, time.Time{}
}

// RecordSuccess records a successful authentication (clears failure record)
func (rl *AuthRateLimiter) RecordSuccess(ip, hubID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	delete(rl.attempts, rl.makeKey(ip, hubID))
}

func (rl *AuthRateLimiter) makeKey(ip, hubID string) string {
	return fmt.Sprintf("%s:%s", ip, hubID)
}

func (rl *AuthRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup removes records whose block expired and whose last attempt is old
func (rl *AuthRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, record := range rl.attempts {
		if (now.After(record.blockedUntil) && now.Sub(record.lastAttempt) > rl.attemptsWindow) ||
			now.Sub(record.lastAttempt) > rl.blockDuration*2 {
			delete(rl.attempts, key)
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *AuthRateLimiter) Stop() {
	close(rl.stopCleanup)
}

// GetStats returns statistics about current state
func (rl *AuthRateLimiter) GetStats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	blocked := 0
	now := time.Now()
	for _, record := range rl.attempts {
		if now.Before(record.blockedUntil) {
			blocked++
		}
	}

	return map[string]interface{}{
		"total_records":   len(rl.attempts),
		"blocked_clients": blocked,
	}
}

// extractIPFromAddr extracts IP address from remote address (removes port)
func extractIPFromAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
