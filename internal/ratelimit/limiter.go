// Package ratelimit provides per-user, per-route admission control for the
// message pump and outbound provider calls.
package ratelimit

import (
	"sync"
	"time"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/observability"
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the caller should wait before retrying. Zero
	// when Allowed.
	RetryAfter time.Duration
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastSeen   time.Time
}

func newBucket(cfg config.RateBucketConfig, multiplier float64) *bucket {
	capacity := cfg.Capacity * multiplier
	if capacity < 1 {
		capacity = 1
	}
	now := time.Now()
	return &bucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: cfg.RefillPerMinute * multiplier / 60.0,
		lastRefill: now,
		lastSeen:   now,
	}
}

// take consumes cost tokens if available and reports the wait time otherwise.
func (b *bucket) take(cost float64) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.lastSeen = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}

	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}
	if b.refillRate <= 0 {
		return false, time.Minute
	}
	needed := cost - b.tokens
	return false, time.Duration(needed / b.refillRate * float64(time.Second))
}

func (b *bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastSeen)
}

// Limiter admits requests per (key, route) with token buckets. Decisions for
// the same key are serialized by the bucket's lock; distinct keys proceed in
// parallel.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	cfg       config.RateLimitConfig
	admins    map[string]struct{}
	whitelist map[string]struct{}

	metrics *observability.Metrics
	stop    chan struct{}
	once    sync.Once
}

// NewLimiter creates a Limiter from config and starts the idle sweep.
func NewLimiter(cfg config.RateLimitConfig, metrics *observability.Metrics) *Limiter {
	l := &Limiter{
		buckets:   make(map[string]*bucket),
		cfg:       cfg,
		admins:    make(map[string]struct{}, len(cfg.Admins)),
		whitelist: make(map[string]struct{}, len(cfg.Whitelist)),
		metrics:   metrics,
		stop:      make(chan struct{}),
	}
	for _, a := range cfg.Admins {
		l.admins[a] = struct{}{}
	}
	for _, w := range cfg.Whitelist {
		l.whitelist[w] = struct{}{}
	}
	go l.sweep()
	return l
}

// Admit checks whether key may proceed on route at the given cost. Admins and
// whitelisted sources bypass the bucket entirely.
func (l *Limiter) Admit(key, route string, cost float64) Decision {
	if cost <= 0 {
		cost = 1
	}
	if _, ok := l.admins[key]; ok {
		l.observe(route, "bypass")
		return Decision{Allowed: true}
	}
	if _, ok := l.whitelist[key]; ok {
		l.observe(route, "bypass")
		return Decision{Allowed: true}
	}

	b := l.bucketFor(key, route)
	allowed, wait := b.take(cost)
	if allowed {
		l.observe(route, "allowed")
		return Decision{Allowed: true}
	}
	l.observe(route, "blocked")
	return Decision{Allowed: false, RetryAfter: wait}
}

// Reset discards the bucket for a (key, route), restoring a full allowance.
func (l *Limiter) Reset(key, route string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key+":"+route)
}

// Close stops the idle sweep.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) bucketFor(key, route string) *bucket {
	ck := key + ":" + route

	l.mu.RLock()
	b, ok := l.buckets[ck]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[ck]; ok {
		return b
	}

	bcfg := l.cfg.Default
	if rc, ok := l.cfg.Routes[route]; ok {
		bcfg = rc
	}
	multiplier := 1.0
	if m, ok := l.cfg.Multipliers[key]; ok && m > 0 {
		multiplier = m
	}
	b = newBucket(bcfg, multiplier)
	l.buckets[ck] = b
	return b
}

func (l *Limiter) sweep() {
	interval := l.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	idleAfter := l.cfg.IdleAfter
	if idleAfter <= 0 {
		idleAfter = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.idleSince(now) > idleAfter {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *Limiter) observe(route, decision string) {
	if l.metrics != nil {
		l.metrics.RateLimitDecisions.WithLabelValues(route, decision).Inc()
	}
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
