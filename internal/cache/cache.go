// Package cache implements the two-tier response cache for LLM completions:
// a bounded in-process LRU in front of an optional shared Redis tier.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratumlabs/stratum/internal/observability"
	"github.com/stratumlabs/stratum/pkg/models"
)

// remoteTimeout bounds every L2 operation so a slow Redis cannot stall the
// request path.
const remoteTimeout = 250 * time.Millisecond

// Remote is the shared L2 tier. Implementations must be safe for concurrent
// use.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Options configures a Cache.
type Options struct {
	// MaxEntries bounds the L1 entry count.
	MaxEntries int
	// MaxBytes bounds the estimated L1 payload size.
	MaxBytes int64
	// TTL is the lifetime of an entry in both tiers.
	TTL time.Duration
	// TemperatureThreshold is the highest temperature still eligible for
	// caching.
	TemperatureThreshold float64
	// Remote enables the L2 tier when non-nil.
	Remote Remote

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

type entry struct {
	key     string
	payload []byte
	expires time.Time
}

// Cache is the two-tier completion cache. Lookups and stores never return
// errors: every failure degrades to a miss and a warning so the caller always
// proceeds to the provider.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	bytes   int64
	opts    Options

	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a Cache with the given options.
func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1024
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 64 << 20
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Cacheable reports whether a request is eligible for the cache. Tool-bearing
// requests are never cached because the response depends on the current tool
// catalog.
func (c *Cache) Cacheable(req *models.CompletionRequest) bool {
	if req.SkipCache {
		return false
	}
	if len(req.Tools) > 0 {
		return false
	}
	return req.Temperature <= c.opts.TemperatureThreshold
}

// Lookup returns the cached response for a fingerprint, or nil on miss.
// An L2 hit backfills L1.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) *models.CompletionResponse {
	if payload := c.l1Get(fingerprint); payload != nil {
		if resp := c.decode(fingerprint, payload); resp != nil {
			c.observe("l1", "hit")
			return resp
		}
		// Corrupt L1 entry was evicted by decode; fall through to L2.
	}
	c.observe("l1", "miss")

	if c.opts.Remote == nil {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	payload, err := c.opts.Remote.Get(rctx, fingerprint)
	if err != nil {
		if err != redis.Nil {
			c.observe("l2", "error")
			c.logger.Warn(ctx, "cache remote read failed, degrading to miss", "error", err)
		} else {
			c.observe("l2", "miss")
		}
		return nil
	}
	resp := c.decode(fingerprint, payload)
	if resp == nil {
		c.observe("l2", "error")
		return nil
	}
	c.observe("l2", "hit")
	c.l1Set(fingerprint, payload)
	return resp
}

// Store writes a response to both tiers. The L2 write is fire-and-forget.
func (c *Cache) Store(ctx context.Context, fingerprint string, resp *models.CompletionResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn(ctx, "cache encode failed", "error", err)
		return
	}
	c.l1Set(fingerprint, payload)

	if c.opts.Remote == nil {
		return
	}
	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		defer cancel()
		if err := c.opts.Remote.Set(rctx, fingerprint, payload, c.opts.TTL); err != nil {
			c.logger.Warn(rctx, "cache remote write failed", "error", err)
		}
	}()
}

// Invalidate removes all entries whose fingerprint starts with prefix.
func (c *Cache) Invalidate(ctx context.Context, prefix string) {
	c.mu.Lock()
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(el)
		}
	}
	c.mu.Unlock()

	if c.opts.Remote != nil {
		rctx, cancel := context.WithTimeout(ctx, remoteTimeout)
		defer cancel()
		if err := c.opts.Remote.DeletePrefix(rctx, prefix); err != nil {
			c.logger.Warn(ctx, "cache remote invalidate failed", "error", err)
		}
	}
}

// Len returns the current L1 entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) decode(fingerprint string, payload []byte) *models.CompletionResponse {
	var resp models.CompletionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		// Corrupt payload: evict and report miss.
		c.mu.Lock()
		if el, ok := c.entries[fingerprint]; ok {
			c.removeLocked(el)
		}
		c.mu.Unlock()
		return nil
	}
	return &resp
}

func (c *Cache) l1Get(key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expires) {
		c.removeLocked(el)
		return nil
	}
	c.order.MoveToFront(el)
	return e.payload
}

func (c *Cache) l1Set(key string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}

	e := &entry{key: key, payload: payload, expires: time.Now().Add(c.opts.TTL)}
	c.entries[key] = c.order.PushFront(e)
	c.bytes += int64(len(payload))

	for (len(c.entries) > c.opts.MaxEntries || c.bytes > c.opts.MaxBytes) && c.order.Len() > 0 {
		c.removeLocked(c.order.Back())
	}
}

// removeLocked unlinks an element; callers hold c.mu.
func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.entries, e.key)
	c.order.Remove(el)
	c.bytes -= int64(len(e.payload))
}

func (c *Cache) observe(tier, result string) {
	if c.metrics != nil {
		c.metrics.CacheOps.WithLabelValues(tier, result).Inc()
	}
}

// RedisRemote implements Remote on a go-redis client.
type RedisRemote struct {
	client *redis.Client
}

// NewRedisRemote wraps a Redis client as the L2 tier.
func NewRedisRemote(client *redis.Client) *RedisRemote {
	return &RedisRemote{client: client}
}

func (r *RedisRemote) Get(ctx context.Context, key string) ([]byte, error) {
	return r.client.Get(ctx, key).Bytes()
}

func (r *RedisRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisRemote) DeletePrefix(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
