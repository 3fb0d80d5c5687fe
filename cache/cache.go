// Package cache holds adapted invocation specs keyed by schema
// fingerprint so repeated extractions of the same shape skip the
// adaptation step. In-process LRU with TTL, plus an optional Redis
// level for reuse across processes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/schema"
)

// ErrMiss is returned when no level holds the key.
var ErrMiss = errors.New("cache miss")

// Config controls the cache levels.
type Config struct {
	LocalMaxSize int
	LocalTTL     time.Duration
	RedisTTL     time.Duration
	EnableLocal  bool
	EnableRedis  bool
}

// DefaultConfig enables the local level only.
func DefaultConfig() *Config {
	return &Config{
		LocalMaxSize: 1000,
		LocalTTL:     10 * time.Minute,
		RedisTTL:     time.Hour,
		EnableLocal:  true,
	}
}

// SpecCache is the multi-level invocation spec cache. Concurrent reads
// are safe; racing builds of the same spec are idempotent and last write
// wins, which is harmless because adaptation is deterministic.
type SpecCache struct {
	local  *lruCache
	redis  *redis.Client
	config *Config
	logger *zap.Logger
}

// New builds a SpecCache. rdb may be nil when Redis is disabled; a nil
// logger is replaced with a no-op one.
func New(rdb *redis.Client, config *Config, logger *zap.Logger) *SpecCache {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var local *lruCache
	if config.EnableLocal {
		local = newLRUCache(config.LocalMaxSize, config.LocalTTL)
	}

	return &SpecCache{
		local:  local,
		redis:  rdb,
		config: config,
		logger: logger,
	}
}

// Get looks a spec up by schema fingerprint, local level first.
func (c *SpecCache) Get(ctx context.Context, fingerprint string) (*schema.InvocationSpec, error) {
	if c.local != nil {
		if spec, ok := c.local.get(fingerprint); ok {
			c.logger.Debug("local cache hit", zap.String("fingerprint", fingerprint))
			return spec, nil
		}
	}

	if c.config.EnableRedis && c.redis != nil {
		data, err := c.redis.Get(ctx, redisKey(fingerprint)).Bytes()
		if err == nil {
			var spec schema.InvocationSpec
			if err := json.Unmarshal(data, &spec); err == nil {
				if c.local != nil {
					c.local.set(fingerprint, &spec)
				}
				c.logger.Debug("redis cache hit", zap.String("fingerprint", fingerprint))
				return &spec, nil
			}
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error", zap.Error(err))
		}
	}

	return nil, ErrMiss
}

// Set stores a spec in every enabled level.
func (c *SpecCache) Set(ctx context.Context, fingerprint string, spec *schema.InvocationSpec) error {
	if c.local != nil {
		c.local.set(fingerprint, spec)
	}

	if c.config.EnableRedis && c.redis != nil {
		data, err := json.Marshal(spec)
		if err != nil {
			return err
		}
		if err := c.redis.Set(ctx, redisKey(fingerprint), data, c.config.RedisTTL).Err(); err != nil {
			c.logger.Warn("redis set error", zap.Error(err))
			return err
		}
	}

	return nil
}

// Delete removes a spec from every level.
func (c *SpecCache) Delete(ctx context.Context, fingerprint string) error {
	if c.local != nil {
		c.local.delete(fingerprint)
	}
	if c.config.EnableRedis && c.redis != nil {
		if err := c.redis.Del(ctx, redisKey(fingerprint)).Err(); err != nil {
			return err
		}
	}
	return nil
}

// GetOrAdapt returns the cached spec for a schema, adapting and storing
// it on miss. Adaptation failures are not cached.
func (c *SpecCache) GetOrAdapt(ctx context.Context, s *schema.Schema, opts schema.AdaptOptions) (*schema.InvocationSpec, error) {
	fingerprint := s.Fingerprint()

	if spec, err := c.Get(ctx, fingerprint); err == nil {
		return spec, nil
	}

	spec, err := schema.Adapt(s, opts)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, fingerprint, spec); err != nil {
		c.logger.Warn("spec cache set failed", zap.Error(err))
	}
	return spec, nil
}

// Clear empties the local level. The Redis level expires via TTL.
func (c *SpecCache) Clear() {
	if c.local != nil {
		c.local.clear()
	}
}

func redisKey(fingerprint string) string {
	return "extractflow:spec:" + fingerprint
}

// lruCache is a doubly-linked LRU with per-entry TTL, O(1) on every
// operation.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*lruNode
	head     *lruNode // most recently used
	tail     *lruNode // least recently used
}

type lruNode struct {
	key       string
	spec      *schema.InvocationSpec
	expiresAt time.Time
	prev      *lruNode
	next      *lruNode
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruNode),
	}
}

func (c *lruCache) get(key string) (*schema.InvocationSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(node.expiresAt) {
		c.removeNode(node)
		delete(c.items, key)
		return nil, false
	}

	c.moveToHead(node)
	return node.spec, true
}

func (c *lruCache) set(key string, spec *schema.InvocationSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		node.spec = spec
		node.expiresAt = time.Now().Add(c.ttl)
		c.moveToHead(node)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictTail()
	}

	node := &lruNode{
		key:       key,
		spec:      spec,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.items[key] = node
	c.addToHead(node)
}

func (c *lruCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		c.removeNode(node)
		delete(c.items, key)
	}
}

func (c *lruCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*lruNode)
	c.head = nil
	c.tail = nil
}

func (c *lruCache) addToHead(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *lruCache) removeNode(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

func (c *lruCache) moveToHead(node *lruNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.items, c.tail.key)
	c.removeNode(c.tail)
}

func (c *lruCache) stats() (size, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), c.capacity
}
