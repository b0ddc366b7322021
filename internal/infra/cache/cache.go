package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpbridge/internal/domain"
	"mcpbridge/internal/infra/telemetry"
)

const shardCount = 16

// Cache is a TTL-bounded, size-bounded response cache. Entries are
// sharded by key so unrelated lookups never serialize on one lock; within
// a shard the least-recently-accessed entry is evicted first when the
// shard reaches its share of the maximum entry count.
type Cache struct {
	logger  *zap.Logger
	metrics domain.Metrics
	health  *telemetry.HealthTracker
	now     func() time.Time

	maxPerShard int
	shards      [shardCount]*shard

	mu          sync.Mutex
	cleanTicker *time.Ticker
	stopClean   chan struct{}
	cleanBeat   *telemetry.Heartbeat
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type Options struct {
	MaxEntries int
	Logger     *zap.Logger
	Metrics    domain.Metrics
	Health     *telemetry.HealthTracker
	// Now overrides the clock for tests.
	Now func() time.Time
}

func New(opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = domain.DefaultCacheMaxEntries
	}
	maxPerShard := maxEntries / shardCount
	if maxPerShard < 1 {
		maxPerShard = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		logger:      logger.Named("cache"),
		metrics:     opts.Metrics,
		health:      opts.Health,
		now:         now,
		maxPerShard: maxPerShard,
		stopClean:   make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries: make(map[string]*list.Element),
			order:   list.New(),
		}
	}
	return c
}

// Key derives a deterministic cache key from the call target and its
// normalized arguments. Arguments are decoded and re-encoded so that
// semantically identical argument sets hash identically regardless of
// their original key order or formatting.
func Key(serverID, toolName string, args json.RawMessage) (string, error) {
	normalized := []byte("null")
	if len(args) > 0 {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return "", fmt.Errorf("normalize arguments: %w", err)
		}
		encoded, err := json.Marshal(decoded)
		if err != nil {
			return "", fmt.Errorf("normalize arguments: %w", err)
		}
		normalized = encoded
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%s", serverID, toolName, normalized))
	return hex.EncodeToString(sum[:]), nil
}

// Get returns the cached value for key when present and unexpired.
// Expired entries are dropped on access.
func (c *Cache) Get(key string) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	element, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		c.observeLookup(false)
		return nil, false
	}
	cached := element.Value.(*entry)
	if c.now().After(cached.expiresAt) {
		s.order.Remove(element)
		delete(s.entries, key)
		s.mu.Unlock()
		c.observeLookup(false)
		return nil, false
	}
	s.order.MoveToFront(element)
	value := cached.value
	s.mu.Unlock()
	c.observeLookup(true)
	return value, true
}

// Put stores value under key for ttl, evicting the least-recently-accessed
// entry when the shard is full.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s := c.shardFor(key)
	s.mu.Lock()
	if element, ok := s.entries[key]; ok {
		cached := element.Value.(*entry)
		cached.value = value
		cached.expiresAt = c.now().Add(ttl)
		s.order.MoveToFront(element)
		s.mu.Unlock()
		return
	}
	if s.order.Len() >= c.maxPerShard {
		oldest := s.order.Back()
		if oldest != nil {
			evicted := oldest.Value.(*entry)
			s.order.Remove(oldest)
			delete(s.entries, evicted.key)
		}
	}
	s.entries[key] = s.order.PushFront(&entry{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(ttl),
	})
	s.mu.Unlock()
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	if element, ok := s.entries[key]; ok {
		s.order.Remove(element)
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// Len returns the total number of entries across shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.order.Len()
		s.mu.Unlock()
	}
	return total
}

// StartCleaner begins periodic eviction of expired entries.
func (c *Cache) StartCleaner(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	c.mu.Lock()
	if c.cleanTicker != nil {
		c.mu.Unlock()
		return
	}
	c.cleanTicker = time.NewTicker(interval)
	c.stopClean = make(chan struct{})
	stop := c.stopClean
	ticker := c.cleanTicker
	c.mu.Unlock()

	if c.health != nil {
		c.cleanBeat = c.health.Register("cache_cleaner", interval*3)
	}
	go func() {
		for {
			select {
			case <-ticker.C:
				if c.cleanBeat != nil {
					c.cleanBeat.Beat()
				}
				c.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}

// StopCleaner ends periodic cleanup.
func (c *Cache) StopCleaner() {
	c.mu.Lock()
	if c.cleanTicker == nil {
		c.mu.Unlock()
		return
	}
	c.cleanTicker.Stop()
	c.cleanTicker = nil
	close(c.stopClean)
	if c.cleanBeat != nil {
		c.cleanBeat.Stop()
		c.cleanBeat = nil
	}
	c.mu.Unlock()
}

// Cleanup removes every expired entry.
func (c *Cache) Cleanup() {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, element := range s.entries {
			if now.After(element.Value.(*entry).expiresAt) {
				s.order.Remove(element)
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		c.logger.Debug("expired cache entries removed", zap.Int("count", removed))
	}
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

func (c *Cache) observeLookup(hit bool) {
	if c.metrics != nil {
		c.metrics.ObserveCacheLookup(hit)
	}
}
