// Package cache implements the tenant-isolated response cache: per-tenant
// LRU storage behind segmented locks, rule-driven invalidation fed by the
// event bus, and a predictive warmer.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	sgerrors "github.com/adcraft-io/sheetgate/pkg/errors"
	"github.com/adcraft-io/sheetgate/pkg/events"
	"github.com/adcraft-io/sheetgate/pkg/models"
	"github.com/adcraft-io/sheetgate/pkg/observability"
)

const numSegments = 16

// Config tunes the tenant cache
type Config struct {
	// MaxSize bounds the total number of entries across all tenants.
	MaxSize int
	// ReadTTL applies to ordinary read results.
	ReadTTL time.Duration
	// WriteTTL applies to entries cached shortly after a tenant write, when
	// remote state is still settling.
	WriteTTL time.Duration
	// ConfigTTL applies to configuration-derived entries.
	ConfigTTL time.Duration
	// FairnessSlack scales the per-tenant soft cap above the even share.
	FairnessSlack float64
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxSize:       10000,
		ReadTTL:       60 * time.Second,
		WriteTTL:      10 * time.Second,
		ConfigTTL:     300 * time.Second,
		FairnessSlack: 1.5,
	}
}

type entry struct {
	data      []byte
	tags      []string
	expiresAt time.Time
}

type tenantCache struct {
	lru  *lru.Cache[string, *entry]
	tags map[string]map[string]struct{} // tag -> keys carrying it

	bytes       int64
	hits        int64
	misses      int64
	lastWriteAt time.Time
}

type segment struct {
	mu      sync.Mutex
	tenants map[string]*tenantCache
}

// Cache is the tenant-isolated response cache. Tenants can never observe or
// evict each other's entries beyond the global size budget.
type Cache struct {
	cfg     Config
	logger  observability.Logger
	metrics observability.MetricsClient

	segments [numSegments]*segment

	entries     int64
	bytes       int64
	hits        int64
	misses      int64
	evictions   int64
	tenantCount int64
}

// New creates a tenant cache
func New(cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Cache {
	if logger == nil {
		logger = observability.NewLogger("cache")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	c := &Cache{cfg: cfg, logger: logger, metrics: metrics}
	for i := range c.segments {
		c.segments[i] = &segment{tenants: make(map[string]*tenantCache)}
	}
	return c
}

// Bind subscribes the cache to the event bus. Invalidation runs on the
// publisher's goroutine, so a write's blast radius is cleared before the
// write's future resolves.
func (c *Cache) Bind(bus *events.Bus) {
	invalidate := func(ctx context.Context, evt events.Event) error {
		c.noteWrite(evt.TenantID)
		c.InvalidateTags(evt.TenantID, tagsFor(evt))
		return nil
	}
	bus.Subscribe(events.EventSheetWrite, invalidate)
	bus.Subscribe(events.EventRowAdd, invalidate)
	bus.Subscribe(events.EventRowUpdate, invalidate)
	bus.Subscribe(events.EventRowDelete, invalidate)
	bus.Subscribe(events.EventConfigUpdate, func(ctx context.Context, evt events.Event) error {
		c.InvalidateTags(evt.TenantID, tagsFor(evt))
		return nil
	})
	bus.Subscribe(events.EventTenantRemove, func(ctx context.Context, evt events.Event) error {
		c.InvalidateTenant(evt.TenantID)
		return nil
	})
}

func (c *Cache) segmentOf(tenantID string) *segment {
	return c.segments[segmentFor(tenantID, numSegments)]
}

// tenantFor returns the tenant's cache, creating it when create is set.
// Caller holds the segment lock.
func (c *Cache) tenantFor(seg *segment, tenantID string, create bool) *tenantCache {
	tc, ok := seg.tenants[tenantID]
	if ok || !create {
		return tc
	}
	tc = &tenantCache{tags: make(map[string]map[string]struct{})}
	store, err := lru.NewWithEvict[string, *entry](c.cfg.MaxSize, func(key string, e *entry) {
		// Fires under the segment lock for every removal path.
		for _, tag := range e.tags {
			if set, ok := tc.tags[tag]; ok {
				delete(set, key)
				if len(set) == 0 {
					delete(tc.tags, tag)
				}
			}
		}
		tc.bytes -= int64(len(e.data))
		atomic.AddInt64(&c.entries, -1)
		atomic.AddInt64(&c.bytes, -int64(len(e.data)))
	})
	if err != nil {
		// Only reachable with a non-positive MaxSize.
		panic(err)
	}
	tc.lru = store
	seg.tenants[tenantID] = tc
	atomic.AddInt64(&c.tenantCount, 1)
	return tc
}

// Get loads a cached value into out. The second return is false on a miss
// or an expired entry.
func (c *Cache) Get(tenantID string, key Key, out interface{}) (bool, error) {
	seg := c.segmentOf(tenantID)
	k := key.hash()

	seg.mu.Lock()
	tc := c.tenantFor(seg, tenantID, false)
	if tc == nil {
		seg.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		c.metrics.RecordCacheOperation("get", false, 0)
		return false, nil
	}
	e, ok := tc.lru.Get(k)
	if ok && time.Now().After(e.expiresAt) {
		tc.lru.Remove(k)
		ok = false
	}
	if !ok {
		tc.misses++
		seg.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		c.metrics.RecordCacheOperation("get", false, 0)
		return false, nil
	}
	tc.hits++
	data := e.data
	seg.mu.Unlock()

	atomic.AddInt64(&c.hits, 1)
	c.metrics.RecordCacheOperation("get", true, 0)
	if err := json.Unmarshal(data, out); err != nil {
		return false, sgerrors.Wrap(sgerrors.CodeInvariant, "corrupt cache entry", err)
	}
	return true, nil
}

// Put stores a value under the tenant's namespace with the given
// invalidation tags. A zero ttl selects the category default; values cached
// shortly after a tenant write get the short write TTL.
func (c *Cache) Put(tenantID string, key Key, value interface{}, tags []string, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return sgerrors.Wrap(sgerrors.CodeInvariant, "unencodable cache value", err)
	}
	k := key.hash()

	seg := c.segmentOf(tenantID)
	seg.mu.Lock()
	tc := c.tenantFor(seg, tenantID, true)

	if ttl == 0 {
		ttl = c.ttlFor(tc, key.Category)
	}

	// Per-tenant fairness: a hot tenant may exceed its even share only by
	// the slack factor, evicting its own LRU entries past that.
	softCap := c.tenantCap()
	for tc.lru.Len() >= softCap {
		if _, _, ok := tc.lru.RemoveOldest(); !ok {
			break
		}
		atomic.AddInt64(&c.evictions, 1)
	}

	if tc.lru.Contains(k) {
		tc.lru.Remove(k) // evict callback reconciles tags and sizes
	}
	e := &entry{data: data, tags: tags, expiresAt: time.Now().Add(ttl)}
	tc.lru.Add(k, e)
	for _, tag := range tags {
		set, ok := tc.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			tc.tags[tag] = set
		}
		set[k] = struct{}{}
	}
	tc.bytes += int64(len(data))
	seg.mu.Unlock()

	atomic.AddInt64(&c.entries, 1)
	atomic.AddInt64(&c.bytes, int64(len(data)))
	c.metrics.RecordCacheOperation("put", true, 0)

	if int(atomic.LoadInt64(&c.entries)) > c.cfg.MaxSize {
		c.shaveLargest()
	}
	return nil
}

func (c *Cache) ttlFor(tc *tenantCache, category string) time.Duration {
	if category == CategoryConfig {
		return c.cfg.ConfigTTL
	}
	if time.Since(tc.lastWriteAt) < c.cfg.WriteTTL {
		return c.cfg.WriteTTL
	}
	return c.cfg.ReadTTL
}

// tenantCap is the per-tenant soft entry cap given how many tenants
// currently hold entries
func (c *Cache) tenantCap() int {
	tenants := atomic.LoadInt64(&c.tenantCount)
	if tenants < 1 {
		tenants = 1
	}
	softCap := int(float64(c.cfg.MaxSize) / float64(tenants) * c.cfg.FairnessSlack)
	if softCap < 1 {
		softCap = 1
	}
	return softCap
}

// shaveLargest evicts one LRU entry from the tenant holding the most
// entries, bringing the global budget back in line without starving small
// tenants
func (c *Cache) shaveLargest() {
	for int(atomic.LoadInt64(&c.entries)) > c.cfg.MaxSize {
		var victimSeg *segment
		var victimID string
		most := 0
		for _, seg := range c.segments {
			seg.mu.Lock()
			for id, tc := range seg.tenants {
				if n := tc.lru.Len(); n > most {
					most = n
					victimSeg = seg
					victimID = id
				}
			}
			seg.mu.Unlock()
		}
		if victimSeg == nil {
			return
		}
		victimSeg.mu.Lock()
		if tc, ok := victimSeg.tenants[victimID]; ok {
			tc.lru.RemoveOldest()
			atomic.AddInt64(&c.evictions, 1)
		}
		victimSeg.mu.Unlock()
	}
}

func (c *Cache) noteWrite(tenantID string) {
	seg := c.segmentOf(tenantID)
	seg.mu.Lock()
	tc := c.tenantFor(seg, tenantID, true)
	tc.lastWriteAt = time.Now()
	seg.mu.Unlock()
}

// InvalidateTags removes every entry of the tenant carrying any of the tags
func (c *Cache) InvalidateTags(tenantID string, tags []string) int {
	if len(tags) == 0 {
		return 0
	}
	seg := c.segmentOf(tenantID)

	seg.mu.Lock()
	tc := c.tenantFor(seg, tenantID, false)
	if tc == nil {
		seg.mu.Unlock()
		return 0
	}
	var keys []string
	for _, tag := range tags {
		for k := range tc.tags[tag] {
			keys = append(keys, k)
		}
	}
	removed := 0
	for _, k := range keys {
		if tc.lru.Remove(k) {
			removed++
		}
	}
	seg.mu.Unlock()

	if removed > 0 {
		c.metrics.IncrementCounterWithLabels("cache.invalidated", float64(removed), map[string]string{"tenant_id": tenantID})
	}
	return removed
}

// InvalidateTenant drops every entry the tenant has
func (c *Cache) InvalidateTenant(tenantID string) {
	seg := c.segmentOf(tenantID)
	seg.mu.Lock()
	tc := c.tenantFor(seg, tenantID, false)
	if tc != nil {
		tc.lru.Purge() // evict callback reconciles counters per entry
		delete(seg.tenants, tenantID)
		atomic.AddInt64(&c.tenantCount, -1)
	}
	seg.mu.Unlock()
}

// Stats returns the cache counter snapshot
func (c *Cache) Stats() models.CacheStats {
	stats := models.CacheStats{
		Entries:  atomic.LoadInt64(&c.entries),
		Size:     atomic.LoadInt64(&c.bytes),
		ByTenant: make(map[string]models.TenantCacheStats),
	}
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses)
	}

	for _, seg := range c.segments {
		seg.mu.Lock()
		for id, tc := range seg.tenants {
			stats.ByTenant[id] = models.TenantCacheStats{
				Entries: int64(tc.lru.Len()),
				Bytes:   tc.bytes,
				Hits:    tc.hits,
				Misses:  tc.misses,
			}
		}
		seg.mu.Unlock()
	}
	return stats
}

// TenantStats returns one tenant's cache snapshot
func (c *Cache) TenantStats(tenantID string) models.TenantCacheStats {
	seg := c.segmentOf(tenantID)
	seg.mu.Lock()
	defer seg.mu.Unlock()
	tc := c.tenantFor(seg, tenantID, false)
	if tc == nil {
		return models.TenantCacheStats{}
	}
	return models.TenantCacheStats{
		Entries: int64(tc.lru.Len()),
		Bytes:   tc.bytes,
		Hits:    tc.hits,
		Misses:  tc.misses,
	}
}
