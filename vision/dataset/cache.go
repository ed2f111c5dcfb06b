package dataset

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-meanteacher/vision/preprocessing"
)

// SampleCache is an LRU cache of decoded samples keyed by sample index.
type SampleCache struct {
	mu      sync.Mutex
	items   map[int]*list.Element
	lru     *list.List
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key    int
	sample *preprocessing.Sample
}

// NewSampleCache creates a cache holding at most maxSize samples. A
// non-positive maxSize disables caching.
func NewSampleCache(maxSize int) *SampleCache {
	return &SampleCache{
		items:   make(map[int]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves a sample from the cache
func (c *SampleCache) Get(key int) (*preprocessing.Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).sample, true
	}
	c.misses++
	return nil, false
}

// Put adds a sample, evicting the least recently used ones over capacity.
func (c *SampleCache) Put(key int, sample *preprocessing.Sample) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		return
	}
	c.items[key] = c.lru.PushFront(&cacheEntry{key: key, sample: sample})

	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// Stats returns cache statistics
func (c *SampleCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Size: c.lru.Len(), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
