package interp

import "sync"

type cacheKey struct {
	speaker    string
	resolution int
}

// Cache memoises interpolated fields until the point set changes
type Cache struct {
	ip *Interpolator

	mu          sync.Mutex
	fingerprint uint64
	fields      map[cacheKey]Grid
	hits        int64
	misses      int64
}

// NewCache creates a field cache backed by ip
func NewCache(ip *Interpolator) *Cache {
	return &Cache{
		ip:     ip,
		fields: make(map[cacheKey]Grid),
	}
}

// Field returns the field for speakerID over points, recomputing only when
// the point set differs from the previous call
func (c *Cache) Field(points []Point, speakerID string, resolution int) Grid {
	fp := Fingerprint(points)
	key := cacheKey{speakerID, resolution}

	c.mu.Lock()
	defer c.mu.Unlock()

	if fp != c.fingerprint {
		c.fingerprint = fp
		clear(c.fields)
	}

	if g, ok := c.fields[key]; ok {
		c.hits++
		return g
	}

	c.misses++
	g := c.ip.Interpolate(FilterBySpeaker(points, speakerID), resolution)
	c.fields[key] = g
	return g
}

// CacheStats contains cache counters
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Stats returns cache counters
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Entries: len(c.fields),
		Hits:    c.hits,
		Misses:  c.misses,
	}
}
