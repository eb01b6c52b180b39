package mesh

// idCache remembers the last size envelope ids in arrival order.
type idCache struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newIDCache(size int) *idCache {
	return &idCache{
		ring: make([]string, size),
		set:  make(map[string]struct{}, size),
	}
}

// Add records id and reports false if it was already present.
func (c *idCache) Add(id string) bool {
	if _, ok := c.set[id]; ok {
		return false
	}
	if old := c.ring[c.next]; old != "" {
		delete(c.set, old)
	}
	c.ring[c.next] = id
	c.next = (c.next + 1) % len(c.ring)
	c.set[id] = struct{}{}
	return true
}
