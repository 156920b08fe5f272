package vhost

import "sync"

// Cache is the per-node virtual host cache keyed by domain. No TTL, explicit
// delete only. Set is idempotent: a record whose ServiceID differs from a
// previous owner of the same domain always wins.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*VirtualHost
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*VirtualHost)}
}

// Set validates and stores the record. Invalid records are rejected at the
// boundary, never stored.
func (c *Cache) Set(v *VirtualHost) error {
	if err := v.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[v.Domain] = v
	return nil
}

func (c *Cache) Get(domain string) (*VirtualHost, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[domain]
	return v, ok
}

func (c *Cache) Delete(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, domain)
}

// Domains returns every cached domain, for the renewal scheduler's scan.
func (c *Cache) Domains() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for domain := range c.entries {
		out = append(out, domain)
	}
	return out
}
