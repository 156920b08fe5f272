package certs

import (
	"errors"
	"sync"
	"time"

	"github.com/hostbound/ingrid/gologger"
	"github.com/hostbound/ingrid/internal"
)

var (
	// ErrCacheIntegrity is returned when an entry's recomputed content hash
	// does not match the key it was inserted under. The entry is rejected
	// and no existing entry is touched.
	ErrCacheIntegrity = errors.New("certificate hash does not match cache key")

	logger = gologger.NewLogger()
)

type (
	certEntry struct {
		cert      *Certificate
		expiresAt time.Time
	}

	// SetHook runs after a certificate is newly cached. hash is the content
	// hash the certificate was stored under. Hooks run outside the cache
	// lock, fire-and-forget.
	SetHook func(hash string, cert *Certificate)

	// CertCache is the per-node certificate cache keyed by content hash,
	// with a derived latest index mapping domain to the cached hash with
	// the greatest expiration. Entries are stored by reference, never
	// cloned. Safe for concurrent use.
	CertCache struct {
		mu           sync.RWMutex
		entries      map[string]certEntry
		latest       map[string]string
		safetyMargin time.Duration
		hooks        []SetHook
		stopJanitor  chan struct{}
	}
)

// NewCertCache creates a cache with the given eviction safety margin and
// starts its janitor goroutine.
func NewCertCache(safetyMargin time.Duration) *CertCache {
	c := &CertCache{
		entries:      make(map[string]certEntry),
		latest:       make(map[string]string),
		safetyMargin: safetyMargin,
		stopJanitor:  make(chan struct{}),
	}
	go c.janitor()
	return c
}

// OnSet registers a hook invoked for every newly cached certificate.
// Must be called before the cache is shared between goroutines.
func (c *CertCache) OnSet(hook SetHook) {
	c.hooks = append(c.hooks, hook)
}

// Set verifies and caches a certificate under its content hash, updating the
// latest pointer for the domain when this certificate's expiration exceeds
// the current latest's. Returns (added, error): added is false when the hash
// is already cached (idempotent replication) or when the certificate is
// rejected.
func (c *CertCache) Set(hash string, cert *Certificate) (bool, error) {
	return c.set(hash, cert, true)
}

// SetReplicated caches a certificate received from a peer. Identical to Set
// except hooks do not fire: replicated entries are never re-broadcast, one
// hop only.
func (c *CertCache) SetReplicated(hash string, cert *Certificate) (bool, error) {
	return c.set(hash, cert, false)
}

func (c *CertCache) set(hash string, cert *Certificate, fireHooks bool) (bool, error) {
	if cert.Hash() != hash {
		internal.Metric_IntegrityRejections.Inc()
		logger.Error().Str("domain", cert.Domain).Str("hash", hash).Msg("rejecting certificate: content hash mismatch")
		return false, ErrCacheIntegrity
	}

	ttl := cert.CacheTTL(c.safetyMargin)
	if ttl <= 0 {
		// Not worth caching, it would be immediately evicted.
		return false, nil
	}

	c.mu.Lock()
	if _, exists := c.entries[hash]; exists {
		c.mu.Unlock()
		return false, nil
	}
	c.entries[hash] = certEntry{cert: cert, expiresAt: time.Now().Add(ttl)}

	// Latest pointer update happens in the same critical section as the
	// insert so a reader can never observe a pointer to an absent entry.
	currentHash, ok := c.latest[cert.Domain]
	if !ok {
		c.latest[cert.Domain] = hash
	} else if current, held := c.entries[currentHash]; !held || cert.Expiration.After(current.cert.Expiration) {
		c.latest[cert.Domain] = hash
	}
	c.mu.Unlock()

	if fireHooks {
		for _, hook := range c.hooks {
			go hook(hash, cert)
		}
	}
	return true, nil
}

// Get returns the certificate cached under hash, if present and unexpired.
func (c *CertCache) Get(hash string) (*Certificate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[hash]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.cert, true
}

// Latest returns the current certificate for a domain: the cached entry with
// the greatest expiration. Never returns an expired or evicted certificate.
func (c *CertCache) Latest(domain string) (*Certificate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hash, ok := c.latest[domain]
	if !ok {
		return nil, false
	}
	entry, ok := c.entries[hash]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.cert, true
}

// Has reports whether the hash is cached and unexpired.
func (c *CertCache) Has(hash string) bool {
	_, ok := c.Get(hash)
	return ok
}

// Hashes returns the content hashes of every live entry, for the peer
// replication list endpoint.
func (c *CertCache) Hashes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	out := make([]string, 0, len(c.entries))
	for hash, entry := range c.entries {
		if now.After(entry.expiresAt) {
			continue
		}
		out = append(out, hash)
	}
	return out
}

// All returns every live entry keyed by hash, for bulk resync.
func (c *CertCache) All() map[string]*Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	out := make(map[string]*Certificate, len(c.entries))
	for hash, entry := range c.entries {
		if now.After(entry.expiresAt) {
			continue
		}
		out[hash] = entry.cert
	}
	return out
}

// PurgeExpired removes every entry whose certificate is past its real
// expiration, regardless of cache TTL. Defensive cleanup for state
// re-hydrated after a cold restart. Returns the number removed.
func (c *CertCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for hash, entry := range c.entries {
		if entry.cert.Expired() {
			c.removeLocked(hash, entry)
			removed++
		}
	}
	return removed
}

// Close stops the janitor goroutine.
func (c *CertCache) Close() {
	close(c.stopJanitor)
}

func (c *CertCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopJanitor:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *CertCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for hash, entry := range c.entries {
		if now.After(entry.expiresAt) {
			c.removeLocked(hash, entry)
		}
	}
}

// removeLocked deletes an entry and repairs the latest pointer for its
// domain, promoting the surviving entry with the greatest expiration.
func (c *CertCache) removeLocked(hash string, entry certEntry) {
	delete(c.entries, hash)
	if c.latest[entry.cert.Domain] != hash {
		return
	}
	delete(c.latest, entry.cert.Domain)
	var bestHash string
	var best *Certificate
	for h, e := range c.entries {
		if e.cert.Domain != entry.cert.Domain {
			continue
		}
		if best == nil || e.cert.Expiration.After(best.Expiration) {
			best, bestHash = e.cert, h
		}
	}
	if best != nil {
		c.latest[entry.cert.Domain] = bestHash
	}
}
