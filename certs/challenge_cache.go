package certs

import (
	"sync"
	"time"
)

type (
	challengeEntry struct {
		response  string
		expiresAt time.Time
	}

	// ChallengeCache maps ACME challenge tokens to their key authorization
	// responses. Entries carry a fixed TTL and have no set side effects.
	// Replicated to every node so any node can answer a validation probe.
	ChallengeCache struct {
		mu      sync.RWMutex
		entries map[string]challengeEntry
		ttl     time.Duration
	}
)

func NewChallengeCache(ttl time.Duration) *ChallengeCache {
	return &ChallengeCache{
		entries: make(map[string]challengeEntry),
		ttl:     ttl,
	}
}

func (c *ChallengeCache) Set(token, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Shed anything already past its TTL so abandoned challenges can't
	// accumulate.
	now := time.Now()
	for tok, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, tok)
		}
	}
	c.entries[token] = challengeEntry{response: response, expiresAt: now.Add(c.ttl)}
}

func (c *ChallengeCache) Get(token string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[token]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.response, true
}

func (c *ChallengeCache) Delete(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
}
