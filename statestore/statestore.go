package statestore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrKeyNotFound = errors.New("key not found")
)

// Key namespaces. Virtual hosts are keyed by domain, certificates by domain
// (the value embeds the expiration), challenges by token.
const (
	PrefixServices     = "services/"
	PrefixCertificates = "certificates/"
	PrefixChallenges   = "challenges/"
)

// Store is the durable, replicated key/value store shared by the cluster.
// It is the cross-process source of truth; the local caches are best-effort
// accelerators in front of it. Implementations must be safe for concurrent
// use.
type Store interface {
	// Get returns the value at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes the value. ttl of 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// List returns every live key/value under the prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

func ServiceKey(domain string) string     { return PrefixServices + domain }
func CertificateKey(domain string) string { return PrefixCertificates + domain }
func ChallengeKey(token string) string    { return PrefixChallenges + token }

func DomainFromServiceKey(key string) string { return strings.TrimPrefix(key, PrefixServices) }

// Poll invokes fn with a fresh snapshot of the prefix at every interval
// until the context is cancelled. Change notification for backends without
// native watch.
func Poll(ctx context.Context, s Store, prefix string, interval time.Duration, fn func(map[string][]byte)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := s.List(ctx, prefix)
			if err != nil {
				continue
			}
			fn(snapshot)
		}
	}
}
