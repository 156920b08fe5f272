package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hostbound/ingrid/gologger"
	"github.com/hostbound/ingrid/vhost"
)

var logger = gologger.NewLogger()

// FeedVirtualHosts keeps a local routing cache synced with the services
// namespace until the context ends. Polling stands in for watch so every
// backend works. Records gone from the store are dropped from the cache.
func FeedVirtualHosts(ctx context.Context, s Store, cache *vhost.Cache, interval time.Duration) {
	Poll(ctx, s, PrefixServices, interval, func(snapshot map[string][]byte) {
		seen := make(map[string]bool, len(snapshot))
		for key, raw := range snapshot {
			var v vhost.VirtualHost
			if err := json.Unmarshal(raw, &v); err != nil {
				logger.Error().Err(err).Str("key", key).Msg("error unmarshalling virtual host record")
				continue
			}
			if err := cache.Set(&v); err != nil {
				logger.Error().Err(err).Str("key", key).Msg("rejecting virtual host record")
				continue
			}
			seen[v.Domain] = true
		}
		for _, domain := range cache.Domains() {
			if !seen[domain] {
				cache.Delete(domain)
			}
		}
	})
}
