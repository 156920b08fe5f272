package certs

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type (
	// Certificate is an issued credential for a single domain. Body holds
	// the PEM certificate chain exactly as downloaded from the CA.
	Certificate struct {
		Domain     string    `json:"domain"`
		Body       []byte    `json:"body"`
		Expiration time.Time `json:"expiration"`
	}

	// Challenge is a pending ACME validation artifact: the token the CA
	// probes for and the key authorization we must answer with.
	Challenge struct {
		Token    string `json:"token"`
		Response string `json:"response"`
	}
)

// Hash returns the deterministic content digest of the certificate, used as
// the cache key and the replication dedup key. Any change to the body, the
// domain, or the expiration produces a different hash.
func (c *Certificate) Hash() string {
	h := sha256.New()
	h.Write([]byte(c.Domain))
	h.Write([]byte{0})
	h.Write([]byte(c.Expiration.UTC().Format(time.RFC3339)))
	h.Write([]byte{0})
	h.Write(c.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// CacheTTL returns how long the certificate may live in cache: its remaining
// lifetime minus the safety margin, so the entry evicts itself slightly
// before real expiry and forces re-resolution.
func (c *Certificate) CacheTTL(safetyMargin time.Duration) time.Duration {
	return time.Until(c.Expiration) - safetyMargin
}

// Expired reports whether the certificate is past its expiration and must
// not be served.
func (c *Certificate) Expired() bool {
	return !time.Now().Before(c.Expiration)
}
