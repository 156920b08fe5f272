package http_server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hostbound/ingrid/internal"
	"golang.org/x/crypto/bcrypt"
)

type (
	// authenticator checks basic-auth credentials against a virtual host's
	// configured "user:bcryptHash" pair. bcrypt comparison is expensive on
	// purpose, so successful checks are memoized and failed attempts are
	// rate limited per client.
	authenticator struct {
		mu       sync.Mutex
		memoized map[string]time.Time

		limiter *rateLimiter
	}

	// rateLimiter is a fixed-window counter of failed attempts per client.
	rateLimiter struct {
		mu      sync.Mutex
		limit   int64
		window  time.Duration
		strikes map[string]*windowCount
	}

	windowCount struct {
		count   int64
		started time.Time
	}
)

func newAuthenticator() *authenticator {
	return &authenticator{
		memoized: make(map[string]time.Time),
		limiter: &rateLimiter{
			limit:   Env_AuthRateLimit,
			window:  time.Second * time.Duration(Env_AuthRateWindowSec),
			strikes: make(map[string]*windowCount),
		},
	}
}

// check validates the request's credentials against the configured value.
// Returns the HTTP status to answer with: 0 means authenticated, 401 asks
// for (or rejects) credentials, 429 means the client burned its attempts.
// The 429 wins even when the submitted credentials are correct, so a
// brute-forcer learns nothing once limited.
func (a *authenticator) check(r *http.Request, configured string) int {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return http.StatusUnauthorized
	}

	client := clientKey(r)
	if a.limiter.limited(client) {
		internal.Metric_AuthRateLimited.Inc()
		return http.StatusTooManyRequests
	}

	expectedUser, expectedHash, ok := parseConfiguredAuth(configured)
	if !ok {
		logger.Error().Str("fqdn", hostWithoutPort(r.Host)).Msg("virtual host has malformed authentication value")
		return http.StatusUnauthorized
	}

	if a.matches(user, pass, expectedUser, expectedHash) {
		return 0
	}
	a.limiter.strike(client)
	return http.StatusUnauthorized
}

func (a *authenticator) matches(user, pass, expectedUser, expectedHash string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(expectedUser)) == 1

	key := memoKey(user, pass, expectedHash)
	a.mu.Lock()
	until, seen := a.memoized[key]
	a.mu.Unlock()
	if seen && time.Now().Before(until) {
		return userOK
	}

	if bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(pass)) != nil {
		return false
	}
	a.mu.Lock()
	a.memoized[key] = time.Now().Add(authMemoizeTTL)
	a.mu.Unlock()
	return userOK
}

// parseConfiguredAuth accepts the stored authentication value either raw
// ("user:bcryptHash") or base64-encoded.
func parseConfiguredAuth(configured string) (user, hash string, ok bool) {
	value := configured
	if decoded, err := base64.StdEncoding.DecodeString(configured); err == nil && strings.Contains(string(decoded), ":") {
		value = string(decoded)
	}
	user, hash, found := strings.Cut(value, ":")
	if !found || user == "" || hash == "" {
		return "", "", false
	}
	return user, hash, true
}

func memoKey(user, pass, expectedHash string) string {
	sum := sha256.Sum256([]byte(user + "\x00" + pass + "\x00" + expectedHash))
	return string(sum[:])
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *rateLimiter) limited(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	wc, ok := l.strikes[client]
	if !ok {
		return false
	}
	if time.Since(wc.started) > l.window {
		delete(l.strikes, client)
		return false
	}
	return wc.count >= l.limit
}

func (l *rateLimiter) strike(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wc, ok := l.strikes[client]
	if !ok || time.Since(wc.started) > l.window {
		l.strikes[client] = &windowCount{count: 1, started: time.Now()}
		return
	}
	wc.count++
}
