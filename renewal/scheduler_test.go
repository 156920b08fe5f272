package renewal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hostbound/ingrid/certs"
	"github.com/hostbound/ingrid/cluster"
	"github.com/hostbound/ingrid/statestore"
	"github.com/hostbound/ingrid/vhost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingIssuer struct {
	mu      sync.Mutex
	domains []string
}

func (r *recordingIssuer) Issue(ctx context.Context, domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains = append(r.domains, domain)
	return nil
}

func (r *recordingIssuer) issued() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.domains...)
}

type countingEnsurer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingEnsurer) EnsureAccount(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *countingEnsurer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func putVhost(t *testing.T, store statestore.Store, domain string) {
	t.Helper()
	err := statestore.PutVirtualHost(context.Background(), store, &vhost.VirtualHost{
		Domain:    domain,
		ServiceID: "svc-" + domain,
		Options:   vhost.Options{Target: "http://10.0.0.5:8080"},
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func cacheCert(t *testing.T, cache *certs.CertCache, domain string, expiresIn time.Duration) {
	t.Helper()
	cert := &certs.Certificate{
		Domain:     domain,
		Body:       []byte("-----BEGIN CERTIFICATE-----\nfake " + domain + "\n-----END CERTIFICATE-----\n"),
		Expiration: time.Now().Add(expiresIn).UTC().Truncate(time.Second),
	}
	added, err := cache.Set(cert.Hash(), cert)
	require.NoError(t, err)
	require.True(t, added)
}

func newTestScheduler(t *testing.T, leader bool) (*Scheduler, *recordingIssuer, *countingEnsurer, *certs.CertCache, statestore.Store) {
	t.Helper()
	issuer := &recordingIssuer{}
	ensurer := &countingEnsurer{}
	certCache := certs.NewCertCache(time.Hour)
	t.Cleanup(certCache.Close)
	store := statestore.NewMemoryStore()
	membership := cluster.NewStaticMembership(nil, leader)
	s := NewScheduler(issuer, ensurer, certCache, vhost.NewCache(), store, membership)
	return s, issuer, ensurer, certCache, store
}

func waitForIssued(t *testing.T, issuer *recordingIssuer, want int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(issuer.issued()) >= want
	}, 5*time.Second, 10*time.Millisecond)
	return issuer.issued()
}

func TestTickRenewsNearExpirationOnly(t *testing.T) {
	s, issuer, _, certCache, store := newTestScheduler(t, true)

	putVhost(t, store, "soon.example.com")
	putVhost(t, store, "fresh.example.com")
	cacheCert(t, certCache, "soon.example.com", 10*24*time.Hour)
	cacheCert(t, certCache, "fresh.example.com", 100*24*time.Hour)

	s.tick(context.Background())

	issued := waitForIssued(t, issuer, 1)
	assert.Equal(t, []string{"soon.example.com"}, issued)
}

func TestTickIssuesForDomainWithoutCertificate(t *testing.T) {
	s, issuer, _, _, store := newTestScheduler(t, true)
	putVhost(t, store, "new.example.com")

	s.tick(context.Background())

	issued := waitForIssued(t, issuer, 1)
	assert.Equal(t, []string{"new.example.com"}, issued)
}

func TestTickTrustsStoredCertificateOnColdStart(t *testing.T) {
	s, issuer, _, certCache, store := newTestScheduler(t, true)

	// Valid certificate in the state store only: the cache is cold after a
	// restart. The domain must not be reissued.
	putVhost(t, store, "app.example.com")
	cert := &certs.Certificate{
		Domain:     "app.example.com",
		Body:       []byte("-----BEGIN CERTIFICATE-----\nfake app.example.com\n-----END CERTIFICATE-----\n"),
		Expiration: time.Now().Add(100 * 24 * time.Hour).UTC().Truncate(time.Second),
	}
	require.NoError(t, statestore.PutCertificate(context.Background(), store, cert))

	s.tick(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, issuer.issued())

	// The lookup warmed the cache.
	latest, ok := certCache.Latest("app.example.com")
	require.True(t, ok)
	assert.Equal(t, cert.Hash(), latest.Hash())
}

func TestTickDoesNothingWhenNotLeader(t *testing.T) {
	s, issuer, _, _, store := newTestScheduler(t, false)
	putVhost(t, store, "app.example.com")

	s.tick(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, issuer.issued())
}

func TestPromotionEnsuresAccountAndTicks(t *testing.T) {
	issuer := &recordingIssuer{}
	ensurer := &countingEnsurer{}
	certCache := certs.NewCertCache(time.Hour)
	defer certCache.Close()
	store := statestore.NewMemoryStore()
	putVhost(t, store, "app.example.com")
	membership := cluster.NewStaticMembership(nil, false)
	s := NewScheduler(issuer, ensurer, certCache, vhost.NewCache(), store, membership)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	// Follower start: no account, no issuance.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, ensurer.count())
	assert.Empty(t, issuer.issued())

	membership.SetLeader(true)
	waitForIssued(t, issuer, 1)
	assert.Equal(t, 1, ensurer.count())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}
