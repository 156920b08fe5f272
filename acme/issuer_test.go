package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hostbound/ingrid/certs"
	"github.com/hostbound/ingrid/dnsprovider"
	"github.com/hostbound/ingrid/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu         sync.Mutex
	challenges []certs.Challenge
}

func (r *recordingBroadcaster) BroadcastChallenge(ctx context.Context, challenge certs.Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.challenges = append(r.challenges, challenge)
	return nil
}

func (r *recordingBroadcaster) seen() []certs.Challenge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]certs.Challenge(nil), r.challenges...)
}

// fakeCA is a minimal RFC 8555 server driving one order through
// pending -> validated -> finalized -> issued. It does not verify JWS
// signatures, only the protocol flow.
type fakeCA struct {
	t       *testing.T
	baseURL string
	token   string
	expires time.Time
	certPEM []byte

	// onNotify observes the node state at the moment the CA is asked to
	// validate, before any validation result is reported.
	onNotify func()
	// invalidate makes validation fail: the authorization reports invalid
	// once notified.
	invalidate bool

	mu        sync.Mutex
	notified  bool
	finalized bool
	// Remaining 503s to serve from the authorization and order endpoints.
	authzFaults int
	orderFaults int
}

func (ca *fakeCA) armFaults(authz, order int) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.authzFaults = authz
	ca.orderFaults = order
}

func (ca *fakeCA) takeFault(remaining *int) bool {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if *remaining == 0 {
		return false
	}
	*remaining--
	return true
}

func (ca *fakeCA) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/dir", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(ca.t, w, http.StatusOK, CADir{
			NewNonce:   ca.baseURL + "/nonce",
			NewAccount: ca.baseURL + "/new-account",
			NewOrder:   ca.baseURL + "/new-order",
		})
	})
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "test-nonce")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/new-account", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "test-nonce")
		w.Header().Set("Location", ca.baseURL+"/account/1")
		writeJSON(ca.t, w, http.StatusCreated, Account{Status: StatusValid})
	})
	mux.HandleFunc("/new-order", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "test-nonce")
		w.Header().Set("Location", ca.baseURL+"/order/1")
		writeJSON(ca.t, w, http.StatusCreated, ca.order(StatusPending))
	})
	mux.HandleFunc("/authz/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "test-nonce")
		if ca.takeFault(&ca.authzFaults) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		ca.mu.Lock()
		notified := ca.notified
		ca.mu.Unlock()
		status := StatusPending
		if notified {
			status = StatusValid
			if ca.invalidate {
				status = StatusInvalid
			}
		}
		writeJSON(ca.t, w, http.StatusOK, Authorization{
			Status:     status,
			Identifier: Identifier{Type: "dns", Value: "app.example.com"},
			Challenges: []Challenge{{
				Type:   ChallengeHTTP01,
				URL:    ca.baseURL + "/chal/1",
				Status: status,
				Token:  ca.token,
			}},
		})
	})
	mux.HandleFunc("/chal/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "test-nonce")
		if ca.onNotify != nil {
			ca.onNotify()
		}
		ca.mu.Lock()
		ca.notified = true
		ca.mu.Unlock()
		writeJSON(ca.t, w, http.StatusOK, Challenge{Type: ChallengeHTTP01, Status: StatusProcessing, Token: ca.token})
	})
	mux.HandleFunc("/finalize/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "test-nonce")
		ca.mu.Lock()
		ca.finalized = true
		ca.mu.Unlock()
		writeJSON(ca.t, w, http.StatusOK, ca.order(StatusProcessing))
	})
	mux.HandleFunc("/order/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "test-nonce")
		if ca.takeFault(&ca.orderFaults) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		ca.mu.Lock()
		finalized := ca.finalized
		ca.mu.Unlock()
		if finalized {
			order := ca.order(StatusValid)
			order.Certificate = ca.baseURL + "/cert/1"
			writeJSON(ca.t, w, http.StatusOK, order)
			return
		}
		writeJSON(ca.t, w, http.StatusOK, ca.order(StatusReady))
	})
	mux.HandleFunc("/cert/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "test-nonce")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(ca.certPEM)
	})
	return mux
}

func (ca *fakeCA) order(status string) Order {
	return Order{
		Status:         status,
		Expires:        ca.expires.Format(time.RFC3339),
		Identifiers:    []Identifier{{Type: "dns", Value: "app.example.com"}},
		Authorizations: []string{ca.baseURL + "/authz/1"},
		Finalize:       ca.baseURL + "/finalize/1",
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func selfSignedPEM(t *testing.T, key *ecdsa.PrivateKey, domain string, notAfter time.Time) []byte {
	t.Helper()
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestIssuerEndToEnd(t *testing.T) {
	ctx := context.Background()
	const domain = "app.example.com"

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	expires := time.Now().Add(90 * 24 * time.Hour).UTC().Truncate(time.Second)
	ca := &fakeCA{
		t:       t,
		token:   "tok-issuer-e2e",
		expires: expires,
		certPEM: selfSignedPEM(t, certKey, domain, expires),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ca.handler().ServeHTTP(w, r)
	}))
	defer srv.Close()
	ca.baseURL = srv.URL

	client, err := NewClient(ctx, Config{
		DirectoryURL:   srv.URL + "/dir",
		Email:          "ops@example.com",
		AccountKey:     accountKey,
		CertificateKey: certKey,
	})
	require.NoError(t, err)
	require.NoError(t, client.EnsureAccount(ctx))

	certCache := certs.NewCertCache(certs.SafetyMargin)
	defer certCache.Close()
	challengeCache := certs.NewChallengeCache(certs.ChallengeTTL)
	store := statestore.NewMemoryStore()
	broadcaster := &recordingBroadcaster{}

	// The validation response must be answerable everywhere before the CA
	// is told to go look.
	expectedKeyAuth, err := KeyAuthorization(ca.token, accountKey)
	require.NoError(t, err)
	ca.onNotify = func() {
		response, ok := challengeCache.Get(ca.token)
		assert.True(t, ok, "challenge not in local cache at notify time")
		assert.Equal(t, expectedKeyAuth, response)
		stored, err := statestore.GetChallenge(ctx, store, ca.token)
		assert.NoError(t, err)
		assert.Equal(t, expectedKeyAuth, stored)
		assert.Len(t, broadcaster.seen(), 1)
	}

	issuer := NewIssuer(client, certCache, challengeCache, store, broadcaster, nil, ChallengeHTTP01)
	require.NoError(t, issuer.Issue(ctx, domain))

	latest, ok := certCache.Latest(domain)
	require.True(t, ok, "no latest certificate for domain after issuance")
	assert.Equal(t, domain, latest.Domain)
	assert.Equal(t, ca.certPEM, latest.Body)
	assert.True(t, expires.Equal(latest.Expiration), "expiration should come from the order")

	stored, err := statestore.GetCertificate(ctx, store, domain)
	require.NoError(t, err)
	assert.Equal(t, latest.Hash(), stored.Hash())

	// Challenge is cleaned up once the certificate is cached.
	_, ok = challengeCache.Get(ca.token)
	assert.False(t, ok)
	_, err = statestore.GetChallenge(ctx, store, ca.token)
	assert.ErrorIs(t, err, statestore.ErrKeyNotFound)
}

func TestIssuerToleratesTransientPollFaults(t *testing.T) {
	ctx := context.Background()
	const domain = "app.example.com"

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	expires := time.Now().Add(90 * 24 * time.Hour).UTC().Truncate(time.Second)
	ca := &fakeCA{
		t:       t,
		token:   "tok-transient",
		expires: expires,
		certPEM: selfSignedPEM(t, certKey, domain, expires),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ca.handler().ServeHTTP(w, r)
	}))
	defer srv.Close()
	ca.baseURL = srv.URL

	// One 503 from each poll endpoint once validation is underway. The
	// issuance must ride them out, not fail.
	ca.onNotify = func() {
		ca.armFaults(1, 1)
	}

	client, err := NewClient(ctx, Config{
		DirectoryURL:   srv.URL + "/dir",
		AccountKey:     accountKey,
		CertificateKey: certKey,
	})
	require.NoError(t, err)
	require.NoError(t, client.EnsureAccount(ctx))

	certCache := certs.NewCertCache(certs.SafetyMargin)
	defer certCache.Close()
	store := statestore.NewMemoryStore()

	issuer := NewIssuer(client, certCache, certs.NewChallengeCache(certs.ChallengeTTL), store, nil, nil, ChallengeHTTP01)
	require.NoError(t, issuer.Issue(ctx, domain))

	latest, ok := certCache.Latest(domain)
	require.True(t, ok)
	assert.Equal(t, ca.certPEM, latest.Body)
}

func TestIssuerCleansUpChallengeOnFailure(t *testing.T) {
	ctx := context.Background()
	const domain = "app.example.com"

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	ca := &fakeCA{
		t:          t,
		token:      "tok-doomed",
		expires:    time.Now().Add(90 * 24 * time.Hour),
		invalidate: true,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ca.handler().ServeHTTP(w, r)
	}))
	defer srv.Close()
	ca.baseURL = srv.URL

	client, err := NewClient(ctx, Config{
		DirectoryURL:   srv.URL + "/dir",
		AccountKey:     accountKey,
		CertificateKey: certKey,
	})
	require.NoError(t, err)
	require.NoError(t, client.EnsureAccount(ctx))

	certCache := certs.NewCertCache(certs.SafetyMargin)
	defer certCache.Close()
	challengeCache := certs.NewChallengeCache(certs.ChallengeTTL)
	store := statestore.NewMemoryStore()

	issuer := NewIssuer(client, certCache, challengeCache, store, nil, nil, ChallengeHTTP01)
	require.Error(t, issuer.Issue(ctx, domain))

	// A failed run leaves no challenge behind.
	_, ok := challengeCache.Get(ca.token)
	assert.False(t, ok)
	_, err = statestore.GetChallenge(ctx, store, ca.token)
	assert.ErrorIs(t, err, statestore.ErrKeyNotFound)

	_, ok = certCache.Latest(domain)
	assert.False(t, ok)
}

func TestIssuerCoalescesInflight(t *testing.T) {
	issuer := NewIssuer(nil, nil, nil, nil, nil, nil, ChallengeHTTP01)
	issuer.mu.Lock()
	issuer.inflight["app.example.com"] = struct{}{}
	issuer.mu.Unlock()

	err := issuer.Issue(context.Background(), "app.example.com")
	assert.ErrorIs(t, err, ErrIssuanceInFlight)
}

func TestIssuerDNS01PublishesDigest(t *testing.T) {
	provider := dnsprovider.NewStatic()
	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	i := &Issuer{
		client:        &Client{cfg: Config{AccountKey: accountKey}},
		dns:           provider,
		challengeType: ChallengeDNS01,
		inflight:      make(map[string]struct{}),
	}
	keyAuth, err := KeyAuthorization("tok-dns", accountKey)
	require.NoError(t, err)
	require.NoError(t, i.publishChallenge(context.Background(), "app.example.com", "tok-dns", keyAuth))

	value, ok := provider.Get("_acme-challenge.app.example.com")
	require.True(t, ok)
	// base64url(sha256(keyAuth)), never the raw key authorization
	assert.NotEqual(t, keyAuth, value)
	assert.Len(t, value, 43)
}
