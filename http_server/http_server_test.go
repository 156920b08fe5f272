package http_server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hostbound/ingrid/certs"
	"github.com/hostbound/ingrid/statestore"
	"github.com/hostbound/ingrid/vhost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func selfSignedPair(t *testing.T, domain string, notAfter time.Time) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func newTestServer(t *testing.T) (*Server, *vhost.Cache, statestore.Store) {
	t.Helper()
	vhosts := vhost.NewCache()
	challenges := certs.NewChallengeCache(time.Hour)
	store := statestore.NewMemoryStore()
	certCache := certs.NewCertCache(time.Hour)
	t.Cleanup(certCache.Close)

	fallbackCert, fallbackKey := selfSignedPair(t, "fallback.invalid", time.Now().Add(24*time.Hour))
	fallback, err := tls.X509KeyPair(fallbackCert, fallbackKey)
	require.NoError(t, err)
	resolver := NewCertResolver(certCache, store, fallbackKey, &fallback)

	return NewServer(vhosts, challenges, store, resolver), vhosts, store
}

func TestRouterNamesUnknownDomainIn404(t *testing.T) {
	server, _, _ := newTestServer(t)
	frontend := httptest.NewServer(server.secureHandler())
	defer frontend.Close()

	req, err := http.NewRequest("GET", frontend.URL+"/some/path", nil)
	require.NoError(t, err)
	req.Host = "unknown.example.com"

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Contains(t, string(body), "unknown.example.com")
}

func TestRouterProxiesToTarget(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-backend", "yes")
		fmt.Fprintf(w, "hello from %s", r.URL.Path)
	}))
	defer backend.Close()

	server, vhosts, _ := newTestServer(t)
	require.NoError(t, vhosts.Set(&vhost.VirtualHost{
		Domain:    "app.example.com",
		ServiceID: "svc-1",
		Options:   vhost.Options{Target: backend.URL, XForwarded: true},
	}))

	frontend := httptest.NewServer(server.secureHandler())
	defer frontend.Close()

	req, err := http.NewRequest("GET", frontend.URL+"/greet", nil)
	require.NoError(t, err)
	req.Host = "app.example.com"

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "hello from /greet", string(body))
	assert.Equal(t, "yes", res.Header.Get("x-backend"))
	assert.NotEmpty(t, res.Header.Get("in-req-id"))
}

func TestRouterFallsBackToStoreForVhost(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	server, vhosts, store := newTestServer(t)
	require.NoError(t, statestore.PutVirtualHost(context.Background(), store, &vhost.VirtualHost{
		Domain:    "stored.example.com",
		ServiceID: "svc-2",
		Options:   vhost.Options{Target: backend.URL},
	}))

	frontend := httptest.NewServer(server.secureHandler())
	defer frontend.Close()

	req, err := http.NewRequest("GET", frontend.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "stored.example.com"

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	// The store hit is now cached locally.
	_, ok := vhosts.Get("stored.example.com")
	assert.True(t, ok)
}

func TestBasicAuthFlow(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "secret")
	}))
	defer backend.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	server, vhosts, _ := newTestServer(t)
	require.NoError(t, vhosts.Set(&vhost.VirtualHost{
		Domain:         "auth.example.com",
		ServiceID:      "svc-3",
		Authentication: "alice:" + string(hash),
		Options:        vhost.Options{Target: backend.URL},
	}))

	frontend := httptest.NewServer(server.secureHandler())
	defer frontend.Close()

	do := func(user, pass string, withCreds bool) *http.Response {
		req, err := http.NewRequest("GET", frontend.URL+"/", nil)
		require.NoError(t, err)
		req.Host = "auth.example.com"
		if withCreds {
			req.SetBasicAuth(user, pass)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res
	}

	// Missing credentials challenge the client.
	res := do("", "", false)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, res.Header.Get("WWW-Authenticate"), "Basic")

	// Correct credentials pass.
	res = do("alice", "hunter2", true)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// Wrong password strikes.
	res = do("alice", "wrong", true)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestAuthRateLimitWinsOverCorrectCredentials(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "secret")
	}))
	defer backend.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	server, vhosts, _ := newTestServer(t)
	require.NoError(t, vhosts.Set(&vhost.VirtualHost{
		Domain:         "auth.example.com",
		ServiceID:      "svc-4",
		Authentication: "alice:" + string(hash),
		Options:        vhost.Options{Target: backend.URL},
	}))

	frontend := httptest.NewServer(server.secureHandler())
	defer frontend.Close()

	do := func(pass string) int {
		req, err := http.NewRequest("GET", frontend.URL+"/", nil)
		require.NoError(t, err)
		req.Host = "auth.example.com"
		req.SetBasicAuth("alice", pass)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res.StatusCode
	}

	for i := int64(0); i < Env_AuthRateLimit; i++ {
		assert.Equal(t, http.StatusUnauthorized, do("wrong"))
	}

	// Limit reached: even the right password is refused with 429.
	assert.Equal(t, http.StatusTooManyRequests, do("hunter2"))
}

func TestInsecureHandlerServesChallengeAndRedirects(t *testing.T) {
	server, _, store := newTestServer(t)
	server.challenges.Set("tok-http", "tok-http.thumb")
	require.NoError(t, statestore.PutChallenge(context.Background(), store, "tok-store", "tok-store.thumb", time.Hour))

	frontend := httptest.NewServer(http.HandlerFunc(server.handleInsecure))
	defer frontend.Close()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	res, err := client.Get(frontend.URL + ACMEPathPrefix + "tok-http")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "tok-http.thumb", string(body))

	// A probe for a token this node never saw comes from the state store.
	res, err = client.Get(frontend.URL + ACMEPathPrefix + "tok-store")
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "tok-store.thumb", string(body))

	res, err = client.Get(frontend.URL + ACMEPathPrefix + "nope")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	// Everything else on :80 is pointed at HTTPS.
	req, err := http.NewRequest("GET", frontend.URL+"/app?x=1", nil)
	require.NoError(t, err)
	req.Host = "app.example.com"
	res, err = client.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMovedPermanently, res.StatusCode)
	assert.Equal(t, "https://app.example.com/app?x=1", res.Header.Get("Location"))
}
