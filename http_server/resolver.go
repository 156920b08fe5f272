package http_server

import (
	"crypto/tls"
	"sync"
	"time"

	"github.com/hostbound/ingrid/certs"
	"github.com/hostbound/ingrid/internal"
	"github.com/hostbound/ingrid/statestore"
	"github.com/hostbound/ingrid/tracing"
	"github.com/hostbound/ingrid/vhost"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/context"
)

// CertResolver answers SNI lookups during the TLS handshake. It never fails
// a handshake: a hostname with no certificate (or no valid syntax) gets the
// default self-signed pair and the connection dies at routing instead.
type CertResolver struct {
	cache    *certs.CertCache
	store    statestore.Store
	fallback *tls.Certificate
	// Every CSR is signed with the one configured key, so the same key PEM
	// pairs with every issued chain.
	keyPEM []byte

	mu     sync.Mutex
	parsed map[string]*tls.Certificate
}

func NewCertResolver(cache *certs.CertCache, store statestore.Store, keyPEM []byte, fallback *tls.Certificate) *CertResolver {
	return &CertResolver{
		cache:    cache,
		store:    store,
		fallback: fallback,
		keyPEM:   keyPEM,
		parsed:   make(map[string]*tls.Certificate),
	}
}

func (cr *CertResolver) GetCertificate(info *tls.ClientHelloInfo) (*tls.Certificate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindServer),
	}
	ctx, span := tracing.IngridTracer.Start(ctx, "GetCertificate", opts...)
	defer span.End()

	internal.Metric_TLSLookups.Inc()
	fqdn := info.ServerName
	span.SetAttributes(attribute.String("fqdn", fqdn))

	if !vhost.ValidDomain(fqdn) {
		internal.Metric_TLSFallbacks.Inc()
		return cr.fallback, nil
	}

	cert, ok := cr.cache.Latest(fqdn)
	if !ok {
		stored, err := statestore.GetCertificate(ctx, cr.store, fqdn)
		if err != nil {
			internal.Metric_TLSFallbacks.Inc()
			return cr.fallback, nil
		}
		// Warm the cache so the next handshake is a memory hit. Replicated
		// insert: a store read must not trigger a peer push.
		if _, err := cr.cache.SetReplicated(stored.Hash(), stored); err != nil {
			logger.Error().Err(err).Str("fqdn", fqdn).Msg("error caching certificate from state store")
			internal.Metric_TLSFallbacks.Inc()
			return cr.fallback, nil
		}
		cert = stored
	}

	pair, err := cr.keyPair(cert)
	if err != nil {
		logger.Error().Err(err).Str("fqdn", fqdn).Msg("error building TLS keypair")
		internal.Metric_TLSFallbacks.Inc()
		return cr.fallback, nil
	}
	return pair, nil
}

// keyPair memoizes tls.X509KeyPair per content hash so the parse cost is
// paid once per certificate, not per handshake.
func (cr *CertResolver) keyPair(cert *certs.Certificate) (*tls.Certificate, error) {
	hash := cert.Hash()
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if pair, ok := cr.parsed[hash]; ok {
		return pair, nil
	}
	pair, err := tls.X509KeyPair(cert.Body, cr.keyPEM)
	if err != nil {
		return nil, err
	}
	cr.parsed[hash] = &pair
	return &pair, nil
}
