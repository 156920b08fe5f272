package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hostbound/ingrid/certs"
	"github.com/hostbound/ingrid/vhost"
)

// Typed accessors over the raw Store, one per record namespace.

func PutCertificate(ctx context.Context, s Store, cert *certs.Certificate) error {
	body, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("error marshalling certificate: %w", err)
	}
	ttl := time.Until(cert.Expiration)
	if ttl <= 0 {
		return nil
	}
	return s.Put(ctx, CertificateKey(cert.Domain), body, ttl)
}

func GetCertificate(ctx context.Context, s Store, domain string) (*certs.Certificate, error) {
	raw, err := s.Get(ctx, CertificateKey(domain))
	if err != nil {
		return nil, err
	}
	var cert certs.Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return nil, fmt.Errorf("error unmarshalling certificate for %s: %w", domain, err)
	}
	return &cert, nil
}

func PutVirtualHost(ctx context.Context, s Store, v *vhost.VirtualHost) error {
	if err := v.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshalling virtual host: %w", err)
	}
	return s.Put(ctx, ServiceKey(v.Domain), body, 0)
}

func GetVirtualHost(ctx context.Context, s Store, domain string) (*vhost.VirtualHost, error) {
	raw, err := s.Get(ctx, ServiceKey(domain))
	if err != nil {
		return nil, err
	}
	var v vhost.VirtualHost
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("error unmarshalling virtual host for %s: %w", domain, err)
	}
	return &v, nil
}

func PutChallenge(ctx context.Context, s Store, token, response string, ttl time.Duration) error {
	return s.Put(ctx, ChallengeKey(token), []byte(response), ttl)
}

func GetChallenge(ctx context.Context, s Store, token string) (string, error) {
	raw, err := s.Get(ctx, ChallengeKey(token))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func DeleteChallenge(ctx context.Context, s Store, token string) error {
	return s.Delete(ctx, ChallengeKey(token))
}
