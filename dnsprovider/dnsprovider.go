// Package dnsprovider is the boundary to whatever DNS control panel hosts
// the cluster's zones. DNS-01 issuance publishes TXT records through it;
// concrete provider integrations live outside this repo.
package dnsprovider

import (
	"context"
	"errors"
	"sync"
)

var ErrNotConfigured = errors.New("no DNS provider configured")

// Provider publishes and removes the _acme-challenge TXT records used by
// DNS-01 validation.
type Provider interface {
	PutTXTRecord(ctx context.Context, fqdn, value string) error
	DeleteTXTRecord(ctx context.Context, fqdn string) error
}

// Unconfigured fails every call. Installed when DNS-01 is requested without
// a provider, so the issuer degrades to a logged failure instead of a nil
// dereference.
type Unconfigured struct{}

func (Unconfigured) PutTXTRecord(ctx context.Context, fqdn, value string) error {
	return ErrNotConfigured
}

func (Unconfigured) DeleteTXTRecord(ctx context.Context, fqdn string) error {
	return ErrNotConfigured
}

// Static is an in-memory provider for tests.
type Static struct {
	mu      sync.Mutex
	records map[string]string
}

func NewStatic() *Static {
	return &Static{records: make(map[string]string)}
}

func (s *Static) PutTXTRecord(ctx context.Context, fqdn, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[fqdn] = value
	return nil
}

func (s *Static) DeleteTXTRecord(ctx context.Context, fqdn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, fqdn)
	return nil
}

func (s *Static) Get(fqdn string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[fqdn]
	return v, ok
}
