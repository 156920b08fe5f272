package vhost

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"
)

var (
	// ErrNoTarget means the record has neither a target nor a forward
	// option. Such records are rejected at the discovery boundary, never
	// stored.
	ErrNoTarget = errors.New("virtual host has neither target nor forward")
	// ErrInvalidDomain means the record's domain is not a syntactically
	// valid DNS name.
	ErrInvalidDomain = errors.New("invalid domain")

	domainRegEx = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
)

type (
	// Options carries the reverse-proxy behavior for one virtual host.
	Options struct {
		// Target replaces scheme://host of the incoming request.
		Target string `json:"target,omitempty"`
		// Forward proxies the request without rewriting the path.
		Forward string `json:"forward,omitempty"`
		// WebSocket allows upgrade requests through to the upstream.
		WebSocket bool `json:"ws,omitempty"`
		// XForwarded adds X-Forwarded-* headers to the origin request.
		XForwarded bool `json:"xfwd,omitempty"`
		// ChangeOrigin rewrites the Host header to the target host.
		ChangeOrigin bool `json:"changeOrigin,omitempty"`
		// FollowRedirects makes the proxy chase 3xx responses itself.
		FollowRedirects bool `json:"followRedirects,omitempty"`
		// TimeoutSec bounds the origin request, 0 uses the server default.
		TimeoutSec int `json:"timeoutSec,omitempty"`
	}

	// VirtualHost is a routing record mapping a public domain to an
	// upstream service. Produced by the discovery collaborator, read by
	// the router and the renewal scheduler.
	VirtualHost struct {
		Domain string `json:"domain"`
		// ServiceID identifies the backing upstream; opaque to us.
		ServiceID string `json:"serviceID"`
		// Authentication is base64 "user:bcryptHash", empty when the host
		// is public.
		Authentication string    `json:"authentication,omitempty"`
		Options        Options   `json:"options"`
		UpdatedAt      time.Time `json:"updatedAt"`
	}
)

// ValidDomain reports whether s is a syntactically valid DNS name and not a
// bare IP address.
func ValidDomain(s string) bool {
	if s == "" || net.ParseIP(s) != nil {
		return false
	}
	return domainRegEx.MatchString(s)
}

// Validate enforces the discovery-boundary invariants: exactly one valid
// domain and at least one of target/forward.
func (v *VirtualHost) Validate() error {
	if !ValidDomain(v.Domain) {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, v.Domain)
	}
	if v.Options.Target == "" && v.Options.Forward == "" {
		return fmt.Errorf("%w: domain %s", ErrNoTarget, v.Domain)
	}
	return nil
}

// TargetURL returns the upstream base URL for the record.
func (v *VirtualHost) TargetURL() string {
	if v.Options.Target != "" {
		return v.Options.Target
	}
	return v.Options.Forward
}
