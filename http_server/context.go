package http_server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hostbound/ingrid/utils"
	"github.com/rs/zerolog"
)

var (
	ErrRequestAlreadyHijacked = errors.New("request already hijacked")
)

type (
	RequestContext struct {
		Request            *http.Request
		responseWriter     http.ResponseWriter
		IsTLS              bool
		FQDN, Proto, ReqID string
		// PathQuery is the combined path and query params of the request
		PathQuery string
		Created   time.Time

		responseHeaders http.Header
		responseReader  io.ReadCloser
		responseStatus  int

		hijacked bool
	}
)

func NewRequestContext(r *http.Request, rw http.ResponseWriter) *RequestContext {
	// Give every request its own logger so UpdateContext never leaks
	// fields across requests.
	reqLogger := logger.With().Logger()
	r = r.WithContext(reqLogger.WithContext(r.Context()))
	rc := &RequestContext{
		Request:        r,
		responseWriter: rw,
		Created:        time.Now(),
		FQDN:           hostWithoutPort(r.Host),
		ReqID:          utils.GenKSortedID("req_"),
		IsTLS:          r.TLS != nil,
		Proto:          r.Proto,

		// Incoming request URLs carry no scheme or host, so this is the
		// path plus query as-is.
		PathQuery:       r.URL.String(),
		responseHeaders: make(http.Header),
	}
	ctxLogger := zerolog.Ctx(r.Context())

	if upgradeHeader := r.Header.Get("Upgrade"); upgradeHeader == "h2c" {
		rc.Proto = "HTTP/2.0"
	}

	ctxLogger.UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("fqdn", rc.FQDN).Bool("tls", rc.IsTLS).Str("requestID", rc.ReqID).Int64("requestLength", r.ContentLength).Str("proto", rc.Proto)
	})

	// Advertise HTTP/3 support
	rc.responseHeaders.Add("alt-svc", "h3=\":443\"; ma=86400")
	rc.responseHeaders.Add("in-req-id", rc.ReqID)

	return rc
}

func hostWithoutPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func (rc *RequestContext) RespondReader(statusCode int, reader io.ReadCloser) error {
	rc.responseStatus = statusCode
	rc.responseReader = reader
	return nil
}

func (rc *RequestContext) RespondString(statusCode int, res string) error {
	rc.responseStatus = statusCode
	rc.responseReader = io.NopCloser(strings.NewReader(res))
	return nil
}

func (rc *RequestContext) RespondBytes(statusCode int, res []byte) error {
	rc.responseStatus = statusCode
	rc.responseReader = io.NopCloser(bytes.NewReader(res))
	return nil
}

// Hijack tells the request context that it is no longer responsible for
// writing a response.
func (rc *RequestContext) Hijack() error {
	if rc.hijacked {
		return ErrRequestAlreadyHijacked
	}
	rc.hijacked = true
	return nil
}

// Hijacked returns whether the request was previously hijacked
func (rc *RequestContext) Hijacked() bool {
	return rc.hijacked
}
