package http_server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hostbound/ingrid/internal"
	"github.com/hostbound/ingrid/statestore"
	"github.com/hostbound/ingrid/tracing"
	"github.com/hostbound/ingrid/utils"
	"github.com/hostbound/ingrid/vhost"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/context"
	"golang.org/x/sync/errgroup"
)

// route resolves the virtual host for the request and proxies it upstream.
// Responses are staged on the RequestContext; writeRequest flushes them.
func (s *Server) route(rc *RequestContext) error {
	ctx := rc.Request.Context()
	reqLogger := zerolog.Ctx(ctx)

	ctx, span := tracing.IngridTracer.Start(ctx, "route")
	defer span.End()
	span.SetAttributes(attribute.String("fqdn", rc.FQDN))
	span.SetAttributes(attribute.Bool("tls", rc.IsTLS))
	span.SetAttributes(attribute.String("requestID", rc.ReqID))

	v, err := s.virtualHost(ctx, rc.FQDN)
	if errors.Is(err, ErrNoVirtualHost) {
		return rc.RespondString(http.StatusNotFound, fmt.Sprintf("no service configured for domain %s\n", rc.FQDN))
	}
	if err != nil {
		return fmt.Errorf("error resolving virtual host: %w", err)
	}

	if v.Authentication != "" {
		if status := s.auth.check(rc.Request, v.Authentication); status != 0 {
			if status == http.StatusUnauthorized {
				rc.responseHeaders.Set("WWW-Authenticate", `Basic realm="`+rc.FQDN+`"`)
			}
			reqLogger.Debug().Int("status", status).Msg("rejecting unauthenticated request")
			return rc.RespondString(status, http.StatusText(status)+"\n")
		}
	}

	timeoutSec := lo.Ternary(v.Options.TimeoutSec > 0, int64(v.Options.TimeoutSec), utils.Env_HTTPTimeoutSec)
	if timeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Second*time.Duration(timeoutSec))
		defer cancel()
	}

	originReq, err := makeOriginRequest(ctx, rc, v)
	if err != nil {
		return fmt.Errorf("error in makeOriginRequest: %w", err)
	}

	originRes, err := doOriginRequest(ctx, originReq, v)
	if err != nil {
		return fmt.Errorf("error in doOriginRequest: %w", err)
	}
	// The response writer closes the body

	reqLogger.UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Int("status", originRes.StatusCode).Int64("responseLength", originRes.ContentLength)
	})

	if isUpgrade(rc.Request) && originRes.StatusCode == http.StatusSwitchingProtocols {
		if !v.Options.WebSocket {
			return rc.RespondString(http.StatusBadGateway, "websocket upgrades disabled for this host\n")
		}
		reqLogger.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Bool("websocket", true)
		})
		return s.handleUpgradeResponse(rc, originReq, originRes)
	}

	for key, vals := range originRes.Header {
		for _, val := range vals {
			rc.responseHeaders.Add(key, val)
		}
	}
	return rc.RespondReader(originRes.StatusCode, originRes.Body)
}

// virtualHost resolves routing from the local cache first, falling back to
// the state store and caching the result.
func (s *Server) virtualHost(ctx context.Context, fqdn string) (*vhost.VirtualHost, error) {
	if v, ok := s.vhosts.Get(fqdn); ok {
		return v, nil
	}
	v, err := statestore.GetVirtualHost(ctx, s.store, fqdn)
	if errors.Is(err, statestore.ErrKeyNotFound) {
		return nil, ErrNoVirtualHost
	}
	if err != nil {
		return nil, fmt.Errorf("error in statestore.GetVirtualHost: %w", err)
	}
	if err := s.vhosts.Set(v); err != nil {
		logger.Warn().Err(err).Str("fqdn", fqdn).Msg("error caching virtual host")
	}
	return v, nil
}

func isUpgrade(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// makeOriginRequest clones the incoming request against the virtual host's
// upstream, keeping the original Host unless the record asks otherwise.
func makeOriginRequest(ctx context.Context, rc *RequestContext, v *vhost.VirtualHost) (*http.Request, error) {
	finalURL := strings.TrimSuffix(v.TargetURL(), "/") + rc.PathQuery
	originReq, err := http.NewRequestWithContext(ctx, rc.Request.Method, finalURL, rc.Request.Body)
	if err != nil {
		return nil, err
	}

	originReq.Header = rc.Request.Header.Clone()

	if v.Options.ChangeOrigin {
		// Let the transport set Host from the target URL
		originReq.Host = ""
	} else {
		originReq.Host = rc.FQDN
	}

	if v.Options.XForwarded {
		originReq.Header.Set("X-Url-Scheme", lo.Ternary(rc.IsTLS, "https", "http"))
		originReq.Header.Set("X-Forwarded-Proto", lo.Ternary(rc.IsTLS, "https", "http"))
		originReq.Header.Set("X-Forwarded-Host", rc.FQDN)
		originReq.Header.Set("X-Forwarded-For", func(r *http.Request) string {
			incomingIP := clientKey(r)
			if existing := r.Header.Get("X-Forwarded-For"); existing != "" {
				return existing + ", " + incomingIP
			}
			return incomingIP
		}(rc.Request))
	}
	return originReq, nil
}

func doOriginRequest(ctx context.Context, req *http.Request, v *vhost.VirtualHost) (*http.Response, error) {
	ctx, span := tracing.IngridTracer.Start(ctx, "originRequest")
	defer span.End()

	client := http.DefaultClient
	if !v.Options.FollowRedirects {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	res, err := client.Do(req)
	if res != nil {
		span.SetAttributes(attribute.Int("originResponseStatus", res.StatusCode))
	}
	return res, err
}

func (s *Server) handleUpgradeResponse(rc *RequestContext, req *http.Request, res *http.Response) error {
	ctx := rc.Request.Context()
	ctx, span := tracing.IngridTracer.Start(ctx, "handleUpgradeResponse")
	defer span.End()
	reqLogger := zerolog.Ctx(ctx)

	if req.Header.Get("Upgrade") != res.Header.Get("Upgrade") {
		reqLogger.Warn().Msg("mismatched upgrade headers")
		return rc.RespondString(http.StatusConflict, "mismatched upgrade headers")
	}

	backConn, ok := res.Body.(io.ReadWriteCloser)
	if !ok {
		return fmt.Errorf("%w: response body to readwritecloser", ErrFailedToCast)
	}
	defer backConn.Close()

	hj, ok := rc.responseWriter.(http.Hijacker)
	if !ok {
		return fmt.Errorf("%w: responseWriter to http.Hijacker", ErrFailedToCast)
	}

	if err := rc.Hijack(); err != nil {
		return err
	}

	conn, brw, err := hj.Hijack()
	if err != nil {
		return fmt.Errorf("error in hj.Hijack: %w", err)
	}
	defer conn.Close()

	// We now own the response

	res.Body = nil // res.Write only writes the headers; we hold the body in backConn
	if err := res.Write(brw); err != nil {
		reqLogger.Error().Err(err).Msg("failed to write upgrade headers")
		return nil
	}
	if err := brw.Flush(); err != nil {
		reqLogger.Error().Err(err).Msg("failed to flush upgrade headers")
		return nil
	}

	spc := switchProtocolCopier{user: conn, backend: backConn}
	g := errgroup.Group{}
	g.Go(spc.copyToBackend)
	g.Go(spc.copyFromBackend)

	internal.Metric_OpenWebSockets.Inc()
	defer internal.Metric_OpenWebSockets.Dec()

	if err := g.Wait(); err != nil {
		reqLogger.Error().Err(err).Msg("failed copying websocket bytes")
	} else {
		reqLogger.Debug().Msg("websocket hung up")
	}
	return nil
}
