package http_server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hostbound/ingrid/certs"
	"github.com/hostbound/ingrid/gologger"
	"github.com/hostbound/ingrid/internal"
	"github.com/hostbound/ingrid/statestore"
	"github.com/hostbound/ingrid/tracing"
	"github.com/hostbound/ingrid/vhost"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/context"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

var (
	logger = gologger.NewLogger()

	ErrNoVirtualHost = errors.New("no virtual host for domain")
	ErrFailedToCast  = errors.New("failed to cast")
)

const ACMEPathPrefix = "/.well-known/acme-challenge/"

// Server owns the public listeners: cleartext :80 for ACME challenges and
// HTTPS redirects, TLS :443 for proxied traffic over h1/h2, and QUIC :443
// for h3.
type Server struct {
	vhosts     *vhost.Cache
	challenges *certs.ChallengeCache
	store      statestore.Store
	resolver   *CertResolver
	auth       *authenticator

	httpServer *http.Server
	tlsServer  *http.Server
	h3Server   *http3.Server
}

func NewServer(vhosts *vhost.Cache, challenges *certs.ChallengeCache, store statestore.Store, resolver *CertResolver) *Server {
	return &Server{
		vhosts:     vhosts,
		challenges: challenges,
		store:      store,
		resolver:   resolver,
		auth:       newAuthenticator(),
	}
}

func (s *Server) StartServers() error {
	tlsConfig := &tls.Config{
		GetCertificate: s.resolver.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1", "h3", "h3-29"},
	}

	h2cServer := &http2.Server{}
	s.httpServer = &http.Server{
		ReadTimeout:  0,
		WriteTimeout: 0,
		Handler:      h2c.NewHandler(http.HandlerFunc(s.handleInsecure), h2cServer),
	}
	insecureListener, err := net.Listen("tcp", ":"+Env_HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on :%s: %w", Env_HTTPPort, err)
	}

	s.tlsServer = &http.Server{
		ReadTimeout:  0,
		WriteTimeout: 0,
		Handler:      s.secureHandler(),
	}
	if err := http2.ConfigureServer(s.tlsServer, nil); err != nil {
		return fmt.Errorf("error in http2.ConfigureServer: %w", err)
	}
	rawTLSListener, err := net.Listen("tcp", ":"+Env_HTTPSPort)
	if err != nil {
		return fmt.Errorf("failed to listen on :%s: %w", Env_HTTPSPort, err)
	}
	tlsListener := tls.NewListener(rawTLSListener, tlsConfig)

	s.h3Server = &http3.Server{
		TLSConfig:  tlsConfig,
		Handler:    s.secureHandler(),
		QUICConfig: &quic.Config{},
		Addr:       ":" + Env_HTTPSPort,
	}

	logger.Debug().Msgf("ingrid listening on :%s (ACME challenges and HTTPS redirect)", Env_HTTPPort)
	go s.httpServer.Serve(insecureListener)
	logger.Debug().Msgf("ingrid listening on :%s (HTTP/1.1 and HTTP/2 over TLS)", Env_HTTPSPort)
	go s.tlsServer.Serve(tlsListener)
	logger.Debug().Msgf("ingrid listening on :%s (HTTP/3)", Env_HTTPSPort)
	go s.h3Server.ListenAndServe()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	g := errgroup.Group{}
	g.Go(func() error {
		return s.httpServer.Shutdown(ctx)
	})
	g.Go(func() error {
		return s.tlsServer.Shutdown(ctx)
	})
	g.Go(func() error {
		return s.h3Server.Shutdown(ctx)
	})
	return g.Wait()
}

// handleInsecure serves :80. Only ACME validation probes are answered in
// cleartext; everything else is pointed at HTTPS.
func (s *Server) handleInsecure(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, ACMEPathPrefix) {
		s.handleHTTPChallenge(w, r)
		return
	}
	target := "https://" + hostWithoutPort(r.Host) + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func (s *Server) secureHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		internal.Metric_OpenConnections.Inc()
		defer internal.Metric_OpenConnections.Dec()

		rc := NewRequestContext(r, w)
		ctx := rc.Request.Context()
		reqLogger := zerolog.Ctx(ctx)

		reqLogger.Info().Msg("request")

		_, span := tracing.IngridTracer.Start(ctx, "HTTPHandler")
		defer span.End()

		err := writeRequest(rc, s.route(rc))
		if err != nil {
			reqLogger.Error().Err(err).Msg("error in writeRequest")
		}
	})
}

func writeRequest(rc *RequestContext, handlerError error) error {
	ctx := rc.Request.Context()
	reqLogger := zerolog.Ctx(ctx)
	responseStatus := rc.responseStatus

	// Faults answer without internal detail.
	if errors.Is(handlerError, context.DeadlineExceeded) {
		responseStatus = http.StatusGatewayTimeout
	} else if handlerError != nil {
		responseStatus = http.StatusBadGateway
	}

	for key, vals := range rc.responseHeaders {
		for _, val := range vals {
			rc.responseWriter.Header().Add(key, val)
		}
	}

	var err error
	if !rc.Hijacked() {
		if rc.responseReader != nil {
			defer rc.responseReader.Close()
		}
		rc.responseWriter.WriteHeader(responseStatus)

		_, span := tracing.IngridTracer.Start(ctx, "writeRequest")
		defer span.End()
		span.SetAttributes(attribute.Int("status", responseStatus))

		if handlerError != nil {
			reqLogger.Error().Err(handlerError).Msg("error handling request")
			_, err = rc.responseWriter.Write([]byte("internal error"))
		} else if rc.responseReader != nil {
			_, err = io.Copy(rc.responseWriter, rc.responseReader)
		}
	}

	reqLogger.Info().Int64("ms", time.Since(rc.Created).Milliseconds()).Msg("response")
	return err
}
