package http_server

import (
	"errors"
	"net/http"
	"path"

	"github.com/hostbound/ingrid/internal"
	"github.com/hostbound/ingrid/statestore"
	"github.com/hostbound/ingrid/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// handleHTTPChallenge answers an ACME HTTP-01 validation probe. The local
// challenge cache is checked first; the state store covers a node that
// missed the peer push.
func (s *Server) handleHTTPChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.IngridTracer.Start(r.Context(), "handleHTTPChallenge")
	defer span.End()

	fqdn := hostWithoutPort(r.Host)
	_, token := path.Split(r.URL.Path)
	span.SetAttributes(attribute.String("fqdn", fqdn))
	span.SetAttributes(attribute.String("token", token))
	logger.Debug().Str("fqdn", fqdn).Str("token", token).Msg("got ACME HTTP challenge request")

	response, ok := s.challenges.Get(token)
	if !ok {
		stored, err := statestore.GetChallenge(ctx, s.store, token)
		if errors.Is(err, statestore.ErrKeyNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error().Err(err).Str("token", token).Msg("error fetching challenge from state store")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		response = stored
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(response)); err != nil {
		logger.Error().Err(err).Msg("error writing HTTP challenge response")
		return
	}
	internal.Metric_ACME_HTTP_Challenges.Inc()
}
