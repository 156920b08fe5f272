package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hostbound/ingrid/certs"
	"github.com/hostbound/ingrid/statestore"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"
)

// PeerServer is the replication HTTP surface other cluster members talk
// to. It serves the local caches only, never proxies to other peers.
type PeerServer struct {
	echo       *echo.Echo
	cache      *certs.CertCache
	challenges *certs.ChallengeCache
	store      statestore.Store
}

func NewPeerServer(cache *certs.CertCache, challenges *certs.ChallengeCache, store statestore.Store) *PeerServer {
	s := &PeerServer{
		cache:      cache,
		challenges: challenges,
		store:      store,
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/certs/list", s.listCerts)
	e.GET("/certs", s.getCerts)
	e.GET("/certs/all", s.allCerts)
	e.GET("/challenge", s.getChallenge)
	e.POST("/challenge", s.putChallenge)
	e.POST("/", s.putCerts)
	s.echo = e
	return s
}

func (s *PeerServer) Start() error {
	logger.Debug().Msgf("Starting peer replication server on port %s", Env_ReplicationPort)
	return s.echo.Start(":" + Env_ReplicationPort)
}

func (s *PeerServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routes for tests.
func (s *PeerServer) Handler() http.Handler {
	return s.echo
}

func (s *PeerServer) listCerts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.cache.Hashes())
}

// getCerts streams the requested certificates as ndjson. Hashes arrive as
// repeated q parameters; any hash this node does not hold fails the whole
// request with 404 so the caller retries another holder.
func (s *PeerServer) getCerts(c echo.Context) error {
	hashes := c.QueryParams()["q"]
	found := make(map[string]*certs.Certificate, len(hashes))
	for _, hash := range hashes {
		cert, ok := s.cache.Get(hash)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "unknown hash "+hash)
		}
		found[hash] = cert
	}
	return s.streamCerts(c, func(yield func(string, *certs.Certificate) error) error {
		for _, hash := range hashes {
			if err := yield(hash, found[hash]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PeerServer) allCerts(c echo.Context) error {
	return s.streamCerts(c, func(yield func(string, *certs.Certificate) error) error {
		for hash, cert := range s.cache.All() {
			if err := yield(hash, cert); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PeerServer) streamCerts(c echo.Context, each func(yield func(string, *certs.Certificate) error) error) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(res)
	return each(func(hash string, cert *certs.Certificate) error {
		if err := enc.Encode(certPayload{Hash: hash, Certificate: cert}); err != nil {
			return err
		}
		res.Flush()
		return nil
	})
}

// getChallenge answers a peer that received a validation probe for a token
// it has not seen. Falls back to the state store for challenges that missed
// replication entirely.
func (s *PeerServer) getChallenge(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing token")
	}
	response, ok := s.challenges.Get(token)
	if !ok {
		stored, err := statestore.GetChallenge(c.Request().Context(), s.store, token)
		if errors.Is(err, statestore.ErrKeyNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown token")
		}
		if err != nil {
			return err
		}
		response = stored
	}
	// Plain text: the caller serves this byte-for-byte to the CA's probe.
	return c.String(http.StatusOK, response)
}

func (s *PeerServer) putChallenge(c echo.Context) error {
	var payload challengePayload
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid challenge payload")
	}
	if payload.Token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing token")
	}
	s.challenges.Set(payload.Token, payload.Response)
	return c.NoContent(http.StatusOK)
}

// putCerts ingests pushed certificates: 201 when anything was newly cached,
// 200 when everything was already held, 500 on a hash mismatch.
func (s *PeerServer) putCerts(c echo.Context) error {
	var payload map[string]*certs.Certificate
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid certificate payload")
	}
	added := false
	for hash, cert := range payload {
		if cert == nil {
			continue
		}
		ok, err := s.cache.SetReplicated(hash, cert)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		added = added || ok
	}
	return c.JSON(lo.Ternary(added, http.StatusCreated, http.StatusOK), map[string]bool{"added": added})
}
