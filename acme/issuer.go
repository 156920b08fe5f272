package acme

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hostbound/ingrid/certs"
	"github.com/hostbound/ingrid/dnsprovider"
	"github.com/hostbound/ingrid/internal"
	"github.com/hostbound/ingrid/statestore"
	"github.com/hostbound/ingrid/utils"
	"github.com/samber/lo"
)

// State is the progress of one issuance run. Order state lives only for the
// duration of the run; a crash abandons the order and the next scheduler
// pass starts over.
type State string

const (
	StateCreated               State = "created"
	StateAuthorizationsFetched State = "authorizations_fetched"
	StateChallengePublished    State = "challenge_published"
	StateChallengeCompleting   State = "challenge_completing"
	StateChallengeValid        State = "challenge_valid"
	StateFinalizing            State = "finalizing"
	StateCertificateIssued     State = "certificate_issued"
	StateCached                State = "cached"
	StateFailed                State = "failed"
)

var (
	// ErrIssuanceInFlight means another run for the same domain is still
	// going; the admission is coalesced, never run concurrently.
	ErrIssuanceInFlight = errors.New("issuance already in flight for domain")
	// ErrChallengeUnavailable means the CA offered no challenge of the
	// configured type. Protocol error, not retried.
	ErrChallengeUnavailable = errors.New("configured challenge type not offered by CA")
)

type (
	// ChallengeBroadcaster pushes a challenge to every peer before the CA
	// is told to validate: the validation probe may land on any node.
	ChallengeBroadcaster interface {
		BroadcastChallenge(ctx context.Context, challenge certs.Challenge) error
	}

	// Issuer drives single-domain certificate orders to completion.
	Issuer struct {
		client      *Client
		certCache   *certs.CertCache
		challenges  *certs.ChallengeCache
		store       statestore.Store
		broadcaster ChallengeBroadcaster
		dns         dnsprovider.Provider
		// http-01 or dns-01
		challengeType string

		mu       sync.Mutex
		inflight map[string]struct{}
	}
)

// NewIssuer wires the issuer to its collaborators. broadcaster may be nil on
// a single-node deployment.
func NewIssuer(client *Client, certCache *certs.CertCache, challenges *certs.ChallengeCache, store statestore.Store, broadcaster ChallengeBroadcaster, dns dnsprovider.Provider, challengeType string) *Issuer {
	if dns == nil {
		dns = dnsprovider.Unconfigured{}
	}
	return &Issuer{
		client:        client,
		certCache:     certCache,
		challenges:    challenges,
		store:         store,
		broadcaster:   broadcaster,
		dns:           dns,
		challengeType: challengeType,
		inflight:      make(map[string]struct{}),
	}
}

// Issue walks one order for the domain from Created to Cached. A failure at
// any step transitions to Failed: the error is logged and returned, never
// panicked, so the scheduler can simply reattempt on its next pass. A second
// call for a domain with a run already in flight returns
// ErrIssuanceInFlight immediately.
func (i *Issuer) Issue(ctx context.Context, domain string) error {
	i.mu.Lock()
	if _, busy := i.inflight[domain]; busy {
		i.mu.Unlock()
		return ErrIssuanceInFlight
	}
	i.inflight[domain] = struct{}{}
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.inflight, domain)
		i.mu.Unlock()
	}()

	internal.Metric_IssuanceAttempts.Inc()
	if err := i.run(ctx, domain); err != nil {
		internal.Metric_IssuanceFailures.Inc()
		logger.Error().Err(err).Str("domain", domain).Str("state", string(StateFailed)).Msg("issuance failed")
		return err
	}
	return nil
}

func (i *Issuer) run(ctx context.Context, domain string) error {
	log := logger.With().Str("domain", domain).Logger()
	state := StateCreated

	var token string
	// The published challenge is removed whether the run ends Cached or
	// Failed; only its TTL covers a crash.
	defer func() {
		if token == "" {
			return
		}
		i.challenges.Delete(token)
		if err := statestore.DeleteChallenge(ctx, i.store, token); err != nil {
			log.Warn().Err(err).Msg("error deleting challenge from state store")
		}
	}()

	var order *ExtendedOrder
	err := i.retry(ctx, func(ctx context.Context) error {
		var e error
		order, e = i.client.CreateOrder(ctx, domain)
		return e
	})
	if err != nil {
		return fmt.Errorf("error creating order: %w", err)
	}
	log.Debug().Str("state", string(state)).Str("status", order.Status).Msg("order created")

	// A previously completed order skips straight to finalizing.
	if order.Status != StatusValid && order.Status != StatusReady {
		if len(order.Authorizations) == 0 {
			return fmt.Errorf("order has no authorizations: %w", ErrUnexpectedState)
		}
		authzURL := order.Authorizations[0]

		var authz *Authorization
		err = i.retry(ctx, func(ctx context.Context) error {
			var e error
			authz, e = i.client.GetAuthorization(ctx, authzURL)
			return e
		})
		if err != nil {
			return fmt.Errorf("error fetching authorization: %w", err)
		}
		state = StateAuthorizationsFetched
		log.Debug().Str("state", string(state)).Msg("authorization fetched")

		challenge, found := lo.Find(authz.Challenges, func(ch Challenge) bool {
			return ch.Type == i.challengeType
		})
		if !found {
			return fmt.Errorf("%w: %s", ErrChallengeUnavailable, i.challengeType)
		}
		token = challenge.Token

		keyAuth, err := i.client.KeyAuthorization(token)
		if err != nil {
			return fmt.Errorf("error building key authorization: %w", err)
		}

		if err := i.publishChallenge(ctx, domain, token, keyAuth); err != nil {
			return err
		}
		state = StateChallengePublished
		log.Debug().Str("state", string(state)).Str("token", token).Msg("challenge published")

		err = i.retry(ctx, func(ctx context.Context) error {
			return i.client.NotifyChallenge(ctx, challenge)
		})
		if err != nil {
			return fmt.Errorf("error completing challenge: %w", err)
		}
		state = StateChallengeCompleting
		log.Debug().Str("state", string(state)).Msg("waiting for CA validation")

		if err := i.client.PollAuthorization(ctx, authzURL); err != nil {
			return fmt.Errorf("error awaiting authorization: %w", err)
		}
		state = StateChallengeValid
		log.Debug().Str("state", string(state)).Msg("challenge valid")
	}

	state = StateFinalizing
	if order.Status != StatusValid {
		err = i.retry(ctx, func(ctx context.Context) error {
			return i.client.FinalizeOrder(ctx, order, domain)
		})
		if err != nil {
			return fmt.Errorf("error finalizing order: %w", err)
		}
	}
	log.Debug().Str("state", string(state)).Msg("order finalized")

	final, err := i.client.PollOrder(ctx, order.Location)
	if err != nil {
		return fmt.Errorf("error awaiting finalized order: %w", err)
	}

	var certPEM []byte
	err = i.retry(ctx, func(ctx context.Context) error {
		var e error
		certPEM, e = i.client.DownloadCertificate(ctx, final.Certificate)
		return e
	})
	if err != nil {
		return fmt.Errorf("error downloading certificate: %w", err)
	}
	state = StateCertificateIssued
	log.Debug().Str("state", string(state)).Msg("certificate downloaded")

	expiration, err := certExpiration(final, certPEM)
	if err != nil {
		return fmt.Errorf("error determining certificate expiration: %w", err)
	}

	cert := &certs.Certificate{Domain: domain, Body: certPEM, Expiration: expiration}
	if _, err := i.certCache.Set(cert.Hash(), cert); err != nil {
		return fmt.Errorf("error caching certificate: %w", err)
	}
	if err := statestore.PutCertificate(ctx, i.store, cert); err != nil {
		// The cache already has the cert; the store write is retried by
		// the next scheduler pass re-persisting state.
		log.Error().Err(err).Msg("error persisting certificate to state store")
	}

	state = StateCached
	log.Info().Str("state", string(state)).Time("expiration", expiration).Msg("certificate cached")
	return nil
}

// publishChallenge makes the validation response answerable on every node
// before the CA is notified.
func (i *Issuer) publishChallenge(ctx context.Context, domain, token, keyAuth string) error {
	if i.challengeType == ChallengeDNS01 {
		digest := sha256.Sum256([]byte(keyAuth))
		value := base64.RawURLEncoding.EncodeToString(digest[:])
		err := i.retry(ctx, func(ctx context.Context) error {
			return i.dns.PutTXTRecord(ctx, "_acme-challenge."+domain, value)
		})
		if err != nil {
			return fmt.Errorf("error publishing TXT record: %w", err)
		}
		return nil
	}

	i.challenges.Set(token, keyAuth)
	if err := statestore.PutChallenge(ctx, i.store, token, keyAuth, certs.ChallengeTTL); err != nil {
		return fmt.Errorf("error persisting challenge: %w", err)
	}
	if i.broadcaster != nil {
		challenge := certs.Challenge{Token: token, Response: keyAuth}
		if err := i.broadcaster.BroadcastChallenge(ctx, challenge); err != nil {
			// Peers can still answer via the state store fallback.
			logger.Warn().Err(err).Str("domain", domain).Msg("error broadcasting challenge to peers")
		}
	}
	return nil
}

func (i *Issuer) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return utils.BackoffRetry(ctx, retryAttempts, retryMinDelay, fn)
}

// certExpiration prefers the order's expires timestamp, falling back to the
// leaf certificate's NotAfter when the CA omits it.
func certExpiration(order *Order, certPEM []byte) (time.Time, error) {
	if order.Expires != "" {
		if t, err := time.Parse(time.RFC3339, order.Expires); err == nil {
			return t, nil
		}
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return time.Time{}, errors.New("certificate body is not PEM")
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("error parsing certificate: %w", err)
	}
	return parsed.NotAfter, nil
}
