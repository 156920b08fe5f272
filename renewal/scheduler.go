package renewal

import (
	"context"
	"errors"
	"time"

	"github.com/hostbound/ingrid/acme"
	"github.com/hostbound/ingrid/certs"
	"github.com/hostbound/ingrid/cluster"
	"github.com/hostbound/ingrid/gologger"
	"github.com/hostbound/ingrid/statestore"
	"github.com/hostbound/ingrid/utils"
	"github.com/hostbound/ingrid/vhost"
)

var logger = gologger.NewLogger()

type (
	// Issuer runs one certificate order to completion.
	Issuer interface {
		Issue(ctx context.Context, domain string) error
	}

	// AccountEnsurer registers the ACME account. Called on promotion so a
	// node that never leads never registers.
	AccountEnsurer interface {
		EnsureAccount(ctx context.Context) error
	}

	// Scheduler ticks on the leader only, scanning every known domain and
	// admitting the ones whose certificate is missing or near expiration
	// into the issuer through a bounded worker pool.
	Scheduler struct {
		issuer     Issuer
		account    AccountEnsurer
		certCache  *certs.CertCache
		vhosts     *vhost.Cache
		store      statestore.Store
		membership cluster.Membership
		threshold  time.Duration
		interval   time.Duration
		sem        chan struct{}
	}
)

func NewScheduler(issuer Issuer, account AccountEnsurer, certCache *certs.CertCache, vhosts *vhost.Cache, store statestore.Store, membership cluster.Membership) *Scheduler {
	return &Scheduler{
		issuer:     issuer,
		account:    account,
		certCache:  certCache,
		vhosts:     vhosts,
		store:      store,
		membership: membership,
		threshold:  time.Hour * 24 * time.Duration(utils.Env_RenewalThresholdDays),
		interval:   time.Hour * time.Duration(utils.Env_RenewalIntervalHours),
		sem:        make(chan struct{}, utils.Env_IssueConcurrency),
	}
}

// Run blocks until the context is done. Followers tick too but do nothing,
// so a promotion between ticks needs no loop restart.
func (s *Scheduler) Run(ctx context.Context) error {
	events := s.membership.Subscribe()
	if s.membership.IsLeader() {
		s.onPromotion(ctx)
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-events:
			if event.Leader {
				logger.Info().Msg("promoted to leader, starting renewal duty")
				s.onPromotion(ctx)
				s.tick(ctx)
			} else {
				// In-flight issuances finish; no new admissions happen
				// until re-promotion.
				logger.Info().Msg("demoted, stopping renewal admissions")
			}
		case <-ticker.C:
			if !s.membership.IsLeader() {
				continue
			}
			s.tick(ctx)
		}
	}
}

// onPromotion makes sure the ACME account exists before the first order.
func (s *Scheduler) onPromotion(ctx context.Context) {
	err := utils.BackoffRetry(ctx, 5, time.Second*3, func(ctx context.Context) error {
		return s.account.EnsureAccount(ctx)
	})
	if err != nil {
		logger.Error().Err(err).Msg("error ensuring ACME account on promotion")
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if purged := s.certCache.PurgeExpired(); purged > 0 {
		logger.Warn().Int("purged", purged).Msg("purged certificates already past expiration")
	}

	for _, domain := range s.domains(ctx) {
		if !s.needsRenewal(ctx, domain) {
			continue
		}
		// A demotion mid-scan stops further admissions.
		if !s.membership.IsLeader() {
			return
		}
		s.admit(ctx, domain)
	}
}

// domains prefers the state store so a freshly promoted leader does not
// depend on its local vhost cache being warm yet.
func (s *Scheduler) domains(ctx context.Context) []string {
	records, err := s.store.List(ctx, statestore.PrefixServices)
	if err != nil {
		logger.Warn().Err(err).Msg("error listing services from state store, using local cache")
		return s.vhosts.Domains()
	}
	domains := make([]string, 0, len(records))
	for key := range records {
		domains = append(domains, statestore.DomainFromServiceKey(key))
	}
	return domains
}

// needsRenewal checks the local cache first, then the state store: a
// cold-started leader must not reissue domains whose valid certificates
// are already persisted.
func (s *Scheduler) needsRenewal(ctx context.Context, domain string) bool {
	latest, ok := s.certCache.Latest(domain)
	if !ok {
		stored, err := statestore.GetCertificate(ctx, s.store, domain)
		if err != nil {
			return true
		}
		// Warming the cache must not trigger a peer push.
		if _, err := s.certCache.SetReplicated(stored.Hash(), stored); err != nil {
			logger.Warn().Err(err).Str("domain", domain).Msg("rejecting stored certificate while warming cache")
			return true
		}
		latest = stored
	}
	return time.Until(latest.Expiration) < s.threshold
}

// admit blocks until a worker slot frees up, then issues in the background.
// Duplicate admissions for a domain already in flight are dropped by the
// issuer itself.
func (s *Scheduler) admit(ctx context.Context, domain string) {
	select {
	case <-ctx.Done():
		return
	case s.sem <- struct{}{}:
	}
	go func() {
		defer func() { <-s.sem }()
		err := s.issuer.Issue(ctx, domain)
		if err != nil && !errors.Is(err, acme.ErrIssuanceInFlight) {
			logger.Error().Err(err).Str("domain", domain).Msg("renewal issuance failed")
		}
	}()
}
