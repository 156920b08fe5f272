package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"

	"github.com/hostbound/ingrid/certs"
	"github.com/hostbound/ingrid/gologger"
	"github.com/hostbound/ingrid/internal"
	"github.com/hostbound/ingrid/utils"
	"golang.org/x/sync/errgroup"
)

var logger = gologger.NewLogger()

type (
	// certPayload is one line of the ndjson certificate stream.
	certPayload struct {
		Hash        string             `json:"hash"`
		Certificate *certs.Certificate `json:"certificate"`
	}

	challengePayload struct {
		Token    string `json:"token"`
		Response string `json:"response"`
	}

	// Replicator keeps peer caches converged: fire-and-forget push of
	// every locally added certificate, plus pull-based Sync for catch-up.
	Replicator struct {
		cache      *certs.CertCache
		membership Membership
		httpClient *http.Client
	}
)

// NewReplicator wires itself as the cache's on-set hook so every locally
// added certificate is pushed out.
func NewReplicator(cache *certs.CertCache, membership Membership) *Replicator {
	r := &Replicator{
		cache:      cache,
		membership: membership,
		httpClient: &http.Client{Timeout: peerTimeout},
	}
	cache.OnSet(r.push)
	return r
}

// push broadcasts a newly cached certificate to every peer. Receivers cache
// but never re-broadcast: replication is one hop. A peer that misses the
// push catches up through Sync.
func (r *Replicator) push(hash string, cert *certs.Certificate) {
	payload, err := json.Marshal(map[string]*certs.Certificate{hash: cert})
	if err != nil {
		logger.Error().Err(err).Str("hash", hash).Msg("error marshalling certificate push")
		return
	}
	for _, peer := range r.membership.Peers() {
		peer := peer
		go func() {
			err := utils.BackoffRetry(context.Background(), pushAttempts, pushMinDelay, func(ctx context.Context) error {
				return r.post(ctx, peer.URL()+"/", payload)
			})
			if err != nil {
				logger.Error().Err(err).Str("peer", peer.Address).Str("hash", hash).Msg("error pushing certificate to peer")
				return
			}
			internal.Metric_ReplicationPushes.Inc()
		}()
	}
}

// BroadcastChallenge pushes a pending ACME challenge to every peer, so any
// node can answer the CA's validation probe. Unlike certificate pushes this
// blocks: the caller must not notify the CA until peers can answer.
func (r *Replicator) BroadcastChallenge(ctx context.Context, challenge certs.Challenge) error {
	payload, err := json.Marshal(challengePayload{Token: challenge.Token, Response: challenge.Response})
	if err != nil {
		return fmt.Errorf("error marshalling challenge: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, peer := range r.membership.Peers() {
		peer := peer
		g.Go(func() error {
			err := utils.BackoffRetry(ctx, pushAttempts, pushMinDelay, func(ctx context.Context) error {
				return r.post(ctx, peer.URL()+"/challenge", payload)
			})
			if err != nil {
				return fmt.Errorf("error pushing challenge to %s: %w", peer.Address, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Sync pulls every certificate the peers hold that the local cache lacks.
// Each needed hash is assigned to a random peer known to hold it, spreading
// the transfer; hashes a peer failed to deliver are refetched from any
// other holder.
func (r *Replicator) Sync(ctx context.Context) error {
	holders := make(map[string][]Node)
	for _, peer := range r.membership.Peers() {
		hashes, err := r.listPeer(ctx, peer)
		if err != nil {
			logger.Warn().Err(err).Str("peer", peer.Address).Msg("peer unreachable during sync, skipping")
			continue
		}
		for _, hash := range hashes {
			if r.cache.Has(hash) {
				continue
			}
			holders[hash] = append(holders[hash], peer)
		}
	}
	if len(holders) == 0 {
		return nil
	}

	assignments := make(map[string][]string)
	for hash, nodes := range holders {
		peer := nodes[rand.Intn(len(nodes))]
		assignments[peer.URL()] = append(assignments[peer.URL()], hash)
	}
	for url, hashes := range assignments {
		if err := r.fetch(ctx, url, hashes); err != nil {
			logger.Warn().Err(err).Str("peer", url).Msg("error fetching certificates from peer, will fall back")
		}
	}

	// Fallback pass for anything the assigned peer did not deliver.
	for hash, nodes := range holders {
		for _, peer := range nodes {
			if r.cache.Has(hash) {
				break
			}
			if err := r.fetch(ctx, peer.URL(), []string{hash}); err != nil {
				logger.Warn().Err(err).Str("peer", peer.Address).Str("hash", hash).Msg("fallback fetch failed")
			}
		}
		if !r.cache.Has(hash) {
			logger.Error().Str("hash", hash).Msg("certificate unavailable from every holder after sync")
		}
	}
	return nil
}

func (r *Replicator) listPeer(ctx context.Context, peer Node) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", peer.URL()+"/certs/list", nil)
	if err != nil {
		return nil, fmt.Errorf("error in http.NewRequestWithContext: %w", err)
	}
	res, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error listing peer certificates: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode > 299 {
		return nil, fmt.Errorf("peer list returned status %d", res.StatusCode)
	}
	var hashes []string
	if err := json.NewDecoder(res.Body).Decode(&hashes); err != nil {
		return nil, fmt.Errorf("error decoding peer hash list: %w", err)
	}
	return hashes, nil
}

// fetch streams the requested hashes from one peer and caches each verified
// certificate. Hash verification happens inside SetReplicated: a corrupted
// payload is rejected and logged, never cached.
func (r *Replicator) fetch(ctx context.Context, baseURL string, hashes []string) error {
	query := url.Values{"q": hashes}
	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/certs?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("error in http.NewRequestWithContext: %w", err)
	}
	res, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching certificates: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode > 299 {
		return fmt.Errorf("peer fetch returned status %d", res.StatusCode)
	}

	dec := json.NewDecoder(res.Body)
	for dec.More() {
		var payload certPayload
		if err := dec.Decode(&payload); err != nil {
			return fmt.Errorf("error decoding certificate stream: %w", err)
		}
		if payload.Certificate == nil {
			continue
		}
		added, err := r.cache.SetReplicated(payload.Hash, payload.Certificate)
		if err != nil {
			logger.Error().Err(err).Str("hash", payload.Hash).Str("peer", baseURL).Msg("rejecting replicated certificate")
			continue
		}
		if added {
			internal.Metric_ReplicationPulls.Inc()
		}
	}
	return nil
}

func (r *Replicator) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error in http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	res, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error doing request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode > 299 {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("status %d - body %s", res.StatusCode, string(body))
	}
	return nil
}
