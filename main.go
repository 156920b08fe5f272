package main

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hostbound/ingrid/acme"
	"github.com/hostbound/ingrid/certs"
	"github.com/hostbound/ingrid/cluster"
	"github.com/hostbound/ingrid/gologger"
	"github.com/hostbound/ingrid/http_server"
	"github.com/hostbound/ingrid/internal"
	"github.com/hostbound/ingrid/renewal"
	"github.com/hostbound/ingrid/statestore"
	"github.com/hostbound/ingrid/tracing"
	"github.com/hostbound/ingrid/utils"
	"github.com/hostbound/ingrid/vhost"
	"golang.org/x/sync/errgroup"
)

var logger = gologger.NewLogger()

func main() {
	logger.Info().Msg("starting ingrid")

	if err := tracing.Init(); err != nil {
		logger.Fatal().Err(err).Msg("error initializing tracing")
	}

	defaultKeyPEM, fallback := mustLoadDefaultPair()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := mustBuildStateStore(ctx)

	certCache := certs.NewCertCache(certs.SafetyMargin)
	challengeCache := certs.NewChallengeCache(certs.ChallengeTTL)
	vhosts := vhost.NewCache()

	membership := cluster.NewStaticMembership(utils.Env_ClusterPeers, cluster.Env_Leader)
	replicator := cluster.NewReplicator(certCache, membership)
	peerServer := cluster.NewPeerServer(certCache, challengeCache, store)

	certificateKey, ok := fallback.PrivateKey.(crypto.Signer)
	if !ok {
		logger.Fatal().Msg("default TLS key cannot sign CSRs")
	}
	client, err := acme.NewClient(ctx, acme.Config{
		DirectoryURL:   utils.Env_ACMEDirURL,
		Email:          utils.Env_ACMEEmail,
		AccountKey:     mustLoadAccountKey(),
		CertificateKey: certificateKey,
		EABKid:         utils.Env_ACMEEABKid,
		EABHMAC:        mustDecodeEABHMAC(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("error creating ACME client")
	}

	issuer := acme.NewIssuer(client, certCache, challengeCache, store, replicator, nil, utils.Env_ACMEChallengeType)
	scheduler := renewal.NewScheduler(issuer, client, certCache, vhosts, store, membership)

	resolver := http_server.NewCertResolver(certCache, store, defaultKeyPEM, fallback)
	server := http_server.NewServer(vhosts, challengeCache, store, resolver)

	go func() {
		if err := internal.StartMetricsServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("error starting internal metrics server")
		}
	}()
	go func() {
		if err := peerServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("error starting peer replication server")
		}
	}()
	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("renewal scheduler stopped")
		}
	}()
	go statestore.FeedVirtualHosts(ctx, store, vhosts, time.Second*15)
	go func() {
		// catch up on certificates issued while this node was down
		if err := replicator.Sync(ctx); err != nil {
			logger.Error().Err(err).Msg("error syncing certificates from peers")
		}
	}()

	if err := server.StartServers(); err != nil {
		logger.Fatal().Err(err).Msg("error starting http servers")
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Warn().Msg("received shutdown signal, shutting down")

	if utils.Env_SleepSeconds > 0 {
		logger.Info().Msgf("sleeping for %ds before shutdown", utils.Env_SleepSeconds)
		time.Sleep(time.Second * time.Duration(utils.Env_SleepSeconds))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second*time.Duration(utils.Env_ShutdownTimeoutSeconds))
	defer shutdownCancel()

	g := errgroup.Group{}
	g.Go(func() error {
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return peerServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return internal.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return tracing.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("error shutting down")
		os.Exit(1)
	}
	certCache.Close()
	logger.Info().Msg("shutdown complete")
}

// mustLoadDefaultPair reads the fallback TLS keypair. The key also signs
// every CSR, so its PEM is handed to the SNI resolver to pair with issued
// chains. Missing or invalid material is a fatal configuration error.
func mustLoadDefaultPair() ([]byte, *tls.Certificate) {
	if utils.Env_DefaultCertFile == "" || utils.Env_DefaultKeyFile == "" {
		logger.Fatal().Msg("DEFAULT_CERT_FILE and DEFAULT_KEY_FILE must be set")
	}
	certPEM, err := os.ReadFile(utils.Env_DefaultCertFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("error reading default certificate")
	}
	keyPEM, err := os.ReadFile(utils.Env_DefaultKeyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("error reading default key")
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid default TLS keypair")
	}
	return keyPEM, &pair
}

func mustBuildStateStore(ctx context.Context) statestore.Store {
	switch utils.Env_StateStore {
	case "redis":
		store, err := statestore.NewRedisStore(ctx, utils.Env_RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("error connecting to redis state store")
		}
		return store
	case "memory":
		logger.Warn().Msg("using in-memory state store, certificates will not survive restarts")
		return statestore.NewMemoryStore()
	default:
		logger.Fatal().Msgf("unknown STATE_STORE %q", utils.Env_StateStore)
		return nil
	}
}

// mustLoadAccountKey parses the configured ACME account key, generating an
// ephemeral one when none is configured (fine for staging, the CA then sees
// a new account every boot).
func mustLoadAccountKey() *ecdsa.PrivateKey {
	keyPEM := utils.Env_ACMEAccountKeyPEM
	if keyPEM == "" && utils.Env_ACMEAccountKeyFile != "" {
		raw, err := os.ReadFile(utils.Env_ACMEAccountKeyFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("error reading ACME account key file")
		}
		keyPEM = string(raw)
	}
	if keyPEM == "" {
		logger.Warn().Msg("no ACME account key configured, generating an ephemeral one")
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			logger.Fatal().Err(err).Msg("error generating account key")
		}
		return key
	}
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		logger.Fatal().Msg("ACME account key is not PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		logger.Fatal().Err(err).Msg("error parsing ACME account key")
	}
	return key
}

func mustDecodeEABHMAC() []byte {
	if utils.Env_ACMEEABHMAC == "" {
		return nil
	}
	hmac, err := base64.RawURLEncoding.DecodeString(utils.Env_ACMEEABHMAC)
	if err != nil {
		logger.Fatal().Err(err).Msg("error decoding ACME_EAB_HMAC")
	}
	return hmac
}
