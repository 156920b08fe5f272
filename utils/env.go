package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	Env_SelfAddr               = os.Getenv("CLUSTER_SELF_ADDR")
	Env_SleepSeconds           = MustEnvOrDefaultInt64("SHUTDOWN_SLEEP_SEC", 0)
	Env_ShutdownTimeoutSeconds = MustEnvOrDefaultInt64("SHUTDOWN_TIMEOUT_SEC", 30)

	// host:port,host:port,... every other node's replication listener
	Env_ClusterPeers = splitNonEmpty(os.Getenv("CLUSTER_PEERS"), ",")

	Env_ACMEDirURL         = EnvOrDefault("ACME_DIR_URL", "https://acme-staging-v02.api.letsencrypt.org/directory")
	Env_ACMEEmail          = os.Getenv("ACME_EMAIL")
	Env_ACMEAccountKeyPEM  = os.Getenv("ACME_ACCOUNT_KEY_PEM")
	Env_ACMEAccountKeyFile = os.Getenv("ACME_ACCOUNT_KEY_FILE")
	// http-01 or dns-01
	Env_ACMEChallengeType = EnvOrDefault("ACME_CHALLENGE_TYPE", "http-01")
	Env_ACMEEABKid        = os.Getenv("ACME_EAB_KID")
	Env_ACMEEABHMAC       = os.Getenv("ACME_EAB_HMAC")

	Env_DefaultCertFile = os.Getenv("DEFAULT_CERT_FILE")
	Env_DefaultKeyFile  = os.Getenv("DEFAULT_KEY_FILE")

	Env_RenewalThresholdDays = MustEnvOrDefaultInt64("RENEWAL_THRESHOLD_DAYS", 30)
	Env_RenewalIntervalHours = MustEnvOrDefaultInt64("RENEWAL_INTERVAL_HOURS", 6)
	Env_IssueConcurrency     = MustEnvOrDefaultInt64("ISSUE_CONCURRENCY", 1)

	Env_HTTPTimeoutSec = MustEnvOrDefaultInt64("HTTP_TIMEOUT_SEC", 60)

	// memory or redis
	Env_StateStore = EnvOrDefault("STATE_STORE", "memory")
	Env_RedisURL   = os.Getenv("REDIS_URL")
)

func EnvOrDefault(env, defaultVal string) string {
	if val := os.Getenv(env); val != "" {
		return val
	}
	return defaultVal
}

func MustEnvOrDefaultInt64(env string, defaultVal int64) int64 {
	val := os.Getenv(env)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("failed to parse env var %s as int64: %s", env, err))
	}
	return parsed
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
