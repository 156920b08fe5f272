package http_server

import (
	"time"

	"github.com/hostbound/ingrid/utils"
)

var (
	Env_HTTPPort  = utils.EnvOrDefault("HTTP_PORT", "80")
	Env_HTTPSPort = utils.EnvOrDefault("HTTPS_PORT", "443")

	// Failed basic-auth attempts allowed per client per window.
	Env_AuthRateLimit     = utils.MustEnvOrDefaultInt64("AUTH_RATE_LIMIT", 10)
	Env_AuthRateWindowSec = utils.MustEnvOrDefaultInt64("AUTH_RATE_WINDOW_SEC", 60)

	// bcrypt is deliberately slow; successful checks are remembered.
	authMemoizeTTL = time.Second * time.Duration(utils.MustEnvOrDefaultInt64("AUTH_MEMOIZE_SEC", 300))
)
