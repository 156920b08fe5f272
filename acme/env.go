package acme

import (
	"time"

	"github.com/hostbound/ingrid/utils"
)

var (
	Env_RetryAttempts    = utils.MustEnvOrDefaultInt64("ACME_RETRY_ATTEMPTS", 5)
	Env_RetryMinDelaySec = utils.MustEnvOrDefaultInt64("ACME_RETRY_MIN_DELAY_SEC", 3)
	Env_PollIntervalSec  = utils.MustEnvOrDefaultInt64("ACME_POLL_INTERVAL_SEC", 2)
	// CA-side validation is the longest wait in an issuance.
	Env_PollTimeoutSec = utils.MustEnvOrDefaultInt64("ACME_POLL_TIMEOUT_SEC", 300)
	Env_RPCTimeoutSec  = utils.MustEnvOrDefaultInt64("ACME_RPC_TIMEOUT_SEC", 30)

	retryAttempts = int(Env_RetryAttempts)
	retryMinDelay = time.Second * time.Duration(Env_RetryMinDelaySec)
	pollInterval  = time.Second * time.Duration(Env_PollIntervalSec)
	pollTimeout   = time.Second * time.Duration(Env_PollTimeoutSec)
	rpcTimeout    = time.Second * time.Duration(Env_RPCTimeoutSec)
)
