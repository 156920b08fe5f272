package certs

import (
	"time"

	"github.com/hostbound/ingrid/utils"
)

var (
	// Certificates evict this long before their real expiration.
	Env_SafetyMarginHours = utils.MustEnvOrDefaultInt64("CERT_SAFETY_MARGIN_HOURS", 24)
	// Challenges outlive slow CA validation but are bounded in memory.
	Env_ChallengeTTLHours = utils.MustEnvOrDefaultInt64("CHALLENGE_TTL_HOURS", 24*7)

	SafetyMargin = time.Hour * time.Duration(Env_SafetyMarginHours)
	ChallengeTTL = time.Hour * time.Duration(Env_ChallengeTTLHours)
)
