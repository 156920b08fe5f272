package cluster

import (
	"os"
	"time"

	"github.com/hostbound/ingrid/utils"
)

var (
	Env_ReplicationPort = utils.EnvOrDefault("REPLICATION_PORT", "8092")
	Env_Leader          = os.Getenv("CLUSTER_LEADER") == "1"

	pushAttempts = int(utils.MustEnvOrDefaultInt64("REPLICATION_PUSH_ATTEMPTS", 3))
	pushMinDelay = time.Millisecond * time.Duration(utils.MustEnvOrDefaultInt64("REPLICATION_PUSH_MIN_DELAY_MS", 500))
	peerTimeout  = time.Second * time.Duration(utils.MustEnvOrDefaultInt64("REPLICATION_TIMEOUT_SEC", 10))
)
