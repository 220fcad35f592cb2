// Package node is the Supervisor Loop and Runtime Environment: it owns
// every subsystem, constructs them in dependency order, runs the
// cooperative tick loop, and tears everything down in reverse order on
// exit. One struct, one New/Run/Terminate/Wait lifecycle.
package node

import (
	"time"

	"github.com/zerotier-go/zt-core/common/mclock"
	"github.com/zerotier-go/zt-core/identity"
	"github.com/zerotier-go/zt-core/natpunch"
)

// Tuning constants named directly after the ZT_* symbols they mirror.
const (
	SleepWakeDetectionThreshold = 2 * time.Second
	SleepWakeSettleTime         = 1 * time.Second
	NetworkFingerprintCheckDelay = 30 * time.Second
	MulticastLocalPollPeriod    = 10 * time.Second
	MulticastLikeAnnounceAllPeriod = 5 * time.Minute
	PingCheckDelay              = 5 * time.Second
	PeerDirectPingDelay         = 2 * time.Minute
	DBCleanPeriod                = 5 * time.Minute
	MinServiceLoopInterval       = 1 * time.Second
	FirewallOpenerInterval       = 45 * time.Second
	NATDiscoveryTimeout          = 2 * time.Second
	NATMappingLifetime           = 2 * time.Hour
	NATMappingRefreshInterval    = 45 * time.Minute
)

// Config configures a Node's construction: a plain struct with no external
// config-file binding — that's a layer above this one, out of scope for
// this package.
type Config struct {
	// HomeDir holds every on-disk artifact: identity, authtoken, peer.db,
	// node.log, the netconf helper, the single-instance lock file.
	HomeDir string

	// IdentityDifficulty is the number of leading zero address nibbles
	// identity.Store demands of a freshly generated identity; 0 disables it.
	IdentityDifficulty int

	// Supernodes is the compiled-in seed/relay table.
	Supernodes []identity.Address

	// LogToStdout selects ztlog's terminal handler instead of the
	// rotating file sink.
	LogToStdout bool

	// PathTimeout bounds how long a direct path is considered active
	// since its last inbound datagram (topology.New's pathTimeout).
	PathTimeout time.Duration

	// Clock drives the Supervisor loop's wait/delay arithmetic and
	// sleep/wake detection. Defaults to mclock.System{}; tests substitute a
	// simulated clock so sleep/wake and fingerprint-recheck timing can be
	// exercised without real waits.
	Clock mclock.Clock

	// Puncher drives the firewall-opener port mapping at the local gateway.
	// Defaults to a real natpunch.Discover probe; tests substitute a stub so
	// construction never depends on reaching an actual UPnP/NAT-PMP gateway.
	Puncher natpunch.Puncher
}

func (c Config) withDefaults() Config {
	if c.PathTimeout == 0 {
		c.PathTimeout = 2 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = mclock.System{}
	}
	return c
}
