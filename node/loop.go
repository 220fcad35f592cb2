package node

import (
	"time"

	"github.com/zerotier-go/zt-core/identity"
	"github.com/zerotier-go/zt-core/multicast"
	"github.com/zerotier-go/zt-core/netifreg"
	"github.com/zerotier-go/zt-core/switchboard"
	"github.com/zerotier-go/zt-core/sysenv"
	"github.com/zerotier-go/zt-core/version"
)

func captureFingerprint() (fingerprintValue, error) {
	fp, err := sysenv.Capture()
	if err != nil {
		return fingerprintValue{}, err
	}
	return fingerprintValue{hash: fp.Hash, captured: true}, nil
}

func versionOf() string { return version.String() }

// loopState holds every timer the main loop tracks, carried across
// iterations of Run's for-loop.
type loopState struct {
	lastPingCheck              time.Time
	lastClean                  time.Time
	lastNetworkFingerprintCheck time.Time
	lastMulticastCheck         time.Time
	lastMulticastAnnounceAll   time.Time
	// lastAutoconfigureCheck is reset on fingerprint change alongside the
	// multicast timer, per the original source. Nothing currently reads it —
	// no periodic "autoconfigure" check exists in this package — but the
	// reset is preserved rather than invented away.
	lastAutoconfigureCheck time.Time
	lastDelayDelta         time.Duration
	lastNATRefresh         time.Time
	fingerprint            fingerprintValue
}

type fingerprintValue struct {
	hash      uint64
	captured  bool
}

// Run executes the Supervisor loop in the calling goroutine; it does not
// return until Terminate is called or an unrecoverable condition is hit.
// Mirrors original_source/node/Node.cpp's Node::run(): each pipeline stage
// is wrapped in its own recover so a failure in one stage never skips the
// stages after it within the same tick.
func (n *Node) Run() {
	n.mu.Lock()
	n.running = true
	n.mu.Unlock()
	defer close(n.done)

	st := loopState{lastClean: time.Now()}
	if fp, err := captureFingerprint(); err == nil {
		st.fingerprint = fp
	}

	n.log.Info("starting", "address", n.self.Address(), "version", versionOf())

	for {
		select {
		case <-n.terminate:
			n.finish(ReasonNormalTermination, "normal termination")
			return
		default:
		}

		now := time.Now()
		n.tick(&st, now)

		delay := MinServiceLoopInterval
		func() {
			defer n.recoverStage("timer tasks")
			delay = n.sw.DoTimerTasks(now)
		}()
		if delay > MinServiceLoopInterval {
			delay = MinServiceLoopInterval
		}

		start := n.clock.Now()
		select {
		case <-n.terminate:
			n.finish(ReasonNormalTermination, "normal termination")
			return
		case <-n.clock.After(delay):
		}
		st.lastDelayDelta = n.clock.Now().Sub(start) - delay
	}
}

// tick runs one iteration's pipeline stages in a fixed order, catching a
// panic from any single stage so the remaining stages still run.
func (n *Node) tick(st *loopState, now time.Time) {
	pingAll := n.stageSleepWake(st, now)
	pingAll = n.stageFingerprint(st, now) || pingAll
	n.stageMulticast(st, now)
	n.stagePing(st, now, pingAll)
	n.stageNAT(st, now)
	n.stageClean(st, now)
}

func (n *Node) stageSleepWake(st *loopState, now time.Time) (pingAll bool) {
	defer n.recoverStage("sleep/wake detection")
	if st.lastDelayDelta < SleepWakeDetectionThreshold {
		return false
	}
	n.log.Info("probable suspend/resume detected, pausing a moment for things to settle")
	st.lastNetworkFingerprintCheck = time.Time{}
	st.lastMulticastCheck = time.Time{}
	n.clock.Sleep(SleepWakeSettleTime)
	return true
}

func (n *Node) stageFingerprint(st *loopState, now time.Time) (pingAll bool) {
	defer n.recoverStage("network fingerprint check")
	if now.Sub(st.lastNetworkFingerprintCheck) < NetworkFingerprintCheckDelay {
		return false
	}
	st.lastNetworkFingerprintCheck = now

	fp, err := captureFingerprint()
	if err != nil {
		n.log.Warn("failed to capture network fingerprint", "err", err)
		return false
	}
	if fp.hash == st.fingerprint.hash && st.fingerprint.captured {
		return false
	}
	n.log.Info("network fingerprint changed, resyncing", "old", st.fingerprint.hash, "new", fp.hash)
	st.fingerprint = fp
	st.lastMulticastCheck = time.Time{}
	st.lastAutoconfigureCheck = time.Time{}
	if err := n.nets.ReconfigureAllTaps(); err != nil {
		n.log.Warn("failed to reconfigure one or more taps", "err", err)
	}
	return true
}

func (n *Node) stageMulticast(st *loopState, now time.Time) {
	defer n.recoverStage("multicast announce")
	if now.Sub(st.lastMulticastCheck) < MulticastLocalPollPeriod {
		return
	}
	st.lastMulticastCheck = now
	announceAll := now.Sub(st.lastMulticastAnnounceAll) >= MulticastLikeAnnounceAllPeriod

	var batch []switchboard.Announcement
	for _, nw := range n.nets.Networks() {
		changed := nw.Refresh()
		if changed || announceAll {
			batch = append(batch, switchboard.Announcement{NetworkID: nw.ID, Groups: nw.MulticastGroups()})
		}
	}
	if len(batch) == 0 {
		return
	}

	peers := n.top.CollectPeersWithActiveDirectPath(now)
	n.sw.AnnounceMulticastGroups(peers, batch)
	if announceAll {
		st.lastMulticastAnnounceAll = now
	}
}

func (n *Node) stagePing(st *loopState, now time.Time, pingAll bool) {
	defer n.recoverStage("ping cycle")
	if now.Sub(st.lastPingCheck) < PingCheckDelay {
		return
	}
	st.lastPingCheck = now

	if n.top.AmSupernode(n.self.Address()) {
		for _, addr := range n.top.CollectSupernodesThatNeedPing(now, PeerDirectPingDelay) {
			if err := n.sw.SendHello(addr); err != nil {
				n.log.Warn("failed to ping supernode peer", "peer", addr, "err", err)
			} else {
				n.top.RecordSend(addr, now)
			}
		}
		return
	}

	var needPing []identity.Address
	if pingAll {
		needPing = n.top.CollectPeersWithActiveDirectPath(now)
	} else {
		needPing = n.top.CollectPeersThatNeedPing(now, PeerDirectPingDelay)
	}
	for _, addr := range needPing {
		if err := n.sw.SendHello(addr); err != nil {
			n.log.Warn("failed to send HELLO", "peer", addr, "err", err)
		} else {
			n.top.RecordSend(addr, now)
		}
	}

	needOpener := n.top.CollectPeersThatNeedFirewallOpener(now, FirewallOpenerInterval)
	for _, addr := range needOpener {
		if err := n.sw.SendHello(addr); err != nil {
			n.log.Warn("failed to send firewall opener", "peer", addr, "err", err)
		} else {
			n.top.RecordSend(addr, now)
		}
	}
}

// stageNAT renews the firewall-opener port mapping at the router before its
// lease expires. This is the local-gateway half of NAT traversal; the
// per-peer firewall-opener keepalive stagePing sends is the remote half.
func (n *Node) stageNAT(st *loopState, now time.Time) {
	defer n.recoverStage("nat mapping refresh")
	if n.puncher == nil {
		return
	}
	if st.lastNATRefresh.IsZero() {
		// New opened the mapping just before the loop started; the refresh
		// interval counts from this first check.
		st.lastNATRefresh = now
		return
	}
	if now.Sub(st.lastNATRefresh) < NATMappingRefreshInterval {
		return
	}
	st.lastNATRefresh = now
	if err := n.puncher.AddMapping(n.natMapping); err != nil {
		n.log.Warn("failed to refresh NAT port mapping", "err", err)
	}
}

func (n *Node) stageClean(st *loopState, now time.Time) {
	defer n.recoverStage("cleanup")
	if now.Sub(st.lastClean) < DBCleanPeriod {
		return
	}
	st.lastClean = now
	if err := n.top.Clean(); err != nil {
		n.log.Warn("failed to clean topology", "err", err)
	}
	n.nets.CleanAllNetworks(func(id netifreg.NetworkID, groups []multicast.Group) {
		peers := n.top.CollectPeersWithActiveDirectPath(now)
		n.sw.AnnounceMulticastGroups(peers, []switchboard.Announcement{{NetworkID: id, Groups: groups}})
	})
}

func (n *Node) recoverStage(stage string) {
	if r := recover(); r != nil {
		n.log.Error("unexpected panic in pipeline stage, continuing", "stage", stage, "panic", r)
	}
}

func (n *Node) finish(reason ReasonForTermination, msg string) {
	n.mu.Lock()
	n.reason = reason
	n.reasonStr = msg
	n.running = false
	n.mu.Unlock()
	n.log.Info("terminating", "reason", reason, "detail", msg)
	_ = n.events.Post(TerminatedEvent{Reason: reason, Detail: msg})
	n.shutdown()
}
