package node

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zerotier-go/zt-core/authtoken"
	"github.com/zerotier-go/zt-core/common/mclock"
	"github.com/zerotier-go/zt-core/control"
	"github.com/zerotier-go/zt-core/demarcation"
	"github.com/zerotier-go/zt-core/event"
	"github.com/zerotier-go/zt-core/identity"
	"github.com/zerotier-go/zt-core/log"
	"github.com/zerotier-go/zt-core/natpunch"
	"github.com/zerotier-go/zt-core/netconf"
	"github.com/zerotier-go/zt-core/netifreg"
	"github.com/zerotier-go/zt-core/switchboard"
	"github.com/zerotier-go/zt-core/topology"
	"github.com/zerotier-go/zt-core/version"
	"github.com/zerotier-go/zt-core/ztlog"
)

// legacyFiles are cleaned up on every startup, per Node.cpp's unlink() of
// obsolete state left behind by earlier versions.
var legacyFiles = []string{"status", "thisdeviceismine"}

// ReasonForTermination is the typed enum exposed to the host process,
// matching the *Node.ReasonForTermination* idiom in
// original_source/node/Node.cpp.
type ReasonForTermination int

const (
	ReasonRunning ReasonForTermination = iota
	ReasonNormalTermination
	ReasonUnrecoverableError
)

func (r ReasonForTermination) String() string {
	switch r {
	case ReasonRunning:
		return "RUNNING"
	case ReasonNormalTermination:
		return "NORMAL_TERMINATION"
	case ReasonUnrecoverableError:
		return "UNRECOVERABLE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Node is the Runtime Environment: every subsystem, constructed in
// dependency order, torn down in reverse.
type Node struct {
	cfg   Config
	log   log.Logger
	clock mclock.Clock

	self       *identity.Identity
	token      authtoken.Token
	controlSrv *control.Server
	demarc     *demarcation.Endpoint
	sw         *switchboard.Switch
	top        *topology.Topology
	nets       *netifreg.Registry
	bridge     *netconf.Bridge
	helper     netconf.Process
	events     *event.TypeMux
	puncher    natpunch.Puncher
	natMapping natpunch.Mapping

	mu       sync.Mutex
	running  bool
	reason   ReasonForTermination
	reasonStr string
	terminate chan struct{}
	done      chan struct{}
}

// New constructs the Runtime Environment following the exact startup
// ordering in original_source/node/Node.cpp: the control server (and thus
// the single-instance gate) is built before the peer-to-peer demarcation
// socket, so a "someone else is running" condition is detected before any
// UDP work begins.
func New(cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.HomeDir, 0700); err != nil {
		return nil, fmt.Errorf("node: create home dir: %w", err)
	}

	logger := ztlog.New(ztlog.Options{HomeDir: cfg.HomeDir, Stdout: cfg.LogToStdout})
	logger.Info("initializing", "version", version.String())

	self, err := identity.Store(cfg.HomeDir, cfg.IdentityDifficulty, logger)
	if err != nil {
		return nil, fmt.Errorf("node: identity: %w", err)
	}

	for _, name := range legacyFiles {
		_ = os.Remove(filepath.Join(cfg.HomeDir, name))
	}

	token, err := authtoken.Load(cfg.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("node: authtoken: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		log:       logger,
		clock:     cfg.Clock,
		self:      self,
		token:     token,
		events:    event.NewTypeMux(),
		terminate: make(chan struct{}),
		done:      make(chan struct{}),
		reason:    ReasonRunning,
	}

	n.controlSrv, err = control.NewServer(cfg.HomeDir, token, n.handleControlCommand, logger)
	if err != nil {
		if errors.Is(err, control.ErrAnotherInstance) {
			return nil, err
		}
		return nil, fmt.Errorf("node: control server: %w", err)
	}

	n.top, err = topology.New(cfg.HomeDir, cfg.PathTimeout)
	if err != nil {
		n.controlSrv.Close()
		return nil, fmt.Errorf("node: topology: %w", err)
	}

	n.demarc = demarcation.New(n, logger)
	boundPort, err := n.demarc.Bind(demarcation.DefaultUDPPort, demarcation.PortScanWidth)
	if err != nil {
		n.controlSrv.Close()
		n.top.Close()
		return nil, fmt.Errorf("node: %w", err)
	}

	n.sw = switchboard.New(self.Address(), &switchboardSender{demarc: n.demarc, top: n.top}, &peerKeyResolver{self: self}, logger)
	n.top.SetSupernodes(cfg.Supernodes)

	n.puncher = cfg.Puncher
	if n.puncher == nil {
		var perr error
		n.puncher, perr = natpunch.Discover(NATDiscoveryTimeout)
		if perr != nil {
			logger.Warn("NAT gateway discovery failed, firewall-opener dispatch disabled", "err", perr)
		}
	}
	if n.puncher != nil {
		n.natMapping = natpunch.Mapping{
			Protocol: "udp",
			ExtPort:  boundPort,
			IntPort:  boundPort,
			Name:     "zt-core",
			Lifetime: NATMappingLifetime,
		}
		if err := n.puncher.AddMapping(n.natMapping); err != nil {
			logger.Warn("failed to open NAT port mapping", "port", boundPort, "err", err)
		}
	}

	n.nets = netifreg.New(func(id netifreg.NetworkID) (netifreg.Tap, error) {
		return nil, fmt.Errorf("node: tap allocation is not implemented in this build")
	}, logger)

	helperPath := filepath.Join(cfg.HomeDir, netconf.HelperFileName)
	if _, err := os.Stat(helperPath); err == nil {
		logger.Info("netconf helper found, starting bridge", "path", helperPath)
		bridge := netconf.New(n.sw, n.nets.Network, logger)
		n.bridge = bridge
		n.helper = netconf.NewSubprocessProcess(helperPath, bridge.HandleMessage)
		if err := n.helper.Start(); err != nil {
			logger.Warn("failed to start netconf helper", "err", err)
		}
	}

	return n, nil
}

// handleControlCommand interprets one decoded local-control command string
// and returns the response lines control.Server frames back to the client
// under the same conversation ID.
func (n *Node) handleControlCommand(cmd string) []string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return []string{"error invalid_request"}
	}
	switch strings.ToLower(fields[0]) {
	case "status":
		return []string{fmt.Sprintf("200 status %s %s", n.self.Address(), version.String())}

	case "listnetworks":
		nets := n.nets.Networks()
		if len(nets) == 0 {
			return []string{"200 listnetworks <nothing>"}
		}
		lines := make([]string, 0, len(nets))
		for _, nw := range nets {
			lines = append(lines, fmt.Sprintf("200 listnetworks %s", nw.ID))
		}
		return lines

	case "join":
		if len(fields) != 2 {
			return []string{"error invalid_request join requires a network ID"}
		}
		id, err := parseNetworkID(fields[1])
		if err != nil {
			return []string{"error invalid_request " + err.Error()}
		}
		if _, err := n.nets.Join(id); err != nil {
			return []string{"error " + err.Error()}
		}
		_ = n.events.Post(NetworkJoinedEvent{ID: id})
		return []string{fmt.Sprintf("200 join %s", id)}

	case "leave":
		if len(fields) != 2 {
			return []string{"error invalid_request leave requires a network ID"}
		}
		id, err := parseNetworkID(fields[1])
		if err != nil {
			return []string{"error invalid_request " + err.Error()}
		}
		if err := n.nets.Leave(id); err != nil {
			return []string{"error " + err.Error()}
		}
		_ = n.events.Post(NetworkLeftEvent{ID: id})
		return []string{fmt.Sprintf("200 leave %s", id)}

	default:
		return []string{"error unrecognized_command " + fields[0]}
	}
}

func parseNetworkID(s string) (netifreg.NetworkID, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed network id %q: %w", s, err)
	}
	return netifreg.NetworkID(v), nil
}

// HandleDatagram implements demarcation.Handler: it decodes an inbound wire
// packet, verifies its authentication trailer, and records contact with the
// sender in Topology. Anything beyond that (session state, routing
// decisions) is out of scope for this package.
func (n *Node) HandleDatagram(from *net.UDPAddr, data []byte) {
	p, err := switchboard.Decode(data)
	if err != nil {
		n.log.Warn("dropping malformed peer packet", "from", from, "err", err)
		return
	}
	key, _ := (&peerKeyResolver{self: n.self}).KeyFor(p.Source)
	if !switchboard.Verify(key, p) {
		n.log.Warn("dropping peer packet with bad authentication", "from", from)
		return
	}
	now := time.Now()
	n.top.SetRemoteAddr(p.Source, from)
	n.top.Touch(p.Source, now)
	_ = n.events.Post(PeerContactEvent{Peer: p.Source, At: now})
}

// switchboardSender resolves an identity.Address to a concrete UDP
// destination via Topology before handing bytes to demarcation.
type switchboardSender struct {
	demarc *demarcation.Endpoint
	top    *topology.Topology
}

func (s *switchboardSender) SendTo(addr identity.Address, raw []byte) error {
	udpAddr := s.top.RemoteAddr(addr)
	if udpAddr == nil {
		return fmt.Errorf("node: no known address for peer %s", addr)
	}
	return s.demarc.WriteTo(udpAddr, raw)
}

// peerKeyResolver derives a per-peer authentication key. The actual
// handshake/session key agreement is out of scope for this repository — the
// packet codec and cryptographic primitives themselves are external
// collaborators; this stand-in derives a key deterministically from both
// addresses so tests and the local loop have something concrete to
// authenticate against.
type peerKeyResolver struct {
	self *identity.Identity
}

func (r *peerKeyResolver) KeyFor(addr identity.Address) ([32]byte, bool) {
	self := r.self.Address()
	first, second := self, addr
	if bytes.Compare(first[:], second[:]) > 0 {
		first, second = second, first
	}
	h := sha256.New()
	h.Write(first[:])
	h.Write(second[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, true
}

// Wait blocks until Run's loop has fully exited.
func (n *Node) Wait() {
	<-n.done
}

// ReasonForTermination reports why Run exited, valid only after Wait
// returns.
func (n *Node) ReasonForTermination() (ReasonForTermination, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reason, n.reasonStr
}

// Terminate requests a normal shutdown; Run's loop wakes within one tick.
func (n *Node) Terminate() {
	select {
	case <-n.terminate:
	default:
		close(n.terminate)
	}
}

func (n *Node) shutdown() {
	if n.helper != nil {
		_ = n.helper.Stop()
	}
	if n.puncher != nil {
		_ = n.puncher.DeleteMapping(n.natMapping)
	}
	_ = n.nets.WhackAllTaps()
	_ = n.demarc.Close()
	_ = n.controlSrv.Close()
	_ = n.top.Close()
	n.events.Stop()
}
