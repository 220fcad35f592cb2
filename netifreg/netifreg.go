// Package netifreg is the per-node Network Registry: the set of virtual
// networks this node has joined, each with its own tap interface and
// multicast membership. A registry struct owning a mutex-guarded map, with
// the same snapshot-then-release-lock discipline topology.Topology uses.
package netifreg

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zerotier-go/zt-core/log"
	"github.com/zerotier-go/zt-core/multicast"
)

// NetworkID identifies a virtual network. Its internal representation is
// explicitly out of scope for this package; a 64-bit value is one
// reasonable concrete choice.
type NetworkID uint64

func (id NetworkID) String() string { return fmt.Sprintf("%016x", uint64(id)) }

// Tap is whatever local packet-delivery mechanism backs a joined network.
// Its implementation (TUN device, userspace queue, test double) is out of
// scope. Close and Reconfigure are distinct:
// Close tears the interface down for good (network left, node shutting
// down); Reconfigure is the non-destructive "recheck your configuration"
// nudge the original's EthernetTap::whack() sends on a network-environment
// change, and must not take the interface away.
type Tap interface {
	Close() error
	Reconfigure() error
	Inject(frame []byte) error
	MulticastGroups() []multicast.Group
}

// Network is one joined virtual network: its tap and its multicast
// memberships. It does not track which peers are also members.
type Network struct {
	ID     NetworkID
	tap    Tap
	groups *multicast.Set
	log    log.Logger
}

func newNetwork(id NetworkID, tap Tap, logger log.Logger) *Network {
	return &Network{ID: id, tap: tap, groups: multicast.NewSet(), log: logger.New("network", id.String())}
}

// UpdateMulticastGroups replaces this network's membership set and reports
// whether anything actually changed, so callers know whether to re-announce.
func (n *Network) UpdateMulticastGroups(groups []multicast.Group) bool {
	next := multicast.NewSet()
	for _, g := range groups {
		next.Add(g)
	}
	if n.groups.Equal(next) {
		return false
	}
	n.groups = next
	n.log.Debug("multicast membership changed", "count", len(groups))
	return true
}

// MulticastGroups returns the last-synced membership snapshot (i.e. what
// was last announced to peers, not necessarily the tap's current live set
// — call Refresh first to reconcile the two).
func (n *Network) MulticastGroups() []multicast.Group {
	return n.groups.Slice()
}

// Refresh polls the tap for its current multicast membership and updates
// this Network's cached set, reporting whether anything changed. This is
// the concrete "ask the driver, then diff" half of
// update_multicast_groups(); UpdateMulticastGroups is the other half,
// kept public so tests can drive it without a real Tap.
func (n *Network) Refresh() bool {
	return n.UpdateMulticastGroups(n.tap.MulticastGroups())
}

// InjectFrame delivers a frame received over the wire to this network's tap.
func (n *Network) InjectFrame(frame []byte) error {
	return n.tap.Inject(frame)
}

// Whack tears down this network's tap interface for good.
func (n *Network) Whack() error {
	return n.tap.Close()
}

// Reconfigure nudges this network's tap to recheck its configuration
// without tearing it down, for a network-environment change that should
// not cost every joined network its interface.
func (n *Network) Reconfigure() error {
	return n.tap.Reconfigure()
}

// TapFactory constructs the platform tap for a newly joined network. The
// concrete implementation (TUN allocation, OS-specific naming) is out of
// scope for this package; the registry only needs this seam to join/leave
// networks without depending on the platform layer.
type TapFactory func(id NetworkID) (Tap, error)

// Registry is the Supervisor-owned table of joined networks.
type Registry struct {
	mu      sync.RWMutex
	nets    map[NetworkID]*Network
	newTap  TapFactory
	log     log.Logger
}

// New constructs an empty Registry. newTap is called once per Join.
func New(newTap TapFactory, logger log.Logger) *Registry {
	return &Registry{
		nets:   make(map[NetworkID]*Network),
		newTap: newTap,
		log:    logger.New("component", "netifreg"),
	}
}

// Join allocates a tap and registers a new network membership. Joining a
// network that's already joined is a no-op returning the existing Network;
// duplicate joins are treated as non-fatal.
func (r *Registry) Join(id NetworkID) (*Network, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nets[id]; ok {
		return n, nil
	}
	tap, err := r.newTap(id)
	if err != nil {
		return nil, fmt.Errorf("netifreg: join %s: %w", id, err)
	}
	n := newNetwork(id, tap, r.log)
	r.nets[id] = n
	r.log.Info("joined network", "id", id)
	return n, nil
}

// Leave tears down and removes a network membership. Leaving an unknown
// network is a no-op.
func (r *Registry) Leave(id NetworkID) error {
	r.mu.Lock()
	n, ok := r.nets[id]
	if ok {
		delete(r.nets, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.log.Info("left network", "id", id)
	return n.Whack()
}

// Network returns the Network for id, or nil if not joined.
func (r *Registry) Network(id NetworkID) *Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nets[id]
}

// Networks returns every currently joined network.
func (r *Registry) Networks() []*Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Network, 0, len(r.nets))
	for _, n := range r.nets {
		out = append(out, n)
	}
	return out
}

// WhackAllTaps tears down every joined network's tap concurrently, for
// shutdown. Teardown of one tap never blocks on another; the first error
// observed across the group is returned, matching errgroup's semantics that
// every member still runs to completion regardless of an earlier failure.
func (r *Registry) WhackAllTaps() error {
	return r.forEachTap(func(n *Network) error { return n.Whack() })
}

// ReconfigureAllTaps nudges every joined network's tap to recheck its
// configuration concurrently, without tearing any of them down — the
// Supervisor loop's response to a network-environment change, as distinct
// from WhackAllTaps' destructive teardown.
func (r *Registry) ReconfigureAllTaps() error {
	return r.forEachTap(func(n *Network) error { return n.Reconfigure() })
}

func (r *Registry) forEachTap(do func(*Network) error) error {
	r.mu.RLock()
	nets := make([]*Network, 0, len(r.nets))
	for _, n := range r.nets {
		nets = append(nets, n)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, n := range nets {
		n := n
		g.Go(func() error { return do(n) })
	}
	return g.Wait()
}

// CleanAllNetworks re-syncs every network's multicast membership against
// its tap, invoking announce for each network whose set actually changed —
// the clean_all_networks() cycle.
func (r *Registry) CleanAllNetworks(announce func(NetworkID, []multicast.Group)) {
	for _, n := range r.Networks() {
		if n.Refresh() {
			announce(n.ID, n.MulticastGroups())
		}
	}
}
