// Package topology maintains the in-memory directory of known peers and the
// supernode set. Peer bookkeeping is guarded by a
// fine-grained RWMutex, the same way p2p.Server guards its peer table
// (BlacklistMap in p2p/server.go) — the Supervisor never holds this lock
// across a wait.
package topology

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/zerotier-go/zt-core/identity"
)

// Peer is everything Topology tracks about a remote node. The session state
// machine itself (handshake phase, encryption state) is out of scope for
// this package; this is just the bookkeeping the maintenance loop needs.
type Peer struct {
	Address            identity.Address
	LastDirectSend     time.Time
	LastDirectReceive  time.Time
	HasActiveDirectPath bool
	NeedsFirewallOpener bool
	RemoteAddr          *net.UDPAddr
}

func (p *Peer) hasActiveDirectPath(now time.Time, pathTimeout time.Duration) bool {
	return p.HasActiveDirectPath && now.Sub(p.LastDirectReceive) < pathTimeout
}

// Topology is the Supervisor-owned peer directory.
type Topology struct {
	mu         sync.RWMutex
	peers      map[identity.Address]*Peer
	supernodes map[identity.Address]struct{}
	recent     *lru.Cache // identity.Address -> time.Time of last ping, bounds unbounded growth
	pathTimeout time.Duration
	db         *PeerDB
}

// New constructs an empty Topology backed by a peer database file under
// home, with pathTimeout controlling how long a direct path is considered
// active since its last inbound datagram.
func New(home string, pathTimeout time.Duration) (*Topology, error) {
	cache, err := lru.New(4096)
	if err != nil {
		return nil, err
	}
	db, err := OpenPeerDB(home)
	if err != nil {
		return nil, err
	}
	t := &Topology{
		peers:       make(map[identity.Address]*Peer),
		supernodes:  make(map[identity.Address]struct{}),
		recent:      cache,
		pathTimeout: pathTimeout,
		db:          db,
	}
	for _, rec := range db.Load() {
		t.peers[rec.Address] = &Peer{
			Address:           rec.Address,
			LastDirectSend:    rec.LastDirectSend,
			LastDirectReceive: rec.LastDirectReceive,
		}
		// Seed the recent-contact cache so peers loaded from a prior run
		// survive at least one clean() cycle before needing fresh contact.
		t.recent.Add(rec.Address, rec.LastDirectReceive)
	}
	return t, nil
}

// SetSupernodes installs the compiled-in supernode table.
func (t *Topology) SetSupernodes(addrs []identity.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.supernodes = make(map[identity.Address]struct{}, len(addrs))
	for _, a := range addrs {
		t.supernodes[a] = struct{}{}
		if _, ok := t.peers[a]; !ok {
			t.peers[a] = &Peer{Address: a}
		}
	}
}

// AmSupernode reports whether self is in the compiled-in supernode set.
func (t *Topology) AmSupernode(self identity.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.supernodes[self]
	return ok
}

// SupernodePeers returns the currently known supernode addresses.
func (t *Topology) SupernodePeers() []identity.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]identity.Address, 0, len(t.supernodes))
	for a := range t.supernodes {
		out = append(out, a)
	}
	return out
}

// CollectSupernodesThatNeedPing returns supernode addresses whose last direct
// send exceeded pingInterval, for a supernode's own ping cycle: if the node
// is itself a supernode, it only pings other supernodes whose last direct
// send exceeded the ping delay.
func (t *Topology) CollectSupernodesThatNeedPing(now time.Time, pingInterval time.Duration) []identity.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []identity.Address
	for a := range t.supernodes {
		p, ok := t.peers[a]
		if !ok || now.Sub(p.LastDirectSend) >= pingInterval {
			out = append(out, a)
		}
	}
	return out
}

// Touch records that a direct datagram was received from addr, marking its
// path active. Demarcation calls this on every inbound packet.
func (t *Topology) Touch(addr identity.Address, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	if !ok {
		p = &Peer{Address: addr}
		t.peers[addr] = p
	}
	p.LastDirectReceive = now
	p.HasActiveDirectPath = true
	t.recent.Add(addr, now)
}

// SetRemoteAddr records the last known UDP address a peer was reachable at,
// so switchboard's Sender adapter can resolve an identity.Address into a
// concrete socket destination without this package depending on net wire
// details beyond the address type.
func (t *Topology) SetRemoteAddr(addr identity.Address, remote *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	if !ok {
		p = &Peer{Address: addr}
		t.peers[addr] = p
	}
	p.RemoteAddr = remote
}

// RemoteAddr returns the last known UDP address for addr, or nil if unknown.
func (t *Topology) RemoteAddr(addr identity.Address) *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.peers[addr]; ok {
		return p.RemoteAddr
	}
	return nil
}

// RecordSend notes that a direct packet was just sent to addr, for the ping
// and firewall-opener cadence calculations.
func (t *Topology) RecordSend(addr identity.Address, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[addr]; ok {
		p.LastDirectSend = now
		t.recent.Add(addr, now)
	}
}

// EachPeer applies collect to a snapshot of every known peer. Predicates
// close over `now` and any thresholds they need; this just owns the lock
// and the iteration.
func (t *Topology) EachPeer(collect func(*Peer)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		collect(p)
	}
}

// CollectPeersWithActiveDirectPath returns every peer currently reachable by
// direct UDP.
func (t *Topology) CollectPeersWithActiveDirectPath(now time.Time) []identity.Address {
	var out []identity.Address
	t.EachPeer(func(p *Peer) {
		if p.hasActiveDirectPath(now, t.pathTimeout) {
			out = append(out, p.Address)
		}
	})
	return out
}

// CollectPeersThatNeedPing returns active peers whose last direct send
// exceeded pingInterval.
func (t *Topology) CollectPeersThatNeedPing(now time.Time, pingInterval time.Duration) []identity.Address {
	var out []identity.Address
	t.EachPeer(func(p *Peer) {
		if p.hasActiveDirectPath(now, t.pathTimeout) && now.Sub(p.LastDirectSend) >= pingInterval {
			out = append(out, p.Address)
		}
	})
	return out
}

// CollectPeersThatNeedFirewallOpener returns peers needing a keepalive to
// hold their NAT mapping.
func (t *Topology) CollectPeersThatNeedFirewallOpener(now time.Time, openerInterval time.Duration) []identity.Address {
	var out []identity.Address
	t.EachPeer(func(p *Peer) {
		if p.NeedsFirewallOpener && now.Sub(p.LastDirectSend) >= openerInterval {
			out = append(out, p.Address)
		}
	})
	return out
}

// Clean evicts peers that are neither supernodes nor present in the recent-
// contact LRU (i.e. never had a direct send/receive survive the cache's
// eviction window), then flushes the survivors to peer.db.
func (t *Topology) Clean() error {
	t.mu.Lock()
	for addr := range t.peers {
		if _, isSupernode := t.supernodes[addr]; isSupernode {
			continue
		}
		if !t.recent.Contains(addr) {
			delete(t.peers, addr)
		}
	}
	snapshot := make([]PeerRecord, 0, len(t.peers))
	for _, p := range t.peers {
		snapshot = append(snapshot, PeerRecord{
			Address:           p.Address,
			LastDirectSend:    p.LastDirectSend,
			LastDirectReceive: p.LastDirectReceive,
		})
	}
	t.mu.Unlock()
	return t.db.Save(snapshot)
}

// Close releases the peer database's file lock.
func (t *Topology) Close() error {
	return t.db.Close()
}
