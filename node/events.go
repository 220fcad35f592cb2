package node

import (
	"time"

	"github.com/zerotier-go/zt-core/event"
	"github.com/zerotier-go/zt-core/identity"
	"github.com/zerotier-go/zt-core/netifreg"
)

// PeerContactEvent is posted whenever Topology records a fresh direct
// datagram from a peer.
type PeerContactEvent struct {
	Peer identity.Address
	At   time.Time
}

// NetworkJoinedEvent is posted after a successful network-registry Join.
type NetworkJoinedEvent struct {
	ID netifreg.NetworkID
}

// NetworkLeftEvent is posted after a successful network-registry Leave.
type NetworkLeftEvent struct {
	ID netifreg.NetworkID
}

// TerminatedEvent is posted once, as the last event before the mux is
// stopped, carrying the same reason Wait/ReasonForTermination report.
type TerminatedEvent struct {
	Reason ReasonForTermination
	Detail string
}

// Events returns a subscription to the Node's lifecycle event feed (peer
// contact, network join/leave, termination). Closing over Unsubscribe is the
// caller's responsibility; the feed itself is closed when the Node
// terminates.
func (n *Node) Events(types ...interface{}) event.Subscription {
	return n.events.Subscribe(types...)
}
