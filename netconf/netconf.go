// Package netconf bridges the optional external network-configuration
// helper subprocess to the wire protocol: start an external process, own
// its stdio pipes, tear down on shutdown, the way node.Node
// manages IPC/RPC endpoints. Grounded directly on
// original_source/node/Node.cpp's _netconfServiceMessageHandler, whose
// translation table this package reimplements: a netconf-response
// dictionary becomes either a VERB_ERROR or a VERB_OK packet.
package netconf

import (
	"strconv"

	"github.com/zerotier-go/zt-core/identity"
	"github.com/zerotier-go/zt-core/log"
	"github.com/zerotier-go/zt-core/netifreg"
	"github.com/zerotier-go/zt-core/switchboard"
)

// HelperFileName is the well-known path, relative to home, whose presence
// enables the bridge.
const HelperFileName = "services.d/netconf.service"

// maxNetconfPayload is the sanity cap on an accepted netconf payload.
const maxNetconfPayload = 2048

// Message is one newline/dictionary-framed message from the helper
// subprocess.
type Message map[string]string

// Sender is the outbound seam into the wire protocol; switchboard.Switch
// implements it.
type Sender interface {
	SendError(dest identity.Address, inReVerb switchboard.Verb, inRePacketID uint64, code switchboard.ErrorCode, networkID netifreg.NetworkID, extra []byte) error
	SendOK(dest identity.Address, inReVerb switchboard.Verb, inRePacketID uint64, networkID netifreg.NetworkID, result []byte) error
}

// NetworkLookup resolves a hex network ID to a joined Network, or nil if
// unknown.
type NetworkLookup func(id netifreg.NetworkID) *netifreg.Network

// Bridge translates helper subprocess messages into wire packets.
type Bridge struct {
	sw      Sender
	lookup  NetworkLookup
	log     log.Logger
	process Process
}

// New constructs a Bridge. It does not start or attach the helper
// subprocess: callers start that separately with NewSubprocessProcess,
// passing HandleMessage as its message callback, and the Bridge's process
// field stays nil.
func New(sw Sender, lookup NetworkLookup, logger log.Logger) *Bridge {
	return &Bridge{sw: sw, lookup: lookup, log: logger.New("component", "netconf")}
}

// HandleMessage processes one message emitted by the helper subprocess,
// translating a netconf-response into an ERROR or OK wire packet. Anything
// other than type=netconf-response is ignored; parse failures are logged
// and dropped, never propagated.
func (b *Bridge) HandleMessage(msg Message) {
	if msg["type"] != "netconf-response" {
		return
	}

	requestID, err := strconv.ParseUint(msg["requestId"], 16, 64)
	if err != nil {
		b.log.Warn("netconf-response with malformed requestId", "requestId", msg["requestId"])
		return
	}
	nwid, err := strconv.ParseUint(msg["nwid"], 16, 64)
	if err != nil {
		b.log.Warn("netconf-response with malformed nwid", "nwid", msg["nwid"])
		return
	}
	network := b.lookup(netifreg.NetworkID(nwid))
	if network == nil {
		return
	}
	peer, err := identity.ParseAddress(msg["peer"])
	if err != nil {
		return
	}

	inReVerb := switchboard.VerbNETWORKCONFIGREQUEST

	if errStr, hasErr := msg["error"]; hasErr {
		code := switchboard.ErrorInvalidRequest
		if errStr == "NOT_FOUND" {
			code = switchboard.ErrorNotFound
		}
		if err := b.sw.SendError(peer, inReVerb, requestID, code, network.ID, nil); err != nil {
			b.log.Warn("failed to send netconf error reply", "peer", peer, "err", err)
		}
		return
	}

	if payload, hasPayload := msg["netconf"]; hasPayload {
		if len(payload) >= maxNetconfPayload {
			b.log.Warn("netconf-response payload exceeds sanity cap, dropping", "peer", peer, "len", len(payload))
			return
		}
		if err := b.sw.SendOK(peer, inReVerb, requestID, network.ID, []byte(payload)); err != nil {
			b.log.Warn("failed to send netconf ok reply", "peer", peer, "err", err)
		}
	}
}

// Process is the platform-specific subprocess handle; its Start/Stop
// implementation lives in process_posix.go / process_windows.go.
type Process interface {
	Start() error
	Stop() error
}
