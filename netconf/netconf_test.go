package netconf

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zerotier-go/zt-core/identity"
	"github.com/zerotier-go/zt-core/log"
	"github.com/zerotier-go/zt-core/netifreg"
	"github.com/zerotier-go/zt-core/switchboard"
)

// fakeSender captures the exact arguments Bridge.HandleMessage passes to
// SendError/SendOK, so tests can assert on the in-reply-to ID and network ID
// independent of switchboard's wire encoding.
type fakeSender struct {
	errs []struct {
		dest         identity.Address
		verb         switchboard.Verb
		inRePacketID uint64
		code         switchboard.ErrorCode
		networkID    netifreg.NetworkID
	}
	oks []struct {
		dest         identity.Address
		verb         switchboard.Verb
		inRePacketID uint64
		networkID    netifreg.NetworkID
		result       []byte
	}
}

func (f *fakeSender) SendError(dest identity.Address, verb switchboard.Verb, inRePacketID uint64, code switchboard.ErrorCode, networkID netifreg.NetworkID, extra []byte) error {
	f.errs = append(f.errs, struct {
		dest         identity.Address
		verb         switchboard.Verb
		inRePacketID uint64
		code         switchboard.ErrorCode
		networkID    netifreg.NetworkID
	}{dest, verb, inRePacketID, code, networkID})
	return nil
}

func (f *fakeSender) SendOK(dest identity.Address, verb switchboard.Verb, inRePacketID uint64, networkID netifreg.NetworkID, result []byte) error {
	f.oks = append(f.oks, struct {
		dest         identity.Address
		verb         switchboard.Verb
		inRePacketID uint64
		networkID    netifreg.NetworkID
		result       []byte
	}{dest, verb, inRePacketID, networkID, result})
	return nil
}

func testPeerHex() (identity.Address, string) {
	var a identity.Address
	a[0] = 0x42
	return a, a.String()
}

func TestHandleMessageEmitsOKForNetconfPayload(t *testing.T) {
	peer, peerHex := testPeerHex()
	sender := &fakeSender{}
	nw := &netifreg.Network{ID: 0xdeadbeef}
	b := New(sender, func(id netifreg.NetworkID) *netifreg.Network { return nw }, log.Root())

	b.HandleMessage(Message{
		"type":      "netconf-response",
		"requestId": "1a",
		"nwid":      "deadbeef",
		"peer":      peerHex,
		"netconf":   "some-config",
	})

	require.Len(t, sender.oks, 1)
	require.Equal(t, peer, sender.oks[0].dest)
	require.Equal(t, switchboard.VerbNETWORKCONFIGREQUEST, sender.oks[0].verb)
	require.Equal(t, uint64(0x1a), sender.oks[0].inRePacketID)
	require.Equal(t, netifreg.NetworkID(0xdeadbeef), sender.oks[0].networkID)
	require.Equal(t, []byte("some-config"), sender.oks[0].result)
}

func TestHandleMessageEmitsErrorForNotFound(t *testing.T) {
	_, peerHex := testPeerHex()
	sender := &fakeSender{}
	nw := &netifreg.Network{ID: 0xdeadbeef}
	b := New(sender, func(id netifreg.NetworkID) *netifreg.Network { return nw }, log.Root())

	b.HandleMessage(Message{
		"type":      "netconf-response",
		"requestId": "1a",
		"nwid":      "deadbeef",
		"peer":      peerHex,
		"error":     "NOT_FOUND",
	})

	require.Len(t, sender.errs, 1)
	require.Equal(t, uint64(0x1a), sender.errs[0].inRePacketID)
	require.Equal(t, switchboard.ErrorNotFound, sender.errs[0].code)
	require.Equal(t, netifreg.NetworkID(0xdeadbeef), sender.errs[0].networkID)
}

func TestHandleMessageDropsUnknownNetwork(t *testing.T) {
	_, peerHex := testPeerHex()
	sender := &fakeSender{}
	b := New(sender, func(id netifreg.NetworkID) *netifreg.Network { return nil }, log.Root())

	b.HandleMessage(Message{
		"type":      "netconf-response",
		"requestId": "1",
		"nwid":      "1",
		"peer":      peerHex,
		"netconf":   "x",
	})

	require.Empty(t, sender.oks)
	require.Empty(t, sender.errs)
}

func TestHandleMessageIgnoresOtherTypes(t *testing.T) {
	sender := &fakeSender{}
	b := New(sender, func(id netifreg.NetworkID) *netifreg.Network { return nil }, log.Root())
	b.HandleMessage(Message{"type": "something-else"})
	require.Empty(t, sender.oks)
	require.Empty(t, sender.errs)
}

// stubKeys hands out a fixed key for every address, enough to exercise
// switchboard's real encode/sign path from an end-to-end test.
type stubKeys struct{}

func (stubKeys) KeyFor(identity.Address) ([32]byte, bool) { return [32]byte{1}, true }

type captureSender struct {
	raw []byte
}

func (c *captureSender) SendTo(_ identity.Address, raw []byte) error {
	c.raw = raw
	return nil
}

// TestHandleMessageWireEncodingMatchesErrorAndOKPreamble drives the full
// netconf.Bridge -> switchboard.Switch path and decodes the resulting wire
// packet, so the in-reply-to packet ID and network ID are checked as actual
// payload bytes, not just as arguments captured by a test double.
func TestHandleMessageWireEncodingMatchesErrorAndOKPreamble(t *testing.T) {
	var self identity.Address
	self[0] = 0x01
	peer, peerHex := testPeerHex()

	cs := &captureSender{}
	sw := switchboard.New(self, cs, stubKeys{}, log.Root())
	nw := &netifreg.Network{ID: 0xdeadbeef}
	b := New(sw, func(id netifreg.NetworkID) *netifreg.Network { return nw }, log.Root())

	b.HandleMessage(Message{
		"type":      "netconf-response",
		"requestId": "1a",
		"nwid":      "deadbeef",
		"peer":      peerHex,
		"error":     "NOT_FOUND",
	})

	pkt, err := switchboard.Decode(cs.raw)
	require.NoError(t, err)
	require.Equal(t, switchboard.VerbERROR, pkt.Verb)
	require.Equal(t, peer, pkt.Destination)
	require.Equal(t, byte(switchboard.VerbNETWORKCONFIGREQUEST), pkt.Payload[0])
	require.Equal(t, uint64(0x1a), decodeUint64(pkt.Payload[1:9]))
	require.Equal(t, byte(switchboard.ErrorNotFound), pkt.Payload[9])
	require.Equal(t, uint64(0xdeadbeef), decodeUint64(pkt.Payload[10:18]))

	cs.raw = nil
	b.HandleMessage(Message{
		"type":      "netconf-response",
		"requestId": "1a",
		"nwid":      "deadbeef",
		"peer":      peerHex,
		"netconf":   "hello",
	})

	pkt, err = switchboard.Decode(cs.raw)
	require.NoError(t, err)
	require.Equal(t, switchboard.VerbOK, pkt.Verb)
	require.Equal(t, byte(switchboard.VerbNETWORKCONFIGREQUEST), pkt.Payload[0])
	require.Equal(t, uint64(0x1a), decodeUint64(pkt.Payload[1:9]))
	require.Equal(t, uint64(0xdeadbeef), decodeUint64(pkt.Payload[9:17]))
	length := int(pkt.Payload[17])<<8 | int(pkt.Payload[18])
	require.Equal(t, 5, length)
	require.Equal(t, "hello", string(pkt.Payload[19:19+length]))
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func TestDecodeLineParsesKeyValuePairs(t *testing.T) {
	msg := decodeLine("type=netconf-response\trequestId=1\tnwid=1")
	require.Equal(t, "netconf-response", msg["type"])
	require.Equal(t, "1", msg["requestId"])
}

func TestDecodeLineDropsGarbage(t *testing.T) {
	require.Nil(t, decodeLine("not a valid line at all"))
}
