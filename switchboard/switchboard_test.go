package switchboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zerotier-go/zt-core/identity"
	"github.com/zerotier-go/zt-core/log"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) SendTo(addr identity.Address, raw []byte) error {
	f.sent = append(f.sent, raw)
	return nil
}

type fakeKeys struct{ key [32]byte }

func (f fakeKeys) KeyFor(identity.Address) ([32]byte, bool) { return f.key, true }

func testAddr(b byte) identity.Address {
	var a identity.Address
	a[0] = b
	return a
}

func TestSendHelloSignsAndDeliversPacket(t *testing.T) {
	sender := &fakeSender{}
	keys := fakeKeys{key: [32]byte{1, 2, 3}}
	sw := New(testAddr(1), sender, keys, log.Root())

	require.NoError(t, sw.SendHello(testAddr(2)))
	require.Len(t, sender.sent, 1)
}

func TestVerifyRoundTrip(t *testing.T) {
	key := [32]byte{9, 9, 9}
	p := Packet{Source: testAddr(1), Destination: testAddr(2), Verb: VerbHELLO}
	p.mac = sign(key, p.Source, p.Destination, p.Verb, p.Payload)
	require.True(t, Verify(key, p))

	p.Verb = VerbERROR
	require.False(t, Verify(key, p))
}

func TestDoTimerTasksReturnsSmallestRequestedDelay(t *testing.T) {
	sw := New(testAddr(1), &fakeSender{}, fakeKeys{}, log.Root())
	sw.RegisterTimerTask(func(now time.Time) time.Duration { return 5 * time.Second })
	sw.RegisterTimerTask(func(now time.Time) time.Duration { return time.Second })

	require.Equal(t, time.Second, sw.DoTimerTasks(time.Now()))
}

func TestDecodeRoundTripsWithEncode(t *testing.T) {
	sender := &fakeSender{}
	sw := New(testAddr(1), sender, fakeKeys{key: [32]byte{7}}, log.Root())
	require.NoError(t, sw.SendHello(testAddr(2)))

	p, err := Decode(sender.sent[0])
	require.NoError(t, err)
	require.Equal(t, testAddr(1), p.Source)
	require.Equal(t, testAddr(2), p.Destination)
	require.Equal(t, VerbHELLO, p.Verb)
	require.True(t, Verify([32]byte{7}, p))
}

func TestAnnounceMulticastGroupsSkipsEmptyBatch(t *testing.T) {
	sender := &fakeSender{}
	sw := New(testAddr(1), sender, fakeKeys{key: [32]byte{1}}, log.Root())

	sw.AnnounceMulticastGroups([]identity.Address{testAddr(2)}, nil)
	require.Empty(t, sender.sent)
}
