package node

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zerotier-go/zt-core/identity"
	"github.com/zerotier-go/zt-core/log"
	"github.com/zerotier-go/zt-core/natpunch"
	"github.com/zerotier-go/zt-core/switchboard"
)

// stubPuncher stands in for a real UPnP/NAT-PMP gateway so node construction
// never depends on reaching one.
type stubPuncher struct{}

func (stubPuncher) AddMapping(natpunch.Mapping) error    { return nil }
func (stubPuncher) DeleteMapping(natpunch.Mapping) error { return nil }
func (stubPuncher) ExternalIP() (net.IP, error)          { return net.IPv4(203, 0, 113, 1), nil }

func testConfig(t *testing.T) Config {
	return Config{
		HomeDir:     t.TempDir(),
		LogToStdout: true,
		Puncher:     stubPuncher{},
	}
}

// directSender delivers a packet straight into a Node's HandleDatagram, as
// a stand-in for the UDP hop between two demarcation endpoints.
type directSender struct {
	to   *Node
	from *net.UDPAddr
}

func (d *directSender) SendTo(_ identity.Address, raw []byte) error {
	d.to.HandleDatagram(d.from, raw)
	return nil
}

func newTestSwitch(self *identity.Identity, sender switchboard.Sender) *switchboard.Switch {
	return switchboard.New(self.Address(), sender, &peerKeyResolver{self: self}, log.Root())
}

func TestNewConstructsEverySubsystem(t *testing.T) {
	n, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { n.shutdown() })

	require.NotNil(t, n.self)
	require.NotNil(t, n.controlSrv)
	require.NotNil(t, n.demarc)
	require.NotNil(t, n.sw)
	require.NotNil(t, n.top)
	require.NotNil(t, n.nets)
	require.NotNil(t, n.puncher)
	require.NotZero(t, n.natMapping.ExtPort)
}

func TestNewFailsWhenAnotherInstanceHoldsTheHome(t *testing.T) {
	cfg := testConfig(t)

	first, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { first.shutdown() })

	_, err = New(cfg)
	require.Error(t, err)
}

func TestPeerKeyResolverIsSymmetricAcrossTwoNodes(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.shutdown() })

	// The second party is a bare identity: every Node binds the same
	// well-known control port, so two cannot run in one process.
	b, err := identity.Store(t.TempDir(), 0, log.Root())
	require.NoError(t, err)

	keyAB, ok := (&peerKeyResolver{self: a.self}).KeyFor(b.Address())
	require.True(t, ok)
	keyBA, ok := (&peerKeyResolver{self: b}).KeyFor(a.self.Address())
	require.True(t, ok)
	require.Equal(t, keyAB, keyBA)
}

func TestHandleDatagramRecordsContactOnValidPacket(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.shutdown() })

	b, err := identity.Store(t.TempDir(), 0, log.Root())
	require.NoError(t, err)

	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4242}
	sender := &directSender{to: a, from: from}
	sw := newTestSwitch(b, sender)

	require.NoError(t, sw.SendHello(a.self.Address()))
	require.Eventually(t, func() bool {
		return a.top.RemoteAddr(b.Address()) != nil
	}, time.Second, 10*time.Millisecond)
}

func TestHandleDatagramDropsMalformedPacket(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.shutdown() })

	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4242}
	a.HandleDatagram(from, []byte("not a real packet"))
	require.Nil(t, a.top.RemoteAddr(identity.Address{}))
}

func TestHandleControlCommandListNetworksOnFreshNode(t *testing.T) {
	n, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { n.shutdown() })

	lines := n.handleControlCommand("listnetworks")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "listnetworks")
}

func TestHandleControlCommandRejectsUnknownVerb(t *testing.T) {
	n, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { n.shutdown() })

	lines := n.handleControlCommand("bogus")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "error")
}

func TestEventsDeliversPeerContact(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.shutdown() })

	b, err := identity.Store(t.TempDir(), 0, log.Root())
	require.NoError(t, err)

	sub := a.Events(PeerContactEvent{})
	defer sub.Unsubscribe()

	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4243}
	sw := newTestSwitch(b, &directSender{to: a, from: from})
	require.NoError(t, sw.SendHello(a.self.Address()))

	select {
	case ev := <-sub.Chan():
		pc, ok := ev.(PeerContactEvent)
		require.True(t, ok)
		require.Equal(t, b.Address(), pc.Peer)
	case <-time.After(time.Second):
		t.Fatal("did not receive PeerContactEvent")
	}
}

// recordingPuncher counts AddMapping/DeleteMapping calls, for asserting on
// NAT mapping lifecycle without a real gateway.
type recordingPuncher struct {
	adds, deletes int
}

func (r *recordingPuncher) AddMapping(natpunch.Mapping) error    { r.adds++; return nil }
func (r *recordingPuncher) DeleteMapping(natpunch.Mapping) error { r.deletes++; return nil }
func (r *recordingPuncher) ExternalIP() (net.IP, error)          { return nil, nil }

func TestStageNATRefreshesMappingOnlyAfterInterval(t *testing.T) {
	rec := &recordingPuncher{}
	cfg := testConfig(t)
	cfg.Puncher = rec
	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { n.shutdown() })
	require.Equal(t, 1, rec.adds)

	var st loopState
	now := time.Now()
	n.stageNAT(&st, now)
	require.Equal(t, 1, rec.adds, "refresh should not fire before the interval elapses")

	n.stageNAT(&st, now.Add(NATMappingRefreshInterval+time.Second))
	require.Equal(t, 2, rec.adds)
}

func TestShutdownDeletesNATMapping(t *testing.T) {
	rec := &recordingPuncher{}
	cfg := testConfig(t)
	cfg.Puncher = rec
	n, err := New(cfg)
	require.NoError(t, err)

	n.shutdown()
	require.Equal(t, 1, rec.deletes)
}

func TestRunTerminateWait(t *testing.T) {
	n, err := New(testConfig(t))
	require.NoError(t, err)

	go n.Run()
	time.Sleep(20 * time.Millisecond)
	n.Terminate()

	done := make(chan struct{})
	go func() {
		n.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Terminate")
	}

	reason, _ := n.ReasonForTermination()
	require.Equal(t, ReasonNormalTermination, reason)
}
