package natpunch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpperProtoDefaultsToUDP(t *testing.T) {
	require.Equal(t, "UDP", upperProto(""))
}

func TestUpperProtoUppercasesInput(t *testing.T) {
	require.Equal(t, "TCP", upperProto("tcp"))
	require.Equal(t, "UDP", upperProto("UDP"))
}

func TestNoopPuncherMappingCallsSucceed(t *testing.T) {
	var p noopPuncher
	require.NoError(t, p.AddMapping(Mapping{Protocol: "udp", ExtPort: 9993}))
	require.NoError(t, p.DeleteMapping(Mapping{Protocol: "udp", ExtPort: 9993}))
}

func TestNoopPuncherExternalIPFails(t *testing.T) {
	var p noopPuncher
	_, err := p.ExternalIP()
	require.Error(t, err)
}

// TestDiscoverNeverReturnsAnError exercises the full discovery fallback
// chain (UPnP, then NAT-PMP, then noopPuncher); Discover's contract is that
// the absence of any gateway is a no-op, not a failure — the firewall-opener
// dispatch treats "no NAT" as a normal network shape.
func TestDiscoverNeverReturnsAnError(t *testing.T) {
	p, err := Discover(200 * time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, p)
}
