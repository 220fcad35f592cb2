package netifreg

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zerotier-go/zt-core/log"
	"github.com/zerotier-go/zt-core/multicast"
)

type fakeTap struct {
	closed      bool
	reconfigured int
	groups      []multicast.Group
}

func (f *fakeTap) Close() error         { f.closed = true; return nil }
func (f *fakeTap) Reconfigure() error   { f.reconfigured++; return nil }
func (f *fakeTap) Inject(frame []byte) error { return nil }
func (f *fakeTap) MulticastGroups() []multicast.Group { return f.groups }

func newTestRegistry(t *testing.T) (*Registry, map[NetworkID]*fakeTap) {
	taps := map[NetworkID]*fakeTap{}
	r := New(func(id NetworkID) (Tap, error) {
		tap := &fakeTap{}
		taps[id] = tap
		return tap, nil
	}, log.Root())
	return r, taps
}

func TestJoinIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, err := r.Join(1)
	require.NoError(t, err)
	b, err := r.Join(1)
	require.NoError(t, err)
	require.Same(t, a, b)
}

func TestLeaveClosesTapAndRemovesNetwork(t *testing.T) {
	r, taps := newTestRegistry(t)
	_, err := r.Join(1)
	require.NoError(t, err)

	require.NoError(t, r.Leave(1))
	require.True(t, taps[1].closed)
	require.Nil(t, r.Network(1))
}

func TestWhackAllTapsClosesEveryTap(t *testing.T) {
	r, taps := newTestRegistry(t)
	_, _ = r.Join(1)
	_, _ = r.Join(2)

	require.NoError(t, r.WhackAllTaps())
	require.True(t, taps[1].closed)
	require.True(t, taps[2].closed)
	require.Zero(t, taps[1].reconfigured)
}

func TestReconfigureAllTapsNeverCloses(t *testing.T) {
	r, taps := newTestRegistry(t)
	_, _ = r.Join(1)
	_, _ = r.Join(2)

	require.NoError(t, r.ReconfigureAllTaps())
	require.Equal(t, 1, taps[1].reconfigured)
	require.Equal(t, 1, taps[2].reconfigured)
	require.False(t, taps[1].closed)
	require.False(t, taps[2].closed)
	require.NotNil(t, r.Network(1))
}

func TestCleanAllNetworksAnnouncesOnlyChangedNetworks(t *testing.T) {
	r, taps := newTestRegistry(t)
	_, _ = r.Join(1)
	_, _ = r.Join(2)
	taps[1].groups = []multicast.Group{{ADI: 7}}

	var announced []NetworkID
	r.CleanAllNetworks(func(id NetworkID, groups []multicast.Group) {
		announced = append(announced, id)
	})
	require.Equal(t, []NetworkID{1}, announced)
}
