package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zerotier-go/zt-core/identity"
)

func addr(b byte) identity.Address {
	var a identity.Address
	a[0] = b
	return a
}

func TestCollectPeersWithActiveDirectPath(t *testing.T) {
	top, err := New(t.TempDir(), 30*time.Second)
	require.NoError(t, err)

	now := time.Now()
	top.Touch(addr(1), now)
	top.Touch(addr(2), now.Add(-time.Minute)) // stale, outside pathTimeout

	active := top.CollectPeersWithActiveDirectPath(now)
	require.ElementsMatch(t, []identity.Address{addr(1)}, active)
}

func TestCollectPeersThatNeedPing(t *testing.T) {
	top, err := New(t.TempDir(), 30*time.Second)
	require.NoError(t, err)

	now := time.Now()
	top.Touch(addr(1), now)
	top.RecordSend(addr(1), now.Add(-10*time.Second))

	needPing := top.CollectPeersThatNeedPing(now, 5*time.Second)
	require.ElementsMatch(t, []identity.Address{addr(1)}, needPing)

	needPing = top.CollectPeersThatNeedPing(now, time.Minute)
	require.Empty(t, needPing)
}

func TestSupernodeRoundTrip(t *testing.T) {
	top, err := New(t.TempDir(), 30*time.Second)
	require.NoError(t, err)

	top.SetSupernodes([]identity.Address{addr(9)})
	require.True(t, top.AmSupernode(addr(9)))
	require.False(t, top.AmSupernode(addr(1)))
	require.ElementsMatch(t, []identity.Address{addr(9)}, top.SupernodePeers())
}

func TestCleanEvictsStalePeersButKeepsSupernodes(t *testing.T) {
	home := t.TempDir()
	top, err := New(home, 30*time.Second)
	require.NoError(t, err)

	top.SetSupernodes([]identity.Address{addr(9)})
	top.Touch(addr(1), time.Now())

	require.NoError(t, top.Clean())

	var sawOne bool
	top.EachPeer(func(p *Peer) {
		if p.Address == addr(1) {
			sawOne = true
		}
	})
	require.True(t, sawOne)
	require.True(t, top.AmSupernode(addr(9)))
	require.NoError(t, top.Close())
}

func TestPeerDBRoundTrip(t *testing.T) {
	home := t.TempDir()
	db, err := OpenPeerDB(home)
	require.NoError(t, err)

	recs := []PeerRecord{{Address: addr(1), LastDirectSend: time.Now().Truncate(time.Second)}}
	require.NoError(t, db.Save(recs))
	require.NoError(t, db.Close())

	db2, err := OpenPeerDB(home)
	require.NoError(t, err)
	defer db2.Close()
	loaded := db2.Load()
	require.Len(t, loaded, 1)
	require.Equal(t, recs[0].Address, loaded[0].Address)
}
