package sysenv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCaptureIsStableAcrossCalls(t *testing.T) {
	a, err := Capture()
	require.NoError(t, err)
	b, err := Capture()
	require.NoError(t, err)
	require.True(t, a.Equal(b))
}

func TestChangedReportsFalseWhenNothingMoved(t *testing.T) {
	prev, err := Capture()
	require.NoError(t, err)

	changed, cur, err := Changed(prev)
	require.NoError(t, err)
	require.False(t, changed)
	require.True(t, cur.Equal(prev))
}

func TestFingerprintEqualComparesHash(t *testing.T) {
	f1 := Fingerprint{Hash: 42}
	f2 := Fingerprint{Hash: 42}
	require.True(t, f1.Equal(f2))

	f3 := Fingerprint{Hash: 43}
	require.False(t, f1.Equal(f3))
}
