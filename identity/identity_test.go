package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zerotier-go/zt-core/log"
)

func testLogger() log.Logger {
	l := log.Root()
	l.SetHandler(log.DiscardHandler())
	return l
}

func TestStoreGeneratesAndPersists(t *testing.T) {
	home := t.TempDir()
	id, err := Store(home, 0, testLogger())
	require.NoError(t, err)
	require.NotEqual(t, Address{}, id.Address())

	pub, err := os.ReadFile(filepath.Join(home, publicFileName))
	require.NoError(t, err)
	require.Equal(t, id.publicHex(), string(pub))

	info, err := os.Stat(filepath.Join(home, secretFileName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStoreIsIdempotentAcrossRestarts(t *testing.T) {
	home := t.TempDir()
	first, err := Store(home, 0, testLogger())
	require.NoError(t, err)

	second, err := Store(home, 0, testLogger())
	require.NoError(t, err)

	require.Equal(t, first.Address(), second.Address())
	require.Equal(t, first.PrivateKeyBytes(), second.PrivateKeyBytes())
}

func TestReconcilePublicOverwritesMismatch(t *testing.T) {
	home := t.TempDir()
	id, err := Store(home, 0, testLogger())
	require.NoError(t, err)

	publicPath := filepath.Join(home, publicFileName)
	require.NoError(t, os.WriteFile(publicPath, []byte("corrupted"), 0644))

	_, err = Store(home, 0, testLogger())
	require.NoError(t, err)

	got, err := os.ReadFile(publicPath)
	require.NoError(t, err)
	require.Equal(t, id.publicHex(), string(got))
}

func TestGenerateHonorsDifficulty(t *testing.T) {
	id, err := generate(1)
	require.NoError(t, err)
	require.True(t, hasLeadingZeroNibbles(id.Address(), 1))
}

func TestLoadSecretRejectsGarbage(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, secretFileName), []byte("not hex"), 0600))
	_, err := Store(home, 0, testLogger())
	require.Error(t, err)
}
