package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zerotier-go/zt-core/authtoken"
	"github.com/zerotier-go/zt-core/log"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")

	frame := encodeFrame(key, 42, []string{"hello", "world"})
	convID, lines, err := decodeFrame(key, frame)
	require.NoError(t, err)
	require.Equal(t, uint32(42), convID)
	require.Equal(t, []string{"hello", "world"}, lines)
}

func TestDecodeFrameRejectsTamperedTrailer(t *testing.T) {
	var key [32]byte
	frame := encodeFrame(key, 1, []string{"cmd"})
	frame[len(frame)-1] ^= 0xff
	_, _, err := decodeFrame(key, frame)
	require.Error(t, err)
}

func TestServerClientRoundTrip(t *testing.T) {
	home := t.TempDir()
	token, err := authtoken.Load(home)
	require.NoError(t, err)

	srv, err := NewServer(home, token, func(cmd string) []string {
		return []string{"got: " + cmd}
	}, log.Root())
	require.NoError(t, err)
	defer srv.Close()
	go srv.Serve()

	received := make(chan string, 1)
	client, err := NewClient(token, func(convID uint32, line string) {
		received <- line
	})
	require.NoError(t, err)
	defer client.Close()
	go client.Listen()

	convID := client.Send("ping")
	require.NotZero(t, convID)

	select {
	case line := <-received:
		require.Equal(t, "got: ping", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control response")
	}
}

func TestNewServerFailsWhenAlreadyBound(t *testing.T) {
	home := t.TempDir()
	token, err := authtoken.Load(home)
	require.NoError(t, err)

	srv1, err := NewServer(home, token, func(string) []string { return nil }, log.Root())
	require.NoError(t, err)
	defer srv1.Close()

	_, err = NewServer(home, token, func(string) []string { return nil }, log.Root())
	require.ErrorIs(t, err, ErrAnotherInstance)
}

func TestConversationTokenRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], "supersecretsupersecretsupersecr")

	tok, err := EncodeConversationToken(key, 7, time.Minute)
	require.NoError(t, err)

	convID, err := DecodeConversationToken(key, tok)
	require.NoError(t, err)
	require.Equal(t, uint32(7), convID)
}
