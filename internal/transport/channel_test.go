package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairedChannels(t *testing.T, suite Suite) (*Channel, *Channel) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	secret := []byte("shared-key-agreement-input")
	salt := []byte("per-session-salt")
	key, err := DeriveKey(secret, salt, []byte("fleet/session/v1"))
	require.NoError(t, err)

	a, err := NewChannel(clientConn, suite, key)
	require.NoError(t, err)
	b, err := NewChannel(serverConn, suite, key)
	require.NoError(t, err)
	return a, b
}

func TestChannelRoundTripAESGCM(t *testing.T) {
	a, b := pairedChannels(t, SuiteAES256GCM)
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() { done <- a.SendEncrypted([]byte("hello device")) }()

	got, err := b.ReceiveDecrypted()
	require.NoError(t, err)
	assert.Equal(t, "hello device", string(got))
	require.NoError(t, <-done)
}

func TestChannelRoundTripChaCha20(t *testing.T) {
	a, b := pairedChannels(t, SuiteChaCha20Poly1305)
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() { done <- a.SendEncrypted([]byte("hello device")) }()

	got, err := b.ReceiveDecrypted()
	require.NoError(t, err)
	assert.Equal(t, "hello device", string(got))
	require.NoError(t, <-done)
}

func TestChannelPoisonsOnAEADFailure(t *testing.T) {
	secret := []byte("shared-key-agreement-input")
	keyA, err := DeriveKey(secret, []byte("salt-a"), []byte("fleet/session/v1"))
	require.NoError(t, err)
	keyB, err := DeriveKey(secret, []byte("salt-b"), []byte("fleet/session/v1"))
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	a, err := NewChannel(clientConn, SuiteAES256GCM, keyA)
	require.NoError(t, err)
	b, err := NewChannel(serverConn, SuiteAES256GCM, keyB)
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	go func() { _ = a.SendEncrypted([]byte("will not decrypt")) }()

	_, err = b.ReceiveDecrypted()
	require.Error(t, err)

	_, err = b.ReceiveDecrypted()
	assert.ErrorIs(t, err, ErrChannelPoisoned)
}

func TestNonceWindowDetectsReuse(t *testing.T) {
	w := newNonceWindow(4)
	n := []byte("abcdefghijkl")
	assert.False(t, w.seenBefore(n))
	assert.True(t, w.seenBefore(n))
}

func TestNonceWindowEvictsOldest(t *testing.T) {
	w := newNonceWindow(2)
	assert.False(t, w.seenBefore([]byte("n1")))
	assert.False(t, w.seenBefore([]byte("n2")))
	assert.False(t, w.seenBefore([]byte("n3"))) // evicts n1
	assert.False(t, w.seenBefore([]byte("n1"))) // n1 was evicted, so it's "new" again
}
