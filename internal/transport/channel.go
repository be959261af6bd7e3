// Package transport implements the secure, stream-oriented, length-framed
// channel (spec §4.2). A Channel wraps a net.Conn that has already
// completed a mutual-TLS handshake and layers per-message AEAD encryption
// and framing on top: SendEncrypted/ReceiveDecrypted are the two
// primitives C1 (internal/wire) builds envelopes on top of.
package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
)

// MaxCiphertextFrame bounds a single encrypted frame the same way spec
// §4.1 bounds a plaintext one.
const MaxCiphertextFrame = 16*1024*1024 + 64 // headroom for the AEAD tag

// AEAD suite identifiers negotiated once per connection (spec §4.2).
type Suite byte

const (
	SuiteAES256GCM       Suite = 1
	SuiteChaCha20Poly1305 Suite = 2
)

// ErrChannelPoisoned is returned by every subsequent call once a
// cryptographic failure has torn a Channel down. The caller must close
// the connection and let the session manager observe ChannelLost.
var ErrChannelPoisoned = fmt.Errorf("transport: channel poisoned")

// ErrNonceReuse is returned when a peer replays a nonce (spec §9 open
// question: this implementation uses random 96-bit nonces with a
// per-session dedup window rather than a fixed-high-bits counter).
var ErrNonceReuse = fmt.Errorf("transport: nonce reuse detected")

// Channel is a mutually authenticated, length-framed, encrypted stream.
// The read and write paths are independently serialized so a receiver
// blocked waiting for the peer's next frame never stalls a concurrent
// sender (the session manager runs one pump per direction).
type Channel struct {
	conn  net.Conn
	aead  cipher.AEAD
	suite Suite

	rmu sync.Mutex // serializes ReceiveDecrypted and guards seen
	wmu sync.Mutex // serializes SendEncrypted

	stateMu  sync.Mutex
	poisoned bool

	seen *nonceWindow
}

func (c *Channel) isPoisoned() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.poisoned
}

func (c *Channel) poison() {
	c.stateMu.Lock()
	c.poisoned = true
	c.stateMu.Unlock()
}

// DeriveKey runs HKDF-SHA256 over secret with the given salt and info,
// producing a 32-byte session key. Two peers that exchange the same
// secret, salt, and info derive identical keys without transmitting the
// key itself.
func DeriveKey(secret, salt, info []byte) ([32]byte, error) {
	var key [32]byte
	kdf := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("transport: hkdf expand: %w", err)
	}
	return key, nil
}

// NewChannel wraps conn with an AEAD derived from key, using suite.
func NewChannel(conn net.Conn, suite Suite, key [32]byte) (*Channel, error) {
	var aead cipher.AEAD
	var err error

	switch suite {
	case SuiteAES256GCM:
		b, aerr := aes.NewCipher(key[:])
		if aerr != nil {
			return nil, fmt.Errorf("transport: aes init: %w", aerr)
		}
		aead, err = cipher.NewGCM(b)
	case SuiteChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key[:])
	default:
		return nil, fmt.Errorf("transport: unknown suite %d", suite)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: aead init: %w", err)
	}

	return &Channel{
		conn:  conn,
		aead:  aead,
		suite: suite,
		seen:  newNonceWindow(4096),
	}, nil
}

// SendEncrypted seals plaintext under a fresh random nonce and writes it
// as a length-prefixed ciphertext frame.
func (c *Channel) SendEncrypted(plaintext []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.isPoisoned() {
		return ErrChannelPoisoned
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		c.poison()
		return fmt.Errorf("transport: nonce generation: %w", err)
	}

	ciphertext := c.aead.Seal(nil, nonce, plaintext, nil)
	frame := make([]byte, 4+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(nonce)+len(ciphertext)))
	copy(frame[4:], nonce)
	copy(frame[4+len(nonce):], ciphertext)

	if _, err := c.conn.Write(frame); err != nil {
		c.poison()
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// ReceiveDecrypted reads the next length-prefixed ciphertext frame and
// returns its decrypted plaintext. Any AEAD failure or nonce reuse
// poisons the channel: the caller must tear down the connection.
func (c *Channel) ReceiveDecrypted() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.isPoisoned() {
		return nil, ErrChannelPoisoned
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxCiphertextFrame {
		c.poison()
		return nil, fmt.Errorf("transport: ciphertext frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, err
	}

	nonceSize := c.aead.NonceSize()
	if len(buf) < nonceSize {
		c.poison()
		return nil, fmt.Errorf("transport: ciphertext shorter than nonce")
	}
	nonce, ciphertext := buf[:nonceSize], buf[nonceSize:]

	if c.seen.seenBefore(nonce) {
		c.poison()
		return nil, ErrNonceReuse
	}

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		c.poison()
		return nil, fmt.Errorf("transport: aead open: %w", err)
	}

	return plaintext, nil
}

// Close releases the underlying connection.
func (c *Channel) Close() error {
	c.poison()
	return c.conn.Close()
}
