package transport

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
)

// exporterLabel feeds crypto/tls's keying-material exporter (RFC 5705),
// which gives both peers of an already-completed mutual-TLS handshake an
// identical secret without any further exchange over the wire — the spec
// leaves the exact KDF input to the implementer (§4.2); exporting from
// the negotiated TLS session avoids inventing a bespoke key-agreement
// step. hkdfInfo is a fixed context label: it must be byte-identical on
// both ends, so nothing endpoint-relative (addresses in particular read
// reversed on the two peers) may go into it. The exporter secret and the
// per-session salt already bind the derived key to this one connection.
const (
	exporterLabel = "fleet/session/v1"
	hkdfInfo      = "fleet/aead/v1"
	saltSize      = 32
)

// NegotiateServer completes the post-TLS-handshake AEAD negotiation on
// the accept side: it reads the client's preferred suite, confirms it
// (falling back to AES-256-GCM if the client asked for something this
// build doesn't support), sends a fresh random salt, and derives the
// session key via DeriveKey. conn must already be a completed
// *tls.Conn.
func NegotiateServer(conn *tls.Conn) (*Channel, error) {
	if err := conn.Handshake(); err != nil {
		return nil, fmt.Errorf("transport: server tls handshake: %w", err)
	}

	var suiteByte [1]byte
	if _, err := io.ReadFull(conn, suiteByte[:]); err != nil {
		return nil, fmt.Errorf("transport: read suite choice: %w", err)
	}
	suite := Suite(suiteByte[0])
	if suite != SuiteAES256GCM && suite != SuiteChaCha20Poly1305 {
		suite = SuiteAES256GCM
	}
	if _, err := conn.Write([]byte{byte(suite)}); err != nil {
		return nil, fmt.Errorf("transport: confirm suite: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("transport: generate salt: %w", err)
	}
	if err := writeSalt(conn, salt); err != nil {
		return nil, err
	}

	state := conn.ConnectionState()
	secret, err := state.ExportKeyingMaterial(exporterLabel, nil, 32)
	if err != nil {
		return nil, fmt.Errorf("transport: export keying material: %w", err)
	}
	key, err := DeriveKey(secret, salt, []byte(hkdfInfo))
	if err != nil {
		return nil, err
	}

	return NewChannel(conn, suite, key)
}

// NegotiateClient is NegotiateServer's dial-side counterpart: it offers
// preferred, reads back the gateway's confirmed suite, reads the salt,
// and derives the same session key.
func NegotiateClient(conn *tls.Conn, preferred Suite) (*Channel, error) {
	if err := conn.Handshake(); err != nil {
		return nil, fmt.Errorf("transport: client tls handshake: %w", err)
	}

	if _, err := conn.Write([]byte{byte(preferred)}); err != nil {
		return nil, fmt.Errorf("transport: offer suite: %w", err)
	}

	var suiteByte [1]byte
	if _, err := io.ReadFull(conn, suiteByte[:]); err != nil {
		return nil, fmt.Errorf("transport: read confirmed suite: %w", err)
	}
	suite := Suite(suiteByte[0])

	salt, err := readSalt(conn)
	if err != nil {
		return nil, err
	}

	state := conn.ConnectionState()
	secret, err := state.ExportKeyingMaterial(exporterLabel, nil, 32)
	if err != nil {
		return nil, fmt.Errorf("transport: export keying material: %w", err)
	}
	key, err := DeriveKey(secret, salt, []byte(hkdfInfo))
	if err != nil {
		return nil, err
	}

	return NewChannel(conn, suite, key)
}

func writeSalt(w io.Writer, salt []byte) error {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(salt)))
	if _, err := w.Write(lb[:]); err != nil {
		return fmt.Errorf("transport: write salt length: %w", err)
	}
	if _, err := w.Write(salt); err != nil {
		return fmt.Errorf("transport: write salt: %w", err)
	}
	return nil
}

func readSalt(r io.Reader) ([]byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, fmt.Errorf("transport: read salt length: %w", err)
	}
	n := binary.BigEndian.Uint32(lb[:])
	if n > 256 {
		return nil, fmt.Errorf("transport: implausible salt length %d", n)
	}
	salt := make([]byte, n)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("transport: read salt: %w", err)
	}
	return salt, nil
}
