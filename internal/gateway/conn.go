// Package gateway implements the per-connection session manager (spec
// §4.5, C5): the enrollment/heartbeat state machine, the device
// registry, liveness sweeping, and command dispatch onto a device's
// outbound queue. Its registry/pump/Connector-Router-Registry split is
// grounded directly on webpa-common/device/manager.go (see DESIGN.md).
package gateway

import (
	"fmt"
	"net"

	"github.com/edgewasm/fleet/internal/transport"
	"github.com/edgewasm/fleet/internal/wire"
)

// WireConn sends and receives wire envelopes over some underlying
// transport. The production implementation (secureConn) layers envelopes
// on transport.Channel's per-message AEAD; a plainConn variant (used by
// protocol-level tests that don't want to stand up TLS) applies the same
// length-prefix framing wire.EncodeFrame/ReadFrame define directly over a
// net.Conn, per SPEC_FULL.md §8's integration-test note.
type WireConn interface {
	Send(env wire.Envelope) error
	Receive(dir wire.Direction) (wire.Envelope, error)
	Close() error
	RemoteAddr() net.Addr
}

// secureConn sends each envelope as one SendEncrypted/ReceiveDecrypted
// round over a transport.Channel, per spec §4.2's relationship between
// C1 and C2.
type secureConn struct {
	ch   *transport.Channel
	conn net.Conn
}

// NewSecureConn wraps an established transport.Channel for wire-level
// send/receive.
func NewSecureConn(ch *transport.Channel, conn net.Conn) WireConn {
	return &secureConn{ch: ch, conn: conn}
}

func (c *secureConn) Send(env wire.Envelope) error {
	payload, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("gateway: encode envelope: %w", err)
	}
	return c.ch.SendEncrypted(payload)
}

func (c *secureConn) Receive(dir wire.Direction) (wire.Envelope, error) {
	payload, err := c.ch.ReceiveDecrypted()
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Decode(payload, dir)
}

func (c *secureConn) Close() error          { return c.ch.Close() }
func (c *secureConn) RemoteAddr() net.Addr  { return c.conn.RemoteAddr() }

// plainConn applies wire's own length-prefix framing directly to a
// net.Conn, with no encryption layer — used by pure protocol-level tests
// (spec §8's literal end-to-end scenarios) that exercise the enrollment
// state machine without standing up mutual TLS. No configuration flag
// selects it in the gateway or device binaries.
type plainConn struct {
	conn net.Conn
	pool *wire.FramePool
}

// framePool is shared by every plainConn in the process; frames are
// returned to it as soon as they hit the socket.
var framePool = wire.NewFramePool(wire.DefaultPoolSize, wire.DefaultInitialBufferSize)

// NewPlainConn wraps conn for unencrypted, length-framed wire traffic.
func NewPlainConn(conn net.Conn) WireConn { return &plainConn{conn: conn, pool: framePool} }

func (c *plainConn) Send(env wire.Envelope) error {
	frame, err := c.pool.EncodeFrame(env)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(frame)
	c.pool.Put(frame)
	return err
}

func (c *plainConn) Receive(dir wire.Direction) (wire.Envelope, error) {
	return wire.ReadFrame(c.conn, dir)
}

func (c *plainConn) Close() error         { return c.conn.Close() }
func (c *plainConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
