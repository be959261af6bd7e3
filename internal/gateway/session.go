package gateway

import (
	"sync"
	"time"

	"github.com/edgewasm/fleet/internal/wire"
)

// State is a session's position in the enrollment state machine (spec
// §3 Session, §4.5.1).
type State int

const (
	Handshaking State = iota
	AwaitingPublicKey
	AwaitingEnrollAck
	AwaitingCompletionAck
	Ready
	Terminated
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "Handshaking"
	case AwaitingPublicKey:
		return "AwaitingPublicKey"
	case AwaitingEnrollAck:
		return "AwaitingEnrollAck"
	case AwaitingCompletionAck:
		return "AwaitingCompletionAck"
	case Ready:
		return "Ready"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// CloseReason names why a session was torn down, surfaced to callers
// for diagnostics; it is not written to the declarative store — spec §4.5.1/§4.5.2's HandshakeTimeout, HeartbeatTimeout,
// SupersededBySameKey, ChannelLost reasons.
type CloseReason string

const (
	ReasonHandshakeTimeout      CloseReason = "HandshakeTimeout"
	ReasonHeartbeatTimeout      CloseReason = "HeartbeatTimeout"
	ReasonSupersededBySameKey   CloseReason = "SupersededBySameKey"
	ReasonChannelLost           CloseReason = "ChannelLost"
	ReasonPairingDisabled       CloseReason = "PairingDisabled"
	ReasonDeviceCapacityReached CloseReason = "DeviceCapacityReached"
	ReasonExplicitDisconnect    CloseReason = "ExplicitDisconnect"
)

// Session is the runtime, gateway-local state for one device connection
// (spec §3 "Session"). It is exclusively owned by the gateway process
// that created it; only that gateway routes messages to it.
type Session struct {
	conn WireConn

	mu         sync.Mutex
	state      State
	publicKey  []byte
	deviceUUID [16]byte
	deviceName string // resolved once the PublicKey message arrives
	lastRx     time.Time
	lastTx     time.Time

	outbound  chan wire.Message
	nextMsgID uint64

	cancel func()
	done   chan struct{}
	reason CloseReason
}

// newSession constructs a session in the Handshaking state with a
// bounded outbound queue, mirroring webpa-common/device/manager.go's
// per-device send channel.
func newSession(conn WireConn, cancel func()) *Session {
	now := time.Now()
	return &Session{
		conn:     conn,
		state:    Handshaking,
		lastRx:   now,
		lastTx:   now,
		outbound: make(chan wire.Message, 32),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// State returns the session's current state under lock.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// PublicKey returns the device's enrolled public key, if known.
func (s *Session) PublicKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.publicKey...)
}

// DeviceName returns the resolved device resource name (set once the
// handshake has received the device's PublicKey).
func (s *Session) DeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceName
}

func (s *Session) touchRx() {
	s.mu.Lock()
	s.lastRx = time.Now()
	s.mu.Unlock()
}

// LastRx reports when the session last received a message, used by the
// liveness sweep (spec §4.5.2).
func (s *Session) LastRx() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRx
}

func (s *Session) touchTx() {
	s.mu.Lock()
	s.lastTx = time.Now()
	s.mu.Unlock()
}

// LastTx reports when the session last put a message on the wire.
func (s *Session) LastTx() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTx
}

// sendNow stamps the next gateway->device message_id onto msg and writes
// it synchronously, bypassing the outbound queue. Used by the handshake
// and by the write pump as it drains the outbound queue.
func (s *Session) sendNow(msg wire.Message) error {
	env := wire.Envelope{Version: wire.V0, MessageID: s.nextMessageID(), Message: msg}
	if err := s.conn.Send(env); err != nil {
		return err
	}
	s.touchTx()
	return nil
}

// Enqueue pushes msg onto the session's outbound queue (spec §4.5.4
// command dispatch); the write pump stamps its message_id when it
// dequeues, so ids always match actual wire order. Returns false if the
// queue is full or the session is closed, so callers (the admin API,
// controllers) can surface DeviceNotConnected-style failures instead of
// blocking.
func (s *Session) Enqueue(msg wire.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- msg:
		return true
	default:
		return false
	}
}

// nextMessageID returns the next strictly increasing message_id for this
// session's gateway->device direction (spec §3's monotonic message_id
// invariant).
func (s *Session) nextMessageID() uint64 {
	s.mu.Lock()
	s.nextMsgID++
	id := s.nextMsgID
	s.mu.Unlock()
	return id
}

// Close tears the session down with reason, cancelling its goroutines
// and closing the underlying connection exactly once.
func (s *Session) Close(reason CloseReason) {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return
	}
	s.state = Terminated
	s.reason = reason
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close()
	close(s.done)
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason reports why a terminated session was closed.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
