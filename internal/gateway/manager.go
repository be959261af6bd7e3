package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"

	"github.com/edgewasm/fleet/internal/errs"
	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/telemetry"
	"github.com/edgewasm/fleet/internal/wire"
)

// deviceNamespaceUUID is the fixed namespace fed into uuid.NewSHA1 so a
// device's UUID is a deterministic function of its public key alone
// (spec §4.5.1 "compute or look up a 16-byte UUID (deterministic from
// key for existing devices)", exercised literally by §8 scenario 1).
var deviceNamespaceUUID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Manager is the gateway session manager (C5): it accepts connections,
// drives each through the enrollment state machine, maintains the
// session registry, dispatches commands, and sweeps for dead sessions.
// Shape mirrors webpa-common/device/manager.go's Manager interface
// (Connector + Router + Registry) adapted to this spec's own 5-state
// handshake instead of webpa-common's single-shot auth handshake.
type Manager struct {
	store     store.Store
	gatewayNS string
	gateway   string // this gateway resource's name, stamped into Device.status.gateway

	registry *sessionRegistry
	admin    *adminConfigBox
	logger   log.Logger

	maxDevices int

	disconnectedMu sync.Mutex
	disconnectedAt map[string]time.Time
}

// NewManager constructs a Manager bound to st, identified as gatewayName
// in namespace gatewayNS for the purpose of Device.status.gateway
// stamping, with the given initial admin configuration.
func NewManager(st store.Store, gatewayNS, gatewayName string, maxDevices int, cfg AdminConfig, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		store:          st,
		gatewayNS:      gatewayNS,
		gateway:        gatewayName,
		registry:       newSessionRegistry(),
		admin:          newAdminConfigBox(cfg),
		logger:         telemetry.WithComponent(logger, "gateway"),
		maxDevices:     maxDevices,
		disconnectedAt: make(map[string]time.Time),
	}
}

// Admin exposes the mutable pairing/timeout configuration to the admin
// API (C9).
func (m *Manager) Admin() interface {
	Snapshot() AdminConfig
	SetPairingMode(bool)
	SetPairingTimeout(time.Duration)
	SetHeartbeatTimeout(time.Duration)
} {
	return m.admin
}

// Registry exposes the read side of the session map.
func (m *Manager) Registry() Registry { return m.registry }

var _ Router = (*Manager)(nil)

// Route implements Router: it enqueues msg onto deviceID's outbound
// queue, failing with ErrDeviceNotConnected if no live session exists
// (spec §4.5.4).
func (m *Manager) Route(deviceID string, msg wire.Message) error {
	sess, ok := m.registry.Get(deviceID)
	if !ok {
		return &ErrDeviceNotConnected{DeviceID: deviceID}
	}
	if !sess.Enqueue(msg) {
		return &ErrDeviceNotConnected{DeviceID: deviceID}
	}
	return nil
}

// Serve drives conn through the handshake and, on success, the Ready
// steady-state loop until the session closes. It blocks for the
// connection's entire lifetime and is meant to be invoked as
// `go manager.Serve(conn)` per accepted net.Conn.
func (m *Manager) Serve(conn WireConn) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := newSession(conn, cancel)
	defer func() {
		if sess.State() != Terminated {
			sess.Close(ReasonChannelLost)
		}
	}()

	deviceID, err := m.handshake(ctx, sess)
	if err != nil {
		telemetry.Debug(m.logger).Log("msg", "handshake failed", "remote", conn.RemoteAddr(), "kind", errs.KindOf(err).String(), "err", err)
		return
	}

	go m.writePump(sess)
	m.readPump(ctx, sess, deviceID)
}

// handshake executes Handshaking -> AwaitingPublicKey -> AwaitingEnrollAck
// -> Ready (spec §4.5.1), returning the device's resolved deviceID once
// Ready. AwaitingCompletionAck is not entered: after the
// EnrollmentAcknowledgment the gateway sends EnrollmentCompleted and moves
// straight to Ready.
func (m *Manager) handshake(ctx context.Context, sess *Session) (string, error) {
	admin := m.admin.Snapshot()
	deadline := time.Now().Add(admin.PairingTimeout)

	sess.setState(AwaitingPublicKey)

	env, err := m.recvWithDeadline(ctx, sess, deadline)
	if err != nil {
		return "", errs.TransientErr("gateway.awaitEnrollmentRequest", err)
	}
	if _, ok := env.Message.(wire.EnrollmentRequest); !ok {
		return "", errs.ProtocolErr("gateway.awaitEnrollmentRequest", fmt.Errorf("expected EnrollmentRequest, got %T", env.Message))
	}

	// EnrollmentAccepted is sent unconditionally here: with pairing mode
	// off the accept/reject decision needs the device's key, which only
	// arrives with the next message, so it is deferred until then (spec
	// §4.5.1: accept "if pairing mode is on or the key is already known").
	if err := sess.sendNow(wire.EnrollmentAccepted{}); err != nil {
		return "", err
	}

	env, err = m.recvWithDeadline(ctx, sess, deadline)
	if err != nil {
		return "", errs.TransientErr("gateway.awaitPublicKey", err)
	}
	pk, ok := env.Message.(wire.PublicKey)
	if !ok {
		return "", errs.ProtocolErr("gateway.awaitPublicKey", fmt.Errorf("expected PublicKey, got %T", env.Message))
	}

	deviceUUID := uuid.NewSHA1(deviceNamespaceUUID, pk.Key)
	deviceID := deviceUUID.String()

	sess.mu.Lock()
	sess.publicKey = append([]byte(nil), pk.Key...)
	sess.deviceUUID = [16]byte(deviceUUID)
	sess.deviceName = deviceID
	sess.mu.Unlock()

	// With pairing mode off, only a key the store already holds (an
	// enrolled device reconnecting) may proceed; an unknown key is
	// rejected with the same reason payload §8 scenario 4 names.
	if !admin.PairingMode && !m.isKnownKey(deviceID, pk.Key) {
		_ = sess.sendNow(wire.EnrollmentRejected{Reason: []byte("pairing disabled")})
		sess.Close(ReasonPairingDisabled)
		return "", errs.AuthorizationErr("gateway.enroll", fmt.Errorf("pairing disabled, rejecting unknown device"))
	}

	// max_devices (spec §4.5 Gateway.spec, SPEC_FULL.md §4.5 registry
	// contract) caps live sessions; a same-key handshake that would only
	// supersede its own previous session never counts against the cap.
	if _, existing := m.registry.Get(deviceID); !existing && m.maxDevices > 0 && m.registry.Len() >= m.maxDevices {
		_ = sess.sendNow(wire.EnrollmentRejected{Reason: []byte("gateway at device capacity")})
		sess.Close(ReasonDeviceCapacityReached)
		return "", errs.ResourceLimitErr("gateway.handshake", fmt.Errorf("gateway at max_devices capacity (%d)", m.maxDevices))
	}

	if previous := m.registry.add(deviceID, sess); previous != nil {
		previous.Close(ReasonSupersededBySameKey)
	}

	var uuidBytes [16]byte = deviceUUID
	if err := sess.sendNow(wire.DeviceUUID{UUID: uuidBytes}); err != nil {
		m.registry.remove(deviceID, sess)
		return "", err
	}
	sess.setState(AwaitingEnrollAck)

	env, err = m.recvWithDeadline(ctx, sess, deadline)
	if err != nil {
		m.registry.remove(deviceID, sess)
		return "", errs.TransientErr("gateway.awaitEnrollmentAcknowledgment", err)
	}
	if _, ok := env.Message.(wire.EnrollmentAcknowledgment); !ok {
		m.registry.remove(deviceID, sess)
		return "", errs.ProtocolErr("gateway.awaitEnrollmentAcknowledgment", fmt.Errorf("expected EnrollmentAcknowledgment, got %T", env.Message))
	}

	if err := m.persistEnrolledDevice(deviceID, pk.Key); err != nil {
		m.registry.remove(deviceID, sess)
		return "", errs.TransientErr("gateway.persistEnrolledDevice", err)
	}

	if err := sess.sendNow(wire.EnrollmentCompleted{}); err != nil {
		m.registry.remove(deviceID, sess)
		return "", err
	}

	m.disconnectedMu.Lock()
	delete(m.disconnectedAt, deviceID)
	m.disconnectedMu.Unlock()

	sess.touchRx()
	sess.setState(Ready)
	return deviceID, nil
}

// isKnownKey reports whether deviceID names an already-enrolled Device
// resource whose stored public key matches publicKey byte for byte.
func (m *Manager) isKnownKey(deviceID string, publicKey []byte) bool {
	res, err := m.store.Get(store.KindDevice, m.gatewayNS, deviceID)
	if err != nil {
		return false
	}
	dev, ok := res.(*store.Device)
	return ok && bytes.Equal(dev.Spec.PublicKey, publicKey)
}

// recvWithDeadline races sess.conn.Receive against deadline, since
// WireConn's Receive has no context support of its own; ctx cancellation
// also aborts the wait.
func (m *Manager) recvWithDeadline(ctx context.Context, sess *Session, deadline time.Time) (wire.Envelope, error) {
	type result struct {
		env wire.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := sess.conn.Receive(wire.ClientToGateway)
		ch <- result{env, err}
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case r := <-ch:
		sess.touchRx()
		return r.env, r.err
	case <-timer.C:
		sess.Close(ReasonHandshakeTimeout)
		return wire.Envelope{}, errs.TransientErr("gateway.recvWithDeadline", fmt.Errorf("handshake timeout"))
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// persistEnrolledDevice creates or updates the Device resource once
// enrollment completes (spec §4.5.1's AwaitingEnrollAck transition).
func (m *Manager) persistEnrolledDevice(deviceID string, publicKey []byte) error {
	now := time.Now()
	existing, err := m.store.Get(store.KindDevice, m.gatewayNS, deviceID)
	if err == store.ErrNotFound {
		dev := &store.Device{
			ObjectMeta: store.ObjectMeta{Name: deviceID, Namespace: m.gatewayNS},
			Spec:       store.DeviceSpec{PublicKey: publicKey},
			Status: store.DeviceStatus{
				Phase:          store.DeviceEnrolled,
				Gateway:        &store.GatewayRef{Name: m.gateway, Namespace: m.gatewayNS},
				ConnectedSince: &now,
				LastHeartbeat:  &now,
			},
		}
		return m.store.Create(dev)
	}
	if err != nil {
		return err
	}

	patch, _ := json.Marshal(map[string]interface{}{
		"phase":          string(store.DeviceEnrolled),
		"gateway":        store.GatewayRef{Name: m.gateway, Namespace: m.gatewayNS},
		"connectedSince": now,
		"lastHeartbeat":  now,
	})
	return m.store.PatchStatus(store.KindDevice, m.gatewayNS, existing.Meta().Name, patch, "")
}
