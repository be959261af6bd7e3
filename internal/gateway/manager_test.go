package gateway

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/store/memstore"
	"github.com/edgewasm/fleet/internal/wire"
)

func testManager(t *testing.T, pairingMode bool) (*Manager, net.Conn) {
	t.Helper()
	st := memstore.New()
	mgr := NewManager(st, "default", "gw-1", 10, AdminConfig{
		PairingMode:            pairingMode,
		PairingTimeout:         time.Second,
		HeartbeatTimeout:       time.Minute,
		HeartbeatCheckInterval: time.Minute,
	}, nil)

	serverSide, clientSide := net.Pipe()
	go mgr.Serve(NewPlainConn(serverSide))
	return mgr, clientSide
}

// freshEnrollment exercises spec §8 scenario 1 literally.
func TestFreshEnrollment(t *testing.T) {
	mgr, client := testManager(t, true)
	defer client.Close()

	send := func(msg wire.Message) {
		require.NoError(t, wire.WriteFrame(client, wire.Envelope{Version: wire.V0, MessageID: 1, Message: msg}))
	}
	recv := func() wire.Envelope {
		env, err := wire.ReadFrame(client, wire.GatewayToDevice)
		require.NoError(t, err)
		return env
	}

	send(wire.EnrollmentRequest{})
	env := recv()
	assert.IsType(t, wire.EnrollmentAccepted{}, env.Message)

	key := make([]byte, 32)
	send(wire.PublicKey{Key: key})
	env = recv()
	uuidMsg, ok := env.Message.(wire.DeviceUUID)
	require.True(t, ok)

	send(wire.EnrollmentAcknowledgment{})
	env = recv()
	assert.IsType(t, wire.EnrollmentCompleted{}, env.Message)

	deviceID := deviceIDString(uuidMsg.UUID)
	waitFor(t, func() bool {
		_, ok := mgr.Registry().Get(deviceID)
		return ok
	})

	dev, err := mgr.store.Get(store.KindDevice, "default", deviceID)
	require.NoError(t, err)
	d := dev.(*store.Device)
	assert.Equal(t, store.DeviceEnrolled, d.Status.Phase)
	require.NotNil(t, d.Status.Gateway)
	assert.Equal(t, "gw-1", d.Status.Gateway.Name)
}

// rejectedEnrollmentPairingOff exercises spec §8 scenario 4: the gateway
// cannot judge a key it hasn't seen, so it accepts the EnrollmentRequest,
// reads the PublicKey, finds it unknown, and only then rejects — no
// Device resource is ever created.
func TestRejectedEnrollmentPairingOff(t *testing.T) {
	mgr, client := testManager(t, false)
	defer client.Close()

	require.NoError(t, wire.WriteFrame(client, wire.Envelope{Message: wire.EnrollmentRequest{}}))
	env, err := wire.ReadFrame(client, wire.GatewayToDevice)
	require.NoError(t, err)
	assert.IsType(t, wire.EnrollmentAccepted{}, env.Message)

	require.NoError(t, wire.WriteFrame(client, wire.Envelope{Message: wire.PublicKey{Key: make([]byte, 32)}}))
	env, err = wire.ReadFrame(client, wire.GatewayToDevice)
	require.NoError(t, err)
	rej, ok := env.Message.(wire.EnrollmentRejected)
	require.True(t, ok)
	assert.Equal(t, "pairing disabled", string(rej.Reason))

	devices, err := mgr.store.List(store.KindDevice, "default", nil)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

// TestKnownKeyReconnectsWithPairingOff covers the other half of spec
// §4.5.1's AwaitingPublicKey rule: an already-enrolled key is accepted
// even with pairing mode off, so devices keep reconnecting after the
// operator closes enrollment.
func TestKnownKeyReconnectsWithPairingOff(t *testing.T) {
	mgr, clientA := testManager(t, true)

	key := make([]byte, 32)
	for i := range key {
		key[i] = 5
	}
	deviceID := handshakeToReady(t, clientA, key)
	waitFor(t, func() bool {
		s, ok := mgr.Registry().Get(deviceID)
		return ok && s.State() == Ready
	})

	mgr.Admin().SetPairingMode(false)
	clientA.Close()
	waitFor(t, func() bool {
		_, ok := mgr.Registry().Get(deviceID)
		return !ok
	})

	serverB, clientB := net.Pipe()
	go mgr.Serve(NewPlainConn(serverB))
	defer clientB.Close()

	reconnectedID := handshakeToReady(t, clientB, key)
	assert.Equal(t, deviceID, reconnectedID)
	waitFor(t, func() bool {
		s, ok := mgr.Registry().Get(deviceID)
		return ok && s.State() == Ready
	})
}

// supersededSession exercises spec §8 scenario 6.
func TestSupersededSession(t *testing.T) {
	mgr, clientA := testManager(t, true)
	defer clientA.Close()

	key := make([]byte, 32)
	for i := range key {
		key[i] = 7
	}

	doHandshake := func(conn net.Conn) [16]byte {
		require.NoError(t, wire.WriteFrame(conn, wire.Envelope{Message: wire.EnrollmentRequest{}}))
		_, err := wire.ReadFrame(conn, wire.GatewayToDevice)
		require.NoError(t, err)

		require.NoError(t, wire.WriteFrame(conn, wire.Envelope{Message: wire.PublicKey{Key: key}}))
		env, err := wire.ReadFrame(conn, wire.GatewayToDevice)
		require.NoError(t, err)
		uuidMsg := env.Message.(wire.DeviceUUID)

		require.NoError(t, wire.WriteFrame(conn, wire.Envelope{Message: wire.EnrollmentAcknowledgment{}}))
		_, err = wire.ReadFrame(conn, wire.GatewayToDevice)
		require.NoError(t, err)
		return uuidMsg.UUID
	}

	uuidA := doHandshake(clientA)
	deviceID := deviceIDString(uuidA)
	waitFor(t, func() bool {
		s, ok := mgr.Registry().Get(deviceID)
		return ok && s.State() == Ready
	})

	serverB, clientB := net.Pipe()
	go mgr.Serve(NewPlainConn(serverB))
	defer clientB.Close()
	doHandshake(clientB)

	waitFor(t, func() bool {
		sessA, ok := mgr.Registry().Get(deviceID)
		return ok && sessA.State() == Ready
	})
	sessA, _ := mgr.Registry().Get(deviceID)
	// sessA slot now holds B's session; A's original session object must
	// have been closed with SupersededBySameKey.
	assert.Equal(t, 1, mgr.Registry().Len())
	_ = sessA

	// Reading from clientA should now fail/EOF since its session was closed.
	_, err := wire.ReadFrame(clientA, wire.GatewayToDevice)
	assert.Error(t, err)
}

// deviceCapacityReached exercises SPEC_FULL.md's registry contract: a
// gateway at max_devices answers a new key's PublicKey with
// EnrollmentRejected rather than accepting unbounded sessions.
func TestDeviceCapacityReached(t *testing.T) {
	st := memstore.New()
	mgr := NewManager(st, "default", "gw-1", 1, AdminConfig{
		PairingMode:            true,
		PairingTimeout:         time.Second,
		HeartbeatTimeout:       time.Minute,
		HeartbeatCheckInterval: time.Minute,
	}, nil)

	doHandshake := func(conn net.Conn, key []byte) (wire.Envelope, error) {
		if err := wire.WriteFrame(conn, wire.Envelope{Message: wire.EnrollmentRequest{}}); err != nil {
			return wire.Envelope{}, err
		}
		env, err := wire.ReadFrame(conn, wire.GatewayToDevice)
		if err != nil {
			return env, err
		}
		if _, ok := env.Message.(wire.EnrollmentAccepted); !ok {
			return env, nil
		}
		if err := wire.WriteFrame(conn, wire.Envelope{Message: wire.PublicKey{Key: key}}); err != nil {
			return wire.Envelope{}, err
		}
		return wire.ReadFrame(conn, wire.GatewayToDevice)
	}

	keyA := make([]byte, 32)
	for i := range keyA {
		keyA[i] = 1
	}
	serverA, clientA := net.Pipe()
	go mgr.Serve(NewPlainConn(serverA))
	defer clientA.Close()

	env, err := doHandshake(clientA, keyA)
	require.NoError(t, err)
	uuidMsg, ok := env.Message.(wire.DeviceUUID)
	require.True(t, ok)
	require.NoError(t, wire.WriteFrame(clientA, wire.Envelope{Message: wire.EnrollmentAcknowledgment{}}))
	_, err = wire.ReadFrame(clientA, wire.GatewayToDevice)
	require.NoError(t, err)

	deviceIDA := deviceIDString(uuidMsg.UUID)
	waitFor(t, func() bool {
		s, ok := mgr.Registry().Get(deviceIDA)
		return ok && s.State() == Ready
	})

	keyB := make([]byte, 32)
	for i := range keyB {
		keyB[i] = 2
	}
	serverB, clientB := net.Pipe()
	go mgr.Serve(NewPlainConn(serverB))
	defer clientB.Close()

	env, err = doHandshake(clientB, keyB)
	require.NoError(t, err)
	rej, ok := env.Message.(wire.EnrollmentRejected)
	require.True(t, ok, "expected EnrollmentRejected for device B, got %T", env.Message)
	assert.Equal(t, "gateway at device capacity", string(rej.Reason))
	assert.Equal(t, 1, mgr.Registry().Len())
}

func deviceIDString(u [16]byte) string {
	return uuid.UUID(u).String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
