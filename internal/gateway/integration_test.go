package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/store/memstore"
	"github.com/edgewasm/fleet/internal/wire"
)

// handshakeToReady drives conn through the full enrollment sequence on an
// already-running Manager and returns the resolved device ID. Scenario 1
// and scenario 4 are exercised directly in manager_test.go; this helper
// just gets a session to Ready so the remaining literal scenarios can
// pick up from there.
func handshakeToReady(t *testing.T, conn net.Conn, key []byte) string {
	t.Helper()
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

	return deviceIDString(uuidMsg.UUID)
}

// TestDeployThenStop exercises spec §8 scenario 2 end-to-end through the
// real Manager, wire codec, and session/registry plumbing: an admin-side
// Route call (standing in for the admin API handler) pushes
// DeployApplication to the device, the device's ack flips the
// Application's per-device status to Running, and the same round trip
// for StopApplication flips it to Stopped.
func TestDeployThenStop(t *testing.T) {
	st := memstore.New()
	mgr := NewManager(st, "default", "gw-1", 10, AdminConfig{
		PairingMode:            true,
		PairingTimeout:         time.Second,
		HeartbeatTimeout:       time.Minute,
		HeartbeatCheckInterval: time.Minute,
	}, nil)

	require.NoError(t, st.Create(&store.Application{
		ObjectMeta: store.ObjectMeta{Name: "app-1", Namespace: "default"},
		Spec:       store.ApplicationSpec{WasmBytes: []byte{0, 1, 2, 3}},
		Status:     store.ApplicationStatus{Phase: store.AppCreating},
	}))

	server, client := net.Pipe()
	go mgr.Serve(NewPlainConn(server))
	defer client.Close()

	key := make([]byte, 32)
	for i := range key {
		key[i] = 9
	}
	deviceID := handshakeToReady(t, client, key)
	waitFor(t, func() bool {
		s, ok := mgr.Registry().Get(deviceID)
		return ok && s.State() == Ready
	})

	require.NoError(t, mgr.Route(deviceID, wire.DeployApplication{AppID: "app-1", Name: "demo", WasmBytes: []byte{0, 1, 2, 3}}))
	env, err := wire.ReadFrame(client, wire.GatewayToDevice)
	require.NoError(t, err)
	deploy, ok := env.Message.(wire.DeployApplication)
	require.True(t, ok)
	assert.Equal(t, "app-1", deploy.AppID)

	require.NoError(t, wire.WriteFrame(client, wire.Envelope{Message: wire.ApplicationDeployAck{AppID: "app-1", Success: true}}))
	waitFor(t, func() bool {
		res, err := st.Get(store.KindApplication, "default", "app-1")
		if err != nil {
			return false
		}
		app := res.(*store.Application)
		return app.Status.DeviceStatuses[deviceID] == store.DeviceAppRunning
	})

	require.NoError(t, mgr.Route(deviceID, wire.StopApplication{AppID: "app-1"}))
	env, err = wire.ReadFrame(client, wire.GatewayToDevice)
	require.NoError(t, err)
	stop, ok := env.Message.(wire.StopApplication)
	require.True(t, ok)
	assert.Equal(t, "app-1", stop.AppID)

	require.NoError(t, wire.WriteFrame(client, wire.Envelope{Message: wire.ApplicationStopAck{AppID: "app-1", Success: true}}))
	waitFor(t, func() bool {
		res, err := st.Get(store.KindApplication, "default", "app-1")
		if err != nil {
			return false
		}
		app := res.(*store.Application)
		return app.Status.DeviceStatuses[deviceID] == store.DeviceAppStopped
	})
}

// TestHeartbeatTimeoutDisconnects exercises spec §8 scenario 3's first
// transition: a Ready device that goes silent past HeartbeatTimeout has
// its session closed by the liveness sweep and its Device resource moved
// to Disconnected with status.gateway cleared. (The second-timeout ->
// Unreachable escalation is a Manager-local decision recorded in
// DESIGN.md and isn't re-asserted here.)
func TestHeartbeatTimeoutDisconnects(t *testing.T) {
	st := memstore.New()
	mgr := NewManager(st, "default", "gw-1", 10, AdminConfig{
		PairingMode:            true,
		PairingTimeout:         time.Second,
		HeartbeatTimeout:       50 * time.Millisecond,
		HeartbeatCheckInterval: 10 * time.Millisecond,
	}, nil)

	server, client := net.Pipe()
	go mgr.Serve(NewPlainConn(server))
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.RunLiveness(ctx)

	key := make([]byte, 32)
	for i := range key {
		key[i] = 3
	}
	deviceID := handshakeToReady(t, client, key)
	waitFor(t, func() bool {
		s, ok := mgr.Registry().Get(deviceID)
		return ok && s.State() == Ready
	})

	waitFor(t, func() bool {
		res, err := st.Get(store.KindDevice, "default", deviceID)
		if err != nil {
			return false
		}
		dev := res.(*store.Device)
		return dev.Status.Phase == store.DeviceDisconnected && dev.Status.Gateway == nil
	})
}
