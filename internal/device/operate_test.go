package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewasm/fleet/internal/config"
	"github.com/edgewasm/fleet/internal/transport"
	"github.com/edgewasm/fleet/internal/wire"
)

// fakeConn captures sent envelopes in-process, for tests that exercise
// Runtime's dispatch logic without a real socket.
type fakeConn struct {
	sent []wire.Envelope
}

func (f *fakeConn) Send(env wire.Envelope) error {
	f.sent = append(f.sent, env)
	return nil
}
func (f *fakeConn) Receive(wire.Direction) (wire.Envelope, error) { return wire.Envelope{}, nil }
func (f *fakeConn) Close() error                                 { return nil }

func newTestRuntime() (*Runtime, *fakeConn) {
	r := NewRuntime(config.Device{Tier: "embedded32"}, transport.TLSConfig{}, []byte("device-key"), nil)
	fc := &fakeConn{}
	r.conn = fc
	return r, fc
}

func TestStopApplicationAcksSuccessWhenPresent(t *testing.T) {
	r, fc := newTestRuntime()
	r.apps["app-1"] = &appInstance{id: "app-1", name: "demo", status: wire.AppStatusRunning}

	err := r.stopApplication(wire.StopApplication{AppID: "app-1"})
	require.NoError(t, err)
	require.Len(t, fc.sent, 1)

	ack, ok := fc.sent[0].Message.(wire.ApplicationStopAck)
	require.True(t, ok)
	assert.True(t, ack.Success)
	assert.Equal(t, "app-1", ack.AppID)

	_, stillPresent := r.apps["app-1"]
	assert.False(t, stillPresent)
}

func TestStopApplicationAcksFailureWhenAbsent(t *testing.T) {
	r, fc := newTestRuntime()

	err := r.stopApplication(wire.StopApplication{AppID: "missing"})
	require.NoError(t, err)
	ack := fc.sent[0].Message.(wire.ApplicationStopAck)
	assert.False(t, ack.Success)
	require.NotNil(t, ack.Error)
}

func TestReportApplicationStatusSingle(t *testing.T) {
	r, fc := newTestRuntime()
	r.apps["app-1"] = &appInstance{id: "app-1", status: wire.AppStatusRunning}

	id := "app-1"
	err := r.reportApplicationStatus(wire.RequestApplicationStatus{AppID: &id})
	require.NoError(t, err)
	require.Len(t, fc.sent, 1)
	status := fc.sent[0].Message.(wire.ApplicationStatus)
	assert.Equal(t, wire.AppStatusRunning, status.Status)
}

func TestStopAllAppsClearsEverything(t *testing.T) {
	r, _ := newTestRuntime()
	r.apps["a"] = &appInstance{id: "a"}
	r.apps["b"] = &appInstance{id: "b"}

	r.stopAllApps()
	assert.Empty(t, r.apps)
}

// deployApplication's ack is sent from a goroutine detached from the
// operate loop, so without a single writer assigning message_id at
// actual send time, an ack "decided" before an intervening heartbeat
// could still reach the wire with a lower message_id than that
// heartbeat's. This drives the same race through the real write pump and
// asserts message_id tracks send order, not dispatch order.
func TestWritePumpAssignsMessageIDsInSendOrder(t *testing.T) {
	r, fc := newTestRuntime()

	sendCh := make(chan sendRequest, 4)
	sendDone := make(chan struct{})
	pumpCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.pumpMu.Lock()
	r.sendCh, r.sendDone = sendCh, sendDone
	r.pumpMu.Unlock()
	go r.writePump(pumpCtx, sendCh, sendDone)

	heartbeatSent := make(chan struct{})
	deployStarted := make(chan struct{})
	deployDone := make(chan struct{})
	go func() {
		close(deployStarted)
		<-heartbeatSent
		require.NoError(t, r.send(wire.ApplicationDeployAck{AppID: "app-1", Success: true}))
		close(deployDone)
	}()
	<-deployStarted

	require.NoError(t, r.send(wire.Heartbeat{}))
	close(heartbeatSent)
	<-deployDone

	require.Len(t, fc.sent, 2)
	assert.IsType(t, wire.Heartbeat{}, fc.sent[0].Message)
	assert.IsType(t, wire.ApplicationDeployAck{}, fc.sent[1].Message)
	assert.Less(t, fc.sent[0].MessageID, fc.sent[1].MessageID)
}
