package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/telemetry"
	"github.com/edgewasm/fleet/internal/wire"
)

// writePump drains sess.outbound and sends each message, exactly the
// one-goroutine-per-direction split webpa-common/device/manager.go's
// writePump uses. It is the only sender once the session is Ready, so
// message_id (stamped inside sendNow at dequeue time) always increases
// in true wire order. It exits when sess is closed.
func (m *Manager) writePump(sess *Session) {
	for {
		select {
		case msg, ok := <-sess.outbound:
			if !ok {
				return
			}
			if err := sess.sendNow(msg); err != nil {
				sess.Close(ReasonChannelLost)
				return
			}
		case <-sess.Done():
			return
		}
	}
}

// readPump is the Ready-state steady loop (spec §4.5.1 "Ready" row): it
// dispatches each inbound message by type and, on any channel error,
// tears the session down and clears the device's gateway field.
func (m *Manager) readPump(ctx context.Context, sess *Session, deviceID string) {
	defer m.onSessionClosed(sess, deviceID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := sess.conn.Receive(wire.ClientToGateway)
		if err != nil {
			sess.Close(ReasonChannelLost)
			return
		}
		sess.touchRx()

		if err := m.dispatch(sess, deviceID, env.Message); err != nil {
			telemetry.Error(m.logger).Log("msg", "dispatch failed", "device", deviceID, "err", err)
		}
	}
}

func (m *Manager) dispatch(sess *Session, deviceID string, msg wire.Message) error {
	switch v := msg.(type) {
	case wire.Heartbeat:
		if !sess.Enqueue(wire.HeartbeatAck{}) {
			return fmt.Errorf("gateway: heartbeat ack dropped, outbound queue unavailable")
		}
		return nil

	case wire.ApplicationStatus:
		return m.applyApplicationStatus(deviceID, v.AppID, appPhaseFromStatus(v.Status), v.Error)

	case wire.ApplicationDeployAck:
		phase := store.DeviceAppRunning
		var errPtr *string
		if !v.Success {
			phase = store.DeviceAppFailed
			errPtr = v.Error
		}
		return m.applyApplicationStatus(deviceID, v.AppID, phase, errPtr)

	case wire.ApplicationStopAck:
		phase := store.DeviceAppStopped
		var errPtr *string
		if !v.Success {
			phase = store.DeviceAppFailed
			errPtr = v.Error
		}
		return m.applyApplicationStatus(deviceID, v.AppID, phase, errPtr)

	case wire.DeviceInfo:
		return m.applyDeviceInfo(deviceID, v)

	case wire.EnrollmentRequest, wire.PublicKey, wire.EnrollmentAcknowledgment:
		return fmt.Errorf("gateway: unexpected handshake message %T in Ready state", msg)

	default:
		return fmt.Errorf("gateway: unhandled message type %T", msg)
	}
}

func appPhaseFromStatus(s wire.ApplicationStatusPhase) store.DevicePhaseForApp {
	switch s {
	case wire.AppStatusRunning:
		return store.DeviceAppRunning
	case wire.AppStatusStopped:
		return store.DeviceAppStopped
	case wire.AppStatusFailed:
		return store.DeviceAppFailed
	default:
		return store.DeviceAppDeploying
	}
}

// applyApplicationStatus finds the Application named appID and sets its
// device_statuses entry for deviceID (adding it if absent), keeping
// statistics in sync (spec §3's "Application.status.statistics.deployed"
// invariant, recomputed wholesale on every patch).
func (m *Manager) applyApplicationStatus(deviceID, appID string, phase store.DevicePhaseForApp, errMsg *string) error {
	apps, err := m.store.List(store.KindApplication, m.gatewayNS, nil)
	if err != nil {
		return err
	}
	for _, res := range apps {
		app := res.(*store.Application)
		if app.Meta().Name != appID {
			continue
		}
		statuses := app.Status.DeviceStatuses
		if statuses == nil {
			statuses = map[string]store.DevicePhaseForApp{}
		}
		statuses[deviceID] = phase

		stats := computeStatistics(statuses)
		body := map[string]interface{}{
			"deviceStatuses": statuses,
			"statistics":     stats,
			"lastUpdated":    time.Now(),
		}
		if errMsg != nil {
			body["error"] = *errMsg
		}
		patch, _ := json.Marshal(body)
		return m.store.PatchStatus(store.KindApplication, m.gatewayNS, appID, patch, "")
	}
	return fmt.Errorf("gateway: application %s not found for status update", appID)
}

func computeStatistics(statuses map[string]store.DevicePhaseForApp) store.ApplicationStatistics {
	var s store.ApplicationStatistics
	s.Total = len(statuses)
	for _, phase := range statuses {
		switch phase {
		case store.DeviceAppDeploying:
			s.Deployed++
		case store.DeviceAppRunning:
			s.Deployed++
			s.Running++
		case store.DeviceAppFailed:
			s.Failed++
		case store.DeviceAppStopped:
			s.Stopped++
		}
	}
	return s
}

// applyDeviceInfo records the device's self-reported attributes into its
// spec (spec §4.5.1: "receive DeviceInfo in response to a prior
// RequestDeviceInfo -> update device spec attributes").
func (m *Manager) applyDeviceInfo(deviceID string, info wire.DeviceInfo) error {
	patch, _ := json.Marshal(map[string]interface{}{
		"capabilities": info.WasmFeatures,
	})
	return m.store.Patch(store.KindDevice, m.gatewayNS, deviceID, patch, "")
}

// onSessionClosed clears the device's gateway field and marks it
// Disconnected, per spec §3's invariant that status.gateway is set
// exactly while a live session exists, and records the disconnect time
// for the liveness sweep's two-consecutive-timeouts-to-Unreachable rule
// (§4.5.2).
func (m *Manager) onSessionClosed(sess *Session, deviceID string) {
	m.registry.remove(deviceID, sess)

	reason := sess.Reason()
	if reason == ReasonSupersededBySameKey {
		// the superseding session already owns status.gateway; leave it.
		return
	}

	now := time.Now()
	m.disconnectedMu.Lock()
	_, alreadyDisconnected := m.disconnectedAt[deviceID]
	if !alreadyDisconnected {
		m.disconnectedAt[deviceID] = now
	}
	m.disconnectedMu.Unlock()

	phase := store.DeviceDisconnected
	if alreadyDisconnected {
		phase = store.DeviceUnreachable
	}

	patch, _ := json.Marshal(map[string]interface{}{
		"phase":   string(phase),
		"gateway": nil,
	})
	if err := m.store.PatchStatus(store.KindDevice, m.gatewayNS, deviceID, patch, ""); err != nil {
		telemetry.Error(m.logger).Log("msg", "failed to clear device gateway field", "device", deviceID, "err", err)
	}
}
