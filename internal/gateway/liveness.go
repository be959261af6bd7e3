package gateway

import (
	"context"
	"time"

	"github.com/edgewasm/fleet/internal/telemetry"
)

// RunLiveness runs the background liveness sweep (spec §4.5.2) until ctx
// is cancelled: every HeartbeatCheckInterval it closes any session whose
// silence exceeds HeartbeatTimeout. Intended to be started once per
// Manager, e.g. `go mgr.RunLiveness(ctx)`.
func (m *Manager) RunLiveness(ctx context.Context) {
	logger := telemetry.Info(m.logger)
	for {
		cfg := m.admin.Snapshot()
		timer := time.NewTimer(cfg.HeartbeatCheckInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		cfg = m.admin.Snapshot()
		now := time.Now()
		m.registry.VisitAll(func(deviceID string, s *Session) {
			if s.State() != Ready {
				return
			}
			if now.Sub(s.LastRx()) > cfg.HeartbeatTimeout {
				logger.Log("msg", "heartbeat timeout, closing session", "device", deviceID)
				s.Close(ReasonHeartbeatTimeout)
			}
		})
	}
}
