// Package device implements the on-device runtime (spec §4.3, C3): the
// single cooperative loop that connects with backoff, enrolls, and then
// alternates between polling for commands, running deployed WASM
// applications, and sending heartbeats. Grounded on tr1d1um.go's
// concurrent.Execute/server.SignalWait run-and-signal shape for the
// top-level loop and on webpa-common/device/manager.go's read/write pump
// split, mirrored here as the device's own send/receive goroutines.
package device

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"

	"github.com/edgewasm/fleet/internal/config"
	"github.com/edgewasm/fleet/internal/errs"
	"github.com/edgewasm/fleet/internal/gateway"
	"github.com/edgewasm/fleet/internal/telemetry"
	"github.com/edgewasm/fleet/internal/transport"
	"github.com/edgewasm/fleet/internal/wasm"
	"github.com/edgewasm/fleet/internal/wire"
)

// TierFromName maps the config string to a wasm.Tier, defaulting to the
// 32-bit embedded tier for any unrecognized value.
func TierFromName(name string) wasm.Tier {
	switch name {
	case "gateway-class", "gateway":
		return wasm.TierGatewayClass
	case "mcu":
		return wasm.TierMCU
	default:
		return wasm.Tier32BitEmbedded
	}
}

// Runtime is the on-device state: its public key/identity, the set of
// currently-deployed application instances, and the connection it
// operates once enrolled.
type Runtime struct {
	cfg    config.Device
	tls    transport.TLSConfig
	tier   wasm.Tier
	logger log.Logger

	publicKey  []byte
	deviceUUID uuid.UUID

	mu   sync.Mutex
	apps map[string]*appInstance

	conn WireConn

	// sendCh/sendDone are the operate-phase outbound pump: every send
	// during Operate (heartbeats, the main loop's own replies, and the
	// detached deployApplication goroutine's ack) goes through send(),
	// which hands the message to the single writePump goroutine so
	// message_id is assigned in true wire order no matter which
	// goroutine produced the message (spec §5, webpa-common/device's
	// read/write pump split). Outside Operate (handshake, unit tests
	// exercising ack construction directly) sendCh is nil and send()
	// falls back to a direct, synchronous conn.Send. pumpMu is distinct
	// from mu (which guards apps) since send() is called while holding
	// mu from reportApplicationStatus.
	pumpMu      sync.Mutex
	sendCh      chan sendRequest
	sendDone    <-chan struct{}
	directMsgID atomic.Uint64
}

// WireConn is device's local view of the same send/receive contract
// gateway.WireConn defines; re-declared here (rather than imported) so
// the device package's public surface does not leak gateway internals,
// while gateway.NewSecureConn/NewPlainConn still satisfy it structurally.
type WireConn interface {
	Send(env wire.Envelope) error
	Receive(dir wire.Direction) (wire.Envelope, error)
	Close() error
}

// NewRuntime constructs an unstarted device Runtime identified by
// publicKey, governed by the resource limits for tier.
func NewRuntime(cfg config.Device, tlsCfg transport.TLSConfig, publicKey []byte, logger log.Logger) *Runtime {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Runtime{
		cfg:       cfg,
		tls:       tlsCfg,
		tier:      TierFromName(cfg.Tier),
		logger:    telemetry.WithComponent(logger, "device"),
		publicKey: append([]byte(nil), publicKey...),
		apps:      make(map[string]*appInstance),
	}
}

// Run executes the full boot -> connect -> enroll -> operate -> shutdown
// sequence (spec §4.3). A protocol error during Operate returns the
// runtime to phase 2 (reconnect) rather than exiting; only backoff
// exhaustion in connectWithBackoff or ctx cancellation end Run.
func (r *Runtime) Run(ctx context.Context) error {
	infoLog := telemetry.Info(r.logger)
	infoLog.Log("msg", "device runtime starting", "endpoint", r.cfg.Endpoint, "tier", r.cfg.Tier)

	for {
		conn, err := r.connectWithBackoff(ctx)
		if err != nil {
			return fmt.Errorf("device: %w", err)
		}
		r.conn = conn

		if err := r.enroll(ctx); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			telemetry.Warn(r.logger).Log("msg", "enrollment failed, retrying", "err", err)
			continue
		}
		infoLog.Log("msg", "enrolled", "uuid", r.deviceUUID.String())

		opErr := r.operate(ctx)
		conn.Close()
		r.stopAllApps()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		telemetry.Warn(r.logger).Log("msg", "operate loop ended, reconnecting", "err", opErr)
	}
}

// connectWithBackoff attempts to establish the secure channel, retrying
// with a bounded sleep up to cfg.MaxConnectAttempts times (spec §4.3
// phase 2), returning the last error once attempts are exhausted.
func (r *Runtime) connectWithBackoff(ctx context.Context) (WireConn, error) {
	var lastErr error
	backoff := time.Second

	for attempt := 1; attempt <= r.cfg.MaxConnectAttempts; attempt++ {
		conn, err := r.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		telemetry.Warn(r.logger).Log("msg", "connect attempt failed", "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
	return nil, errs.FatalErr("device.connect", fmt.Errorf("exhausted %d connect attempts: %w", r.cfg.MaxConnectAttempts, lastErr))
}

func (r *Runtime) dial(ctx context.Context) (WireConn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	rawConn, err := dialer.DialContext(ctx, "tcp", r.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("device: dial %s: %w", r.cfg.Endpoint, err)
	}

	tc, err := transport.ClientTLSConfig(r.tls)
	if err != nil {
		rawConn.Close()
		return nil, err
	}
	tlsConn := tls.Client(rawConn, tc)

	ch, err := transport.NegotiateClient(tlsConn, transport.SuiteAES256GCM)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	return gateway.NewSecureConn(ch, tlsConn), nil
}

// enroll drives the client side of the enrollment state machine (spec
// §4.5.1): EnrollmentRequest, PublicKey, EnrollmentAcknowledgment, then
// records the UUID the gateway issues.
func (r *Runtime) enroll(ctx context.Context) error {
	if err := r.conn.Send(env(0, wire.EnrollmentRequest{})); err != nil {
		return err
	}
	env1, err := r.conn.Receive(wire.GatewayToDevice)
	if err != nil {
		return err
	}
	if rej, ok := env1.Message.(wire.EnrollmentRejected); ok {
		return fmt.Errorf("device: enrollment rejected: %s", string(rej.Reason))
	}
	if _, ok := env1.Message.(wire.EnrollmentAccepted); !ok {
		return fmt.Errorf("device: expected EnrollmentAccepted, got %T", env1.Message)
	}

	if err := r.conn.Send(env(1, wire.PublicKey{Key: r.publicKey})); err != nil {
		return err
	}
	env2, err := r.conn.Receive(wire.GatewayToDevice)
	if err != nil {
		return err
	}
	// A gateway with pairing mode off only decides once it has the key,
	// so rejection can arrive here instead of after EnrollmentRequest.
	if rej, ok := env2.Message.(wire.EnrollmentRejected); ok {
		return fmt.Errorf("device: enrollment rejected: %s", string(rej.Reason))
	}
	uuidMsg, ok := env2.Message.(wire.DeviceUUID)
	if !ok {
		return fmt.Errorf("device: expected DeviceUuid, got %T", env2.Message)
	}
	r.deviceUUID = uuid.UUID(uuidMsg.UUID)

	if err := r.conn.Send(env(2, wire.EnrollmentAcknowledgment{})); err != nil {
		return err
	}
	env3, err := r.conn.Receive(wire.GatewayToDevice)
	if err != nil {
		return err
	}
	if _, ok := env3.Message.(wire.EnrollmentCompleted); !ok {
		return fmt.Errorf("device: expected EnrollmentCompleted, got %T", env3.Message)
	}
	return nil
}

func env(id uint64, msg wire.Message) wire.Envelope {
	return wire.Envelope{Version: wire.V0, MessageID: id, Message: msg}
}
