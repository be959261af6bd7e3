package device

import (
	"context"
	"fmt"
	"time"

	"github.com/edgewasm/fleet/internal/telemetry"
	"github.com/edgewasm/fleet/internal/wasm"
	"github.com/edgewasm/fleet/internal/wire"
)

// appInstance is one deployed WASM application instance (spec §4.3 phase
// 4, §4.4). Each instance is exclusively owned by the runtime that
// loaded it and is destroyed on StopApplication or device reset (spec §3
// ownership note).
type appInstance struct {
	id, name string
	mod      *wasm.Module
	inst     *wasm.Instance
	status   wire.ApplicationStatusPhase
	lastErr  *string
}

// sendRequest is one message queued on the operate-phase outbound pump;
// errCh receives the conn.Send result once writePump assigns it a
// message_id and puts it on the wire.
type sendRequest struct {
	msg   wire.Message
	errCh chan error
}

// send hands msg to the single outbound writer goroutine started by
// operate, so a message_id is assigned at actual send time in queue
// order even when the caller runs on a different goroutine than the
// operate loop (deployApplication's detached goroutine, in particular).
// With no pump running (handshake, or a unit test driving stopApplication
// / reportApplicationStatus directly) there is only ever one goroutine
// touching the connection, so send falls back to a direct, synchronous
// conn.Send with its own monotonic counter.
func (r *Runtime) send(msg wire.Message) error {
	r.pumpMu.Lock()
	ch, done := r.sendCh, r.sendDone
	r.pumpMu.Unlock()
	if ch == nil {
		return r.directSend(msg)
	}

	req := sendRequest{msg: msg, errCh: make(chan error, 1)}
	select {
	case ch <- req:
	case <-done:
		return r.directSend(msg)
	}
	select {
	case err := <-req.errCh:
		return err
	case <-done:
		// the pump stopped; if it never dequeued this request, fall back.
		// done only closes after the pump's last conn.Send has replied on
		// its request's errCh, so a drained errCh here means undelivered.
		select {
		case err := <-req.errCh:
			return err
		default:
			return r.directSend(msg)
		}
	}
}

func (r *Runtime) directSend(msg wire.Message) error {
	id := r.directMsgID.Add(1) + 99 // past the handful consumed during enrollment
	return r.conn.Send(env(id, msg))
}

// writePump is the sole goroutine that calls r.conn.Send during Operate,
// assigning message_id sequentially as requests are dequeued so the wire
// order matches the true send order regardless of which goroutine
// enqueued each message (mirrors webpa-common/device/manager.go's
// write pump). It exits once pumpCtx is cancelled, which operate does
// unconditionally on return.
func (r *Runtime) writePump(pumpCtx context.Context, reqs chan sendRequest, done chan struct{}) {
	defer close(done)
	var nextMsgID uint64 = 100 // past the handful consumed during enrollment
	for {
		select {
		case <-pumpCtx.Done():
			return
		case req := <-reqs:
			nextMsgID++
			req.errCh <- r.conn.Send(env(nextMsgID, req.msg))
		}
	}
}

// operate is the steady-state message loop (spec §4.3 phase 4): poll for
// an inbound message non-blocking, dispatch by tag, and send a heartbeat
// every HeartbeatInterval. It returns when the connection errors.
func (r *Runtime) operate(ctx context.Context) error {
	type received struct {
		env wire.Envelope
		err error
	}
	inbound := make(chan received, 1)

	go func() {
		for {
			env, err := r.conn.Receive(wire.GatewayToDevice)
			inbound <- received{env, err}
			if err != nil {
				return
			}
		}
	}()

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	sendCh := make(chan sendRequest, 32)
	sendDone := make(chan struct{})
	r.pumpMu.Lock()
	r.sendCh, r.sendDone = sendCh, sendDone
	r.pumpMu.Unlock()
	go r.writePump(pumpCtx, sendCh, sendDone)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := r.send(wire.Heartbeat{}); err != nil {
				return fmt.Errorf("device: send heartbeat: %w", err)
			}

		case rcv := <-inbound:
			if rcv.err != nil {
				return fmt.Errorf("device: receive: %w", rcv.err)
			}
			if err := r.handleServerMessage(rcv.env.Message); err != nil {
				telemetry.Error(r.logger).Log("msg", "handling server message failed", "err", err)
			}
		}
	}
}

func (r *Runtime) handleServerMessage(msg wire.Message) error {
	switch v := msg.(type) {
	case wire.HeartbeatAck:
		return nil

	case wire.DeployApplication:
		go r.deployApplication(v)
		return nil

	case wire.StopApplication:
		return r.stopApplication(v)

	case wire.RequestDeviceInfo:
		return r.send(wire.DeviceInfo{
			AvailableMemory: availableMemoryBytes(r.tier),
			CPUArch:         "wasm32",
			WasmFeatures:    []string{"i32", "i64", "f32", "f64"},
			MaxAppSize:      availableMemoryBytes(r.tier),
		})

	case wire.RequestApplicationStatus:
		return r.reportApplicationStatus(v)

	default:
		return fmt.Errorf("device: unhandled server message %T", msg)
	}
}

func availableMemoryBytes(tier wasm.Tier) uint64 {
	return uint64(wasm.DefaultLimits(tier).MaxMemoryPages) * 65536
}

// deployApplication parses and instantiates wasm_bytes, runs the exported
// "main" function if there is one (a module start function is not run),
// and acknowledges success or failure (spec §4.3 "DeployApplication
// -> load+execute", §8 scenarios 2 and 5).
func (r *Runtime) deployApplication(msg wire.DeployApplication) {
	limits := wasm.DefaultLimits(r.tier)
	if msg.Config != nil && msg.Config.MemoryLimit > 0 {
		pages := uint32(msg.Config.MemoryLimit / 65536)
		if pages < limits.MaxMemoryPages {
			limits.MaxMemoryPages = pages
		}
	}

	ack := wire.ApplicationDeployAck{AppID: msg.AppID, Success: true}
	inst, statusErr := func() (*appInstance, error) {
		mod, err := wasm.ParseModule(msg.WasmBytes)
		if err != nil {
			return nil, err
		}
		wi, err := wasm.Instantiate(mod, limits, nil)
		if err != nil {
			return nil, err
		}
		if _, ok := mod.FuncIndex("main"); ok {
			if _, err := wi.CallExport("main", nil); err != nil {
				return nil, err
			}
		}
		return &appInstance{id: msg.AppID, name: msg.Name, mod: mod, inst: wi, status: wire.AppStatusRunning}, nil
	}()

	if statusErr != nil {
		msgStr := "Execution failed"
		ack.Success = false
		ack.Error = &msgStr
	} else {
		r.mu.Lock()
		r.apps[msg.AppID] = inst
		r.mu.Unlock()
	}

	if err := r.send(ack); err != nil {
		telemetry.Error(r.logger).Log("msg", "send deploy ack failed", "err", err)
	}
}

func (r *Runtime) stopApplication(msg wire.StopApplication) error {
	r.mu.Lock()
	_, ok := r.apps[msg.AppID]
	delete(r.apps, msg.AppID)
	r.mu.Unlock()

	ack := wire.ApplicationStopAck{AppID: msg.AppID, Success: ok}
	if !ok {
		notFound := "application not found"
		ack.Error = &notFound
	}
	return r.send(ack)
}

func (r *Runtime) reportApplicationStatus(req wire.RequestApplicationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := func(a *appInstance) error {
		return r.send(wire.ApplicationStatus{
			AppID:  a.id,
			Status: a.status,
			Error:  a.lastErr,
		})
	}

	if req.AppID != nil {
		if a, ok := r.apps[*req.AppID]; ok {
			return report(a)
		}
		return fmt.Errorf("device: application %s not found", *req.AppID)
	}
	for _, a := range r.apps {
		if err := report(a); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) stopAllApps() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps = make(map[string]*appInstance)
}
