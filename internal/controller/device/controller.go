// Package device implements the device controller (spec §4.8 "Device
// controller"): the status.phase-driven state machine that walks a
// Device resource through Pending -> Enrolling -> Enrolled -> Connected,
// built on top of internal/store and internal/reconcile. Grounded on the
// same status.phase-switch shape the application and gateway
// controllers use, itself modeled on webpa-common/device/manager.go's
// session-phase bookkeeping.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/edgewasm/fleet/internal/reconcile"
	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/telemetry"
)

// ProxyEnsurer creates (or confirms) the subordinate resource describing
// a device's endpoint to the rest of the fleet (spec §4.8 "Enrolled ->
// ensure an associated proxy/Pod resource exists"). A real cluster-backed
// implementation would create a Pod or similar workload; NoopProxyEnsurer
// is the in-process stand-in used when no such external system exists.
type ProxyEnsurer interface {
	EnsureProxy(ctx context.Context, dev *store.Device) error
}

// NoopProxyEnsurer satisfies ProxyEnsurer without creating any external
// resource, for the single-process deployment this module ships by
// default (spec §4.6: "the core must not assume" a cluster control
// plane exists).
type NoopProxyEnsurer struct{}

func (NoopProxyEnsurer) EnsureProxy(context.Context, *store.Device) error { return nil }

// Controller reconciles Device resources.
type Controller struct {
	st     store.Store
	proxy  ProxyEnsurer
	logger log.Logger
}

// New constructs a device Controller. proxy may be nil, in which case
// NoopProxyEnsurer is used.
func New(st store.Store, proxy ProxyEnsurer, logger log.Logger) *Controller {
	if proxy == nil {
		proxy = NoopProxyEnsurer{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Controller{st: st, proxy: proxy, logger: telemetry.WithComponent(logger, "controller.device")}
}

// Reconcile implements reconcile.Reconciler for Device keys.
func (c *Controller) Reconcile(ctx context.Context, key reconcile.Key) (reconcile.Result, error) {
	res, err := c.st.Get(key.Kind, key.Namespace, key.Name)
	if err != nil {
		if err == store.ErrNotFound {
			return reconcile.Done, nil
		}
		return reconcile.Done, err
	}
	dev, ok := res.(*store.Device)
	if !ok {
		return reconcile.Done, fmt.Errorf("controller/device: %s is not a Device", key)
	}

	switch dev.Status.Phase {
	case "", store.DevicePending:
		return c.reconcilePending(key, dev)
	case store.DeviceEnrolling:
		return c.reconcileEnrolling(ctx, key, dev)
	case store.DeviceEnrolled:
		return c.reconcileEnrolled(ctx, key, dev)
	case store.DeviceConnected:
		return c.reconcileConnected(key, dev)
	case store.DeviceDisconnected, store.DeviceUnreachable:
		telemetry.Info(c.logger).Log("msg", "device unreachable, no automatic recovery", "device", key.Name, "phase", dev.Status.Phase)
		return reconcile.Done, nil
	default:
		return reconcile.Done, fmt.Errorf("controller/device: unknown phase %q", dev.Status.Phase)
	}
}

func (c *Controller) reconcilePending(key reconcile.Key, dev *store.Device) (reconcile.Result, error) {
	patch, _ := json.Marshal(map[string]interface{}{"phase": store.DeviceEnrolling})
	if err := c.st.PatchStatus(key.Kind, key.Namespace, key.Name, patch, dev.ResourceVersion); err != nil {
		return reconcile.RequeueImmediate(), err
	}
	return reconcile.RequeueImmediate(), nil
}

// reconcileEnrolling implements spec §4.8's "list Gateways in phase
// Running; if none, stay; else select the first (round-robin or
// weighted by current load - implementer's choice, must be
// deterministic per snapshot)". This implementation sorts candidate
// gateway names and always picks the lexicographically first, which is
// deterministic for any given store snapshot without needing shared
// round-robin state across reconciles.
func (c *Controller) reconcileEnrolling(ctx context.Context, key reconcile.Key, dev *store.Device) (reconcile.Result, error) {
	gws, err := c.st.List(store.KindGateway, key.Namespace, nil)
	if err != nil {
		return reconcile.RequeueImmediate(), err
	}

	var best *store.Gateway
	for _, r := range gws {
		gw, ok := r.(*store.Gateway)
		if !ok || gw.Status.Phase != store.GatewayRunning {
			continue
		}
		if best == nil || gw.Name < best.Name {
			best = gw
		}
	}
	if best == nil {
		return reconcile.RequeueAfter(5 * time.Second), nil
	}

	patch, _ := json.Marshal(map[string]interface{}{
		"phase":   store.DeviceEnrolled,
		"gateway": store.GatewayRef{Name: best.Name, Namespace: best.Namespace},
	})
	if err := c.st.PatchStatus(key.Kind, key.Namespace, key.Name, patch, dev.ResourceVersion); err != nil {
		return reconcile.RequeueImmediate(), err
	}
	return reconcile.RequeueImmediate(), nil
}

func (c *Controller) reconcileEnrolled(ctx context.Context, key reconcile.Key, dev *store.Device) (reconcile.Result, error) {
	if err := c.proxy.EnsureProxy(ctx, dev); err != nil {
		return reconcile.RequeueImmediate(), err
	}
	// Connected is only reached once the session manager reports it via
	// the store (spec §4.8); nothing more to do here until that happens.
	return reconcile.RequeueAfter(10 * time.Second), nil
}

func (c *Controller) reconcileConnected(key reconcile.Key, dev *store.Device) (reconcile.Result, error) {
	now := time.Now()
	patch, _ := json.Marshal(map[string]interface{}{"lastHeartbeat": now})
	if err := c.st.PatchStatus(key.Kind, key.Namespace, key.Name, patch, dev.ResourceVersion); err != nil {
		if err == store.ErrConflict {
			return reconcile.RequeueImmediate(), nil
		}
		return reconcile.RequeueImmediate(), err
	}
	return reconcile.RequeueAfter(30 * time.Second), nil
}
