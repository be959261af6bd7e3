// Package gateway implements the gateway controller (spec §4.8 "Gateway
// controller"): Pending creates external Deployment/Service resources
// and transitions to Running once observed ready; Running recounts
// connected/enrolled devices from the Device list.
package gateway

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

// WorkloadEnsurer creates (or confirms ready) the Deployment and Service
// backing a Gateway resource (spec §4.8: "create a Deployment and a
// Service (external resources); transition to Running once both are
// observed ready"). NoopWorkloadEnsurer reports both ready immediately,
// for the single-process deployment this module ships by default.
type WorkloadEnsurer interface {
	EnsureDeployment(ctx context.Context, gw *store.Gateway) (ready bool, err error)
	EnsureService(ctx context.Context, gw *store.Gateway) (ready bool, err error)
}

// NoopWorkloadEnsurer satisfies WorkloadEnsurer without creating any
// external resource; both ensures report ready on the first call.
type NoopWorkloadEnsurer struct{}

func (NoopWorkloadEnsurer) EnsureDeployment(context.Context, *store.Gateway) (bool, error) {
	return true, nil
}
func (NoopWorkloadEnsurer) EnsureService(context.Context, *store.Gateway) (bool, error) {
	return true, nil
}

// Controller reconciles Gateway resources.
type Controller struct {
	st       store.Store
	workload WorkloadEnsurer
	logger   log.Logger
}

// New constructs a gateway Controller. workload may be nil, in which
// case NoopWorkloadEnsurer is used.
func New(st store.Store, workload WorkloadEnsurer, logger log.Logger) *Controller {
	if workload == nil {
		workload = NoopWorkloadEnsurer{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Controller{st: st, workload: workload, logger: telemetry.WithComponent(logger, "controller.gateway")}
}

// Reconcile implements reconcile.Reconciler for Gateway keys.
func (c *Controller) Reconcile(ctx context.Context, key reconcile.Key) (reconcile.Result, error) {
	res, err := c.st.Get(key.Kind, key.Namespace, key.Name)
	if err != nil {
		if err == store.ErrNotFound {
			return reconcile.Done, nil
		}
		return reconcile.Done, err
	}
	gw, ok := res.(*store.Gateway)
	if !ok {
		return reconcile.Done, fmt.Errorf("controller/gateway: %s is not a Gateway", key)
	}

	switch gw.Status.Phase {
	case "", store.GatewayPending:
		return c.reconcilePending(ctx, key, gw)
	case store.GatewayRunning:
		return c.reconcileRunning(key, gw)
	case store.GatewayFailed, store.GatewayStopped:
		telemetry.Info(c.logger).Log("msg", "gateway terminal, no automatic recovery", "gateway", key.Name, "phase", gw.Status.Phase)
		return reconcile.Done, nil
	default:
		return reconcile.Done, fmt.Errorf("controller/gateway: unknown phase %q", gw.Status.Phase)
	}
}

func (c *Controller) reconcilePending(ctx context.Context, key reconcile.Key, gw *store.Gateway) (reconcile.Result, error) {
	depReady, err := c.workload.EnsureDeployment(ctx, gw)
	if err != nil {
		return reconcile.RequeueImmediate(), err
	}
	svcReady, err := c.workload.EnsureService(ctx, gw)
	if err != nil {
		return reconcile.RequeueImmediate(), err
	}
	if !depReady || !svcReady {
		return reconcile.RequeueAfter(5 * time.Second), nil
	}

	patch, _ := json.Marshal(map[string]interface{}{"phase": store.GatewayRunning})
	if err := c.st.PatchStatus(key.Kind, key.Namespace, key.Name, patch, gw.ResourceVersion); err != nil {
		return reconcile.RequeueImmediate(), err
	}
	return reconcile.RequeueImmediate(), nil
}

func (c *Controller) reconcileRunning(key reconcile.Key, gw *store.Gateway) (reconcile.Result, error) {
	devices, err := c.st.List(store.KindDevice, key.Namespace, nil)
	if err != nil {
		return reconcile.RequeueImmediate(), err
	}

	var connected, enrolled int
	for _, r := range devices {
		dev, ok := r.(*store.Device)
		if !ok || dev.Status.Gateway == nil || dev.Status.Gateway.Name != gw.Name {
			continue
		}
		enrolled++
		if dev.Status.Phase == store.DeviceConnected {
			connected++
		}
	}

	patch, _ := json.Marshal(map[string]interface{}{
		"connectedDevices": connected,
		"enrolledDevices":  enrolled,
	})
	if err := c.st.PatchStatus(key.Kind, key.Namespace, key.Name, patch, gw.ResourceVersion); err != nil {
		if err == store.ErrConflict {
			return reconcile.RequeueImmediate(), nil
		}
		return reconcile.RequeueImmediate(), err
	}
	return reconcile.RequeueAfter(15 * time.Second), nil
}
