// Package application implements the application controller (spec §4.8
// "Application controller"): resolves target devices, drives
// DeployApplication/StopApplication through the gateway's command
// surface, and aggregates per-device phases into the application's
// overall status.
package application

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

// deployTimeout bounds how long a device may sit in Deploying before the
// Running phase's "re-issue deploy for devices that regressed to
// Deploying-timeout" rule (spec §4.8) kicks back in.
const deployTimeout = 2 * time.Minute

// DeviceCommander issues application commands at connected devices via
// whatever transport the gateway session manager exposes (spec §4.8
// "issue DeployApplication via gateway admin API"). internal/adminapi's
// HTTP handlers and internal/gateway.Manager.Route both satisfy the
// underlying need; this controller only depends on the narrow interface
// it actually uses.
type DeviceCommander interface {
	Deploy(ctx context.Context, deviceName string, app *store.Application) error
	Stop(ctx context.Context, deviceName, appID string) error
}

// WorkloadEnsurer creates (or confirms) the external resource backing an
// application's rollout (spec §4.8: "create a backing workload
// resource"). NoopWorkloadEnsurer is the in-process stand-in.
type WorkloadEnsurer interface {
	EnsureWorkload(ctx context.Context, app *store.Application) error
}

// NoopWorkloadEnsurer satisfies WorkloadEnsurer without creating any
// external resource.
type NoopWorkloadEnsurer struct{}

func (NoopWorkloadEnsurer) EnsureWorkload(context.Context, *store.Application) error { return nil }

// Controller reconciles Application resources.
type Controller struct {
	st       store.Store
	commands DeviceCommander
	workload WorkloadEnsurer
	logger   log.Logger
}

// New constructs an application Controller. workload may be nil, in
// which case NoopWorkloadEnsurer is used. commands must not be nil.
func New(st store.Store, commands DeviceCommander, workload WorkloadEnsurer, logger log.Logger) *Controller {
	if workload == nil {
		workload = NoopWorkloadEnsurer{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Controller{st: st, commands: commands, workload: workload, logger: telemetry.WithComponent(logger, "controller.application")}
}

// Reconcile implements reconcile.Reconciler for Application keys.
func (c *Controller) Reconcile(ctx context.Context, key reconcile.Key) (reconcile.Result, error) {
	res, err := c.st.Get(key.Kind, key.Namespace, key.Name)
	if err != nil {
		if err == store.ErrNotFound {
			return reconcile.Done, nil
		}
		return reconcile.Done, err
	}
	app, ok := res.(*store.Application)
	if !ok {
		return reconcile.Done, fmt.Errorf("controller/application: %s is not an Application", key)
	}

	switch app.Status.Phase {
	case "", store.AppCreating:
		return c.reconcileCreating(ctx, key, app)
	case store.AppDeploying:
		return c.reconcileDeploying(ctx, key, app)
	case store.AppRunning, store.AppPartiallyRunning:
		return c.reconcileRunning(ctx, key, app)
	case store.AppStopping:
		return c.reconcileStopping(ctx, key, app)
	case store.AppFailed, store.AppStopped:
		return reconcile.Done, nil
	case store.AppDeleting:
		return c.reconcileDeleting(ctx, key, app)
	default:
		return reconcile.Done, fmt.Errorf("controller/application: unknown phase %q", app.Status.Phase)
	}
}

// resolveTargetDevices implements spec §4.8's tie-break: "target-device
// resolution prefers explicit names over all_devices". A device absent
// from the fleet is reported back as missing so the caller can mark it
// Failed/DeviceNotFound without retrying.
func (c *Controller) resolveTargetDevices(namespace string, app *store.Application) (present []*store.Device, missing []string, err error) {
	all, err := c.st.List(store.KindDevice, namespace, nil)
	if err != nil {
		return nil, nil, err
	}
	byName := make(map[string]*store.Device, len(all))
	for _, r := range all {
		if dev, ok := r.(*store.Device); ok {
			byName[dev.Name] = dev
		}
	}

	if app.Spec.TargetDevices.Kind == store.TargetByName && len(app.Spec.TargetDevices.Names) > 0 {
		for _, name := range app.Spec.TargetDevices.Names {
			if dev, ok := byName[name]; ok {
				present = append(present, dev)
			} else {
				missing = append(missing, name)
			}
		}
		return present, missing, nil
	}

	for _, dev := range byName {
		present = append(present, dev)
	}
	return present, missing, nil
}

func (c *Controller) reconcileCreating(ctx context.Context, key reconcile.Key, app *store.Application) (reconcile.Result, error) {
	present, _, err := c.resolveTargetDevices(key.Namespace, app)
	if err != nil {
		return reconcile.RequeueImmediate(), err
	}
	if len(present) == 0 {
		return reconcile.RequeueAfter(5 * time.Second), nil
	}

	if err := c.workload.EnsureWorkload(ctx, app); err != nil {
		return reconcile.RequeueImmediate(), err
	}

	statuses := make(map[string]store.DevicePhaseForApp, len(present))
	for _, dev := range present {
		statuses[dev.Name] = store.DeviceAppDeploying
	}
	patch, _ := json.Marshal(map[string]interface{}{
		"phase":          store.AppDeploying,
		"deviceStatuses": statuses,
		"lastUpdated":    time.Now(),
	})
	if err := c.st.PatchStatus(key.Kind, key.Namespace, key.Name, patch, app.ResourceVersion); err != nil {
		return reconcile.RequeueImmediate(), err
	}
	return reconcile.RequeueImmediate(), nil
}

func (c *Controller) reconcileDeploying(ctx context.Context, key reconcile.Key, app *store.Application) (reconcile.Result, error) {
	present, missing, err := c.resolveTargetDevices(key.Namespace, app)
	if err != nil {
		return reconcile.RequeueImmediate(), err
	}

	statuses := make(map[string]store.DevicePhaseForApp, len(present)+len(missing))
	for k, v := range app.Status.DeviceStatuses {
		statuses[k] = v
	}
	for _, name := range missing {
		statuses[name] = store.DeviceAppFailed
	}

	// Deploy is fire-and-forget (DeviceCommander.Deploy only enqueues the
	// envelope); it never advances a device's phase itself. A device stays
	// Deploying, and is re-issued the command on every cycle it's still
	// Deploying, until internal/gateway's read pump observes an actual
	// ApplicationDeployAck/ApplicationStatus event and patches the
	// Application's device_statuses directly (spec §4.5.4's "delivery is
	// at-least-once: the controller retries until it observes
	// ApplicationDeployAck via C6" plus spec §9's prohibition on a
	// simulated state advance here).
	for _, dev := range present {
		if statuses[dev.Name] != store.DeviceAppDeploying {
			continue
		}
		if err := c.commands.Deploy(ctx, dev.Name, app); err != nil {
			telemetry.Error(c.logger).Log("msg", "deploy failed", "device", dev.Name, "app", key.Name, "err", err)
			statuses[dev.Name] = store.DeviceAppFailed
		}
	}

	phase := aggregatePhase(statuses)
	patch, _ := json.Marshal(map[string]interface{}{
		"phase":          phase,
		"deviceStatuses": statuses,
		"statistics":     computeStatistics(statuses),
		"lastUpdated":    time.Now(),
	})
	if err := c.st.PatchStatus(key.Kind, key.Namespace, key.Name, patch, app.ResourceVersion); err != nil {
		return reconcile.RequeueImmediate(), err
	}
	if phase == store.AppDeploying {
		return reconcile.RequeueAfter(3 * time.Second), nil
	}
	return reconcile.RequeueAfter(15 * time.Second), nil
}

func (c *Controller) reconcileRunning(ctx context.Context, key reconcile.Key, app *store.Application) (reconcile.Result, error) {
	present, missing, err := c.resolveTargetDevices(key.Namespace, app)
	if err != nil {
		return reconcile.RequeueImmediate(), err
	}

	statuses := make(map[string]store.DevicePhaseForApp, len(present)+len(missing))
	for k, v := range app.Status.DeviceStatuses {
		statuses[k] = v
	}
	for _, name := range missing {
		statuses[name] = store.DeviceAppFailed
	}

	// Re-issue deploy for devices that regressed to Deploying-timeout
	// (spec §4.8 "Running" bullet): anything still recorded Deploying
	// this long after the last status refresh is treated as stuck.
	if app.Status.LastUpdated.IsZero() || time.Since(app.Status.LastUpdated) > deployTimeout {
		for _, dev := range present {
			if statuses[dev.Name] == store.DeviceAppDeploying {
				if err := c.commands.Deploy(ctx, dev.Name, app); err != nil {
					statuses[dev.Name] = store.DeviceAppFailed
				}
			}
		}
	}

	phase := aggregatePhase(statuses)
	patch, _ := json.Marshal(map[string]interface{}{
		"phase":          phase,
		"deviceStatuses": statuses,
		"statistics":     computeStatistics(statuses),
		"lastUpdated":    time.Now(),
	})
	if err := c.st.PatchStatus(key.Kind, key.Namespace, key.Name, patch, app.ResourceVersion); err != nil {
		if err == store.ErrConflict {
			return reconcile.RequeueImmediate(), nil
		}
		return reconcile.RequeueImmediate(), err
	}
	return reconcile.RequeueAfter(20 * time.Second), nil
}

func (c *Controller) reconcileStopping(ctx context.Context, key reconcile.Key, app *store.Application) (reconcile.Result, error) {
	statuses := make(map[string]store.DevicePhaseForApp, len(app.Status.DeviceStatuses))
	for k, v := range app.Status.DeviceStatuses {
		statuses[k] = v
	}

	allStopped := true
	for name, phase := range statuses {
		if phase == store.DeviceAppStopped || phase == store.DeviceAppFailed {
			continue
		}
		if err := c.commands.Stop(ctx, name, app.Name); err != nil {
			telemetry.Error(c.logger).Log("msg", "stop failed", "device", name, "app", key.Name, "err", err)
			allStopped = false
			continue
		}
		statuses[name] = store.DeviceAppStopped
	}

	phase := store.AppStopping
	if allStopped {
		phase = store.AppStopped
	}
	patch, _ := json.Marshal(map[string]interface{}{
		"phase":          phase,
		"deviceStatuses": statuses,
		"lastUpdated":    time.Now(),
	})
	if err := c.st.PatchStatus(key.Kind, key.Namespace, key.Name, patch, app.ResourceVersion); err != nil {
		return reconcile.RequeueImmediate(), err
	}
	if phase == store.AppStopping {
		return reconcile.RequeueAfter(5 * time.Second), nil
	}
	return reconcile.Done, nil
}

// WorkloadRemover is the optional teardown half of WorkloadEnsurer,
// consulted during the Deleting cascade. Ensurers that create nothing
// (NoopWorkloadEnsurer) simply don't implement it.
type WorkloadRemover interface {
	RemoveWorkload(ctx context.Context, app *store.Application) error
}

func (c *Controller) reconcileDeleting(ctx context.Context, key reconcile.Key, app *store.Application) (reconcile.Result, error) {
	for name, phase := range app.Status.DeviceStatuses {
		if phase == store.DeviceAppStopped {
			continue
		}
		if err := c.commands.Stop(ctx, name, app.Name); err != nil {
			return reconcile.RequeueImmediate(), nil
		}
	}
	if remover, ok := c.workload.(WorkloadRemover); ok {
		if err := remover.RemoveWorkload(ctx, app); err != nil {
			return reconcile.RequeueImmediate(), err
		}
	}
	return reconcile.Done, nil
}

// aggregatePhase implements spec §4.8's Deploying->{Running,
// PartiallyRunning, Failed} tie-break: Running when all devices report
// Running, PartiallyRunning if some Running some Failed, Failed if none.
func aggregatePhase(statuses map[string]store.DevicePhaseForApp) store.ApplicationPhase {
	if len(statuses) == 0 {
		return store.AppDeploying
	}
	var running, deploying, failed int
	for _, p := range statuses {
		switch p {
		case store.DeviceAppRunning:
			running++
		case store.DeviceAppDeploying:
			deploying++
		case store.DeviceAppFailed:
			failed++
		}
	}
	switch {
	case deploying > 0:
		return store.AppDeploying
	case running > 0 && failed == 0:
		return store.AppRunning
	case running > 0 && failed > 0:
		return store.AppPartiallyRunning
	default:
		return store.AppFailed
	}
}

// computeStatistics mirrors the gateway pump's aggregation exactly:
// Deployed counts every device the application has reached (Deploying or
// Running), so the two writers of Application.status.statistics never
// disagree about the same device_statuses map.
func computeStatistics(statuses map[string]store.DevicePhaseForApp) store.ApplicationStatistics {
	stats := store.ApplicationStatistics{Total: len(statuses)}
	for _, p := range statuses {
		switch p {
		case store.DeviceAppDeploying:
			stats.Deployed++
		case store.DeviceAppRunning:
			stats.Deployed++
			stats.Running++
		case store.DeviceAppFailed:
			stats.Failed++
		case store.DeviceAppStopped:
			stats.Stopped++
		}
	}
	return stats
}
