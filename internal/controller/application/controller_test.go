package application

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgewasm/fleet/internal/reconcile"
	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/store/memstore"
)

type fakeCommander struct {
	mu      sync.Mutex
	deploys []string
	stops   []string
	failOn  map[string]bool
}

func (f *fakeCommander) Deploy(ctx context.Context, deviceName string, app *store.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys = append(f.deploys, deviceName)
	if f.failOn[deviceName] {
		return errFake
	}
	return nil
}

func (f *fakeCommander) Stop(ctx context.Context, deviceName, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, deviceName)
	return nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errFake = errString("deploy failed")

func TestCreatingWithNoTargetsStays(t *testing.T) {
	st := memstore.New()
	app := &store.Application{
		ObjectMeta: store.ObjectMeta{Name: "app1", Namespace: "default"},
		Spec:       store.ApplicationSpec{TargetDevices: store.TargetDevices{Kind: store.TargetAllDevices}},
		Status:     store.ApplicationStatus{Phase: store.AppCreating},
	}
	require.NoError(t, st.Create(app))

	cmd := &fakeCommander{failOn: map[string]bool{}}
	c := New(st, cmd, nil, nil)
	key := reconcile.Key{Kind: store.KindApplication, Namespace: "default", Name: "app1"}
	result, err := c.Reconcile(context.Background(), key)
	require.NoError(t, err)
	require.True(t, result.Requeue)

	got, err := st.Get(store.KindApplication, "default", "app1")
	require.NoError(t, err)
	require.Equal(t, store.AppCreating, got.(*store.Application).Status.Phase)
}

// simulateAck patches an Application's device_statuses the same way
// internal/gateway/pump.go's applyApplicationStatus does when a real
// ApplicationDeployAck/ApplicationStatus event arrives from a device: it
// is the only thing allowed to move a device's per-app phase off
// Deploying (spec §9's prohibition on the controller simulating that
// advance itself from a bare successful Deploy enqueue).
func simulateAck(t *testing.T, st store.Store, namespace, appName, deviceName string, phase store.DevicePhaseForApp) {
	t.Helper()
	res, err := st.Get(store.KindApplication, namespace, appName)
	require.NoError(t, err)
	app := res.(*store.Application)
	statuses := map[string]store.DevicePhaseForApp{}
	for k, v := range app.Status.DeviceStatuses {
		statuses[k] = v
	}
	statuses[deviceName] = phase
	patch, err := json.Marshal(map[string]interface{}{"deviceStatuses": statuses})
	require.NoError(t, err)
	require.NoError(t, st.PatchStatus(store.KindApplication, namespace, appName, patch, ""))
}

func TestCreatingWithTargetsMovesToDeployingThenRunningOnObservedAck(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.Create(&store.Device{ObjectMeta: store.ObjectMeta{Name: "d1", Namespace: "default"}}))
	require.NoError(t, st.Create(&store.Device{ObjectMeta: store.ObjectMeta{Name: "d2", Namespace: "default"}}))

	app := &store.Application{
		ObjectMeta: store.ObjectMeta{Name: "app1", Namespace: "default"},
		Spec:       store.ApplicationSpec{TargetDevices: store.TargetDevices{Kind: store.TargetAllDevices}},
		Status:     store.ApplicationStatus{Phase: store.AppCreating},
	}
	require.NoError(t, st.Create(app))

	cmd := &fakeCommander{failOn: map[string]bool{}}
	c := New(st, cmd, nil, nil)
	key := reconcile.Key{Kind: store.KindApplication, Namespace: "default", Name: "app1"}

	_, err := c.Reconcile(context.Background(), key)
	require.NoError(t, err)
	got, err := st.Get(store.KindApplication, "default", "app1")
	require.NoError(t, err)
	require.Equal(t, store.AppDeploying, got.(*store.Application).Status.Phase)

	// A bare successful Deploy enqueue must not itself advance either
	// device: phase stays Deploying, and the command is re-issued
	// (spec §4.5.4's at-least-once retry) rather than assumed delivered.
	_, err = c.Reconcile(context.Background(), key)
	require.NoError(t, err)
	got, err = st.Get(store.KindApplication, "default", "app1")
	require.NoError(t, err)
	status := got.(*store.Application).Status
	require.Equal(t, store.AppDeploying, status.Phase)
	require.Equal(t, store.DeviceAppDeploying, status.DeviceStatuses["d1"])
	require.Equal(t, store.DeviceAppDeploying, status.DeviceStatuses["d2"])
	require.Len(t, cmd.deploys, 2)

	// Only once the gateway's read pump observes real acks and patches
	// device_statuses does the controller's own aggregation see Running.
	simulateAck(t, st, "default", "app1", "d1", store.DeviceAppRunning)
	simulateAck(t, st, "default", "app1", "d2", store.DeviceAppRunning)

	_, err = c.Reconcile(context.Background(), key)
	require.NoError(t, err)
	got, err = st.Get(store.KindApplication, "default", "app1")
	require.NoError(t, err)
	require.Equal(t, store.AppRunning, got.(*store.Application).Status.Phase)
	require.Len(t, cmd.deploys, 2)
}

func TestDeployingPartialFailureYieldsPartiallyRunning(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.Create(&store.Device{ObjectMeta: store.ObjectMeta{Name: "good", Namespace: "default"}}))
	require.NoError(t, st.Create(&store.Device{ObjectMeta: store.ObjectMeta{Name: "bad", Namespace: "default"}}))

	app := &store.Application{
		ObjectMeta: store.ObjectMeta{Name: "app1", Namespace: "default"},
		Spec:       store.ApplicationSpec{TargetDevices: store.TargetDevices{Kind: store.TargetAllDevices}},
		Status:     store.ApplicationStatus{Phase: store.AppCreating},
	}
	require.NoError(t, st.Create(app))

	cmd := &fakeCommander{failOn: map[string]bool{"bad": true}}
	c := New(st, cmd, nil, nil)
	key := reconcile.Key{Kind: store.KindApplication, Namespace: "default", Name: "app1"}

	_, err := c.Reconcile(context.Background(), key) // Creating -> Deploying
	require.NoError(t, err)
	_, err = c.Reconcile(context.Background(), key) // bad fails enqueue -> Failed, good stays Deploying
	require.NoError(t, err)

	got, err := st.Get(store.KindApplication, "default", "app1")
	require.NoError(t, err)
	status := got.(*store.Application).Status
	require.Equal(t, store.AppDeploying, status.Phase)
	require.Equal(t, store.DeviceAppFailed, status.DeviceStatuses["bad"])
	require.Equal(t, store.DeviceAppDeploying, status.DeviceStatuses["good"])

	// "good"'s ApplicationDeployAck arrives; only now does the aggregate
	// reflect one running, one failed device.
	simulateAck(t, st, "default", "app1", "good", store.DeviceAppRunning)

	_, err = c.Reconcile(context.Background(), key)
	require.NoError(t, err)
	got, err = st.Get(store.KindApplication, "default", "app1")
	require.NoError(t, err)
	require.Equal(t, store.AppPartiallyRunning, got.(*store.Application).Status.Phase)
}

func TestMissingTargetDeviceMarkedFailed(t *testing.T) {
	st := memstore.New()
	app := &store.Application{
		ObjectMeta: store.ObjectMeta{Name: "app1", Namespace: "default"},
		Spec: store.ApplicationSpec{TargetDevices: store.TargetDevices{
			Kind:  store.TargetByName,
			Names: []string{"ghost"},
		}},
		Status: store.ApplicationStatus{Phase: store.AppDeploying, DeviceStatuses: map[string]store.DevicePhaseForApp{}},
	}
	require.NoError(t, st.Create(app))

	cmd := &fakeCommander{failOn: map[string]bool{}}
	c := New(st, cmd, nil, nil)
	key := reconcile.Key{Kind: store.KindApplication, Namespace: "default", Name: "app1"}

	_, err := c.Reconcile(context.Background(), key)
	require.NoError(t, err)

	got, err := st.Get(store.KindApplication, "default", "app1")
	require.NoError(t, err)
	status := got.(*store.Application).Status
	require.Equal(t, store.DeviceAppFailed, status.DeviceStatuses["ghost"])
	require.Empty(t, cmd.deploys)
}
