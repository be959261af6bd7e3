package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgewasm/fleet/internal/reconcile"
	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/store/memstore"
)

func TestPendingDeviceMovesToEnrolling(t *testing.T) {
	st := memstore.New()
	dev := &store.Device{
		ObjectMeta: store.ObjectMeta{Name: "d1", Namespace: "default"},
		Status:     store.DeviceStatus{Phase: store.DevicePending},
	}
	require.NoError(t, st.Create(dev))

	c := New(st, nil, nil)
	key := reconcile.Key{Kind: store.KindDevice, Namespace: "default", Name: "d1"}
	_, err := c.Reconcile(context.Background(), key)
	require.NoError(t, err)

	got, err := st.Get(store.KindDevice, "default", "d1")
	require.NoError(t, err)
	require.Equal(t, store.DeviceEnrolling, got.(*store.Device).Status.Phase)
}

func TestEnrollingDeviceStaysWithoutRunningGateway(t *testing.T) {
	st := memstore.New()
	dev := &store.Device{
		ObjectMeta: store.ObjectMeta{Name: "d1", Namespace: "default"},
		Status:     store.DeviceStatus{Phase: store.DeviceEnrolling},
	}
	require.NoError(t, st.Create(dev))

	c := New(st, nil, nil)
	key := reconcile.Key{Kind: store.KindDevice, Namespace: "default", Name: "d1"}
	result, err := c.Reconcile(context.Background(), key)
	require.NoError(t, err)
	require.True(t, result.Requeue)

	got, err := st.Get(store.KindDevice, "default", "d1")
	require.NoError(t, err)
	require.Equal(t, store.DeviceEnrolling, got.(*store.Device).Status.Phase)
}

func TestEnrollingDevicePicksDeterministicGateway(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.Create(&store.Gateway{
		ObjectMeta: store.ObjectMeta{Name: "gw-b", Namespace: "default"},
		Status:     store.GatewayStatus{Phase: store.GatewayRunning},
	}))
	require.NoError(t, st.Create(&store.Gateway{
		ObjectMeta: store.ObjectMeta{Name: "gw-a", Namespace: "default"},
		Status:     store.GatewayStatus{Phase: store.GatewayRunning},
	}))
	dev := &store.Device{
		ObjectMeta: store.ObjectMeta{Name: "d1", Namespace: "default"},
		Status:     store.DeviceStatus{Phase: store.DeviceEnrolling},
	}
	require.NoError(t, st.Create(dev))

	c := New(st, nil, nil)
	key := reconcile.Key{Kind: store.KindDevice, Namespace: "default", Name: "d1"}
	_, err := c.Reconcile(context.Background(), key)
	require.NoError(t, err)

	got, err := st.Get(store.KindDevice, "default", "d1")
	require.NoError(t, err)
	d := got.(*store.Device)
	require.Equal(t, store.DeviceEnrolled, d.Status.Phase)
	require.NotNil(t, d.Status.Gateway)
	require.Equal(t, "gw-a", d.Status.Gateway.Name)
}
