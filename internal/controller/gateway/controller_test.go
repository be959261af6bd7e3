package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgewasm/fleet/internal/reconcile"
	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/store/memstore"
)

func TestPendingGatewayBecomesRunning(t *testing.T) {
	st := memstore.New()
	gw := &store.Gateway{
		ObjectMeta: store.ObjectMeta{Name: "gw1", Namespace: "default"},
		Status:     store.GatewayStatus{Phase: store.GatewayPending},
	}
	require.NoError(t, st.Create(gw))

	c := New(st, nil, nil)
	key := reconcile.Key{Kind: store.KindGateway, Namespace: "default", Name: "gw1"}
	_, err := c.Reconcile(context.Background(), key)
	require.NoError(t, err)

	got, err := st.Get(store.KindGateway, "default", "gw1")
	require.NoError(t, err)
	require.Equal(t, store.GatewayRunning, got.(*store.Gateway).Status.Phase)
}

func TestRunningGatewayRecountsDevices(t *testing.T) {
	st := memstore.New()
	gw := &store.Gateway{
		ObjectMeta: store.ObjectMeta{Name: "gw1", Namespace: "default"},
		Status:     store.GatewayStatus{Phase: store.GatewayRunning},
	}
	require.NoError(t, st.Create(gw))
	require.NoError(t, st.Create(&store.Device{
		ObjectMeta: store.ObjectMeta{Name: "d1", Namespace: "default"},
		Status: store.DeviceStatus{
			Phase:   store.DeviceConnected,
			Gateway: &store.GatewayRef{Name: "gw1", Namespace: "default"},
		},
	}))
	require.NoError(t, st.Create(&store.Device{
		ObjectMeta: store.ObjectMeta{Name: "d2", Namespace: "default"},
		Status: store.DeviceStatus{
			Phase:   store.DeviceEnrolled,
			Gateway: &store.GatewayRef{Name: "gw1", Namespace: "default"},
		},
	}))

	c := New(st, nil, nil)
	key := reconcile.Key{Kind: store.KindGateway, Namespace: "default", Name: "gw1"}
	_, err := c.Reconcile(context.Background(), key)
	require.NoError(t, err)

	got, err := st.Get(store.KindGateway, "default", "gw1")
	require.NoError(t, err)
	status := got.(*store.Gateway).Status
	require.Equal(t, 1, status.ConnectedDevices)
	require.Equal(t, 2, status.EnrolledDevices)
}
