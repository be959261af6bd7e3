package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewasm/fleet/internal/gateway"
	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/store/memstore"
)

func testDeps(t *testing.T) (Deps, store.Store) {
	t.Helper()
	st := memstore.New()
	mgr := gateway.NewManager(st, "default", "gw1", 100, gateway.AdminConfig{
		PairingMode:      true,
		PairingTimeout:   30 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
	}, nil)
	return Deps{
		Store:            st,
		Router:           mgr,
		Registry:         mgr.Registry(),
		Config:           mgr.Admin(),
		GatewayNamespace: "default",
	}, st
}

func TestHealthAndReady(t *testing.T) {
	deps, _ := testDeps(t)
	srv := NewServer(":0", deps)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListDevicesEmpty(t *testing.T) {
	deps, _ := testDeps(t)
	srv := NewServer(":0", deps)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
}

func TestDeployToUnconnectedDeviceFails(t *testing.T) {
	deps, _ := testDeps(t)
	srv := NewServer(":0", deps)

	body, _ := json.Marshal(map[string]interface{}{
		"app_id":     "app-1",
		"name":       "demo",
		"wasm_bytes": []byte{0, 1, 2, 3},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/ghost/deploy", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
}

func TestPairingModeGetAndSet(t *testing.T) {
	deps, _ := testDeps(t)
	srv := NewServer(":0", deps)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/pairing-mode", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)

	body, _ := json.Marshal(map[string]bool{"enabled": false})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/pairing-mode", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.False(t, deps.Config.Snapshot().PairingMode)
}

func TestGetDeviceNotFound(t *testing.T) {
	deps, _ := testDeps(t)
	srv := NewServer(":0", deps)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/ghost", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
}
