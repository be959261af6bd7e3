package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/edgewasm/fleet/internal/gateway"
	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/wire"
)

// connectedDeviceView is one row of GET /api/v1/devices.
type connectedDeviceView struct {
	DeviceID string `json:"deviceId"`
	State    string `json:"state"`
}

func handleListDevices(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out []connectedDeviceView
		deps.Registry.VisitAll(func(deviceID string, s *gateway.Session) {
			out = append(out, connectedDeviceView{DeviceID: deviceID, State: s.State().String()})
		})
		writeSuccess(w, out)
	}
}

func handleGetDevice(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		res, err := deps.Store.Get(store.KindDevice, deps.GatewayNamespace, id)
		if err != nil {
			writeFailure(w, "device not found")
			return
		}
		writeSuccess(w, res)
	}
}

// deployRequest is the POST /api/v1/devices/{id}/deploy body (spec §6):
// `{app_id, name, wasm_bytes(base64)}`. Go's encoding/json base64-decodes
// a []byte field automatically, matching the wire's base64 convention
// with no extra decoding step.
type deployRequest struct {
	AppID     string                    `json:"app_id"`
	Name      string                    `json:"name"`
	WasmBytes []byte                    `json:"wasm_bytes"`
	Config    *wire.ApplicationConfig   `json:"config,omitempty"`
}

func handleDeploy(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		var req deployRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFailure(w, "invalid request body")
			return
		}
		if req.AppID == "" {
			writeFailure(w, "app_id is required")
			return
		}

		msg := wire.DeployApplication{AppID: req.AppID, Name: req.Name, WasmBytes: req.WasmBytes, Config: req.Config}
		if err := deps.Router.Route(id, msg); err != nil {
			writeFailure(w, err.Error())
			return
		}
		writeSuccess(w, map[string]string{"appId": req.AppID})
	}
}

func handleStop(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id, appID := vars["id"], vars["appId"]

		if err := deps.Router.Route(id, wire.StopApplication{AppID: appID}); err != nil {
			writeFailure(w, err.Error())
			return
		}
		writeSuccess(w, map[string]string{"appId": appID})
	}
}

// handleDeviceAppStatus implements GET /api/v1/devices/{id}/status/{appId}
// as a read-through onto the declarative store, since the gateway
// already persists every ApplicationStatus/ApplicationDeployAck/
// ApplicationStopAck it receives (internal/gateway/pump.go's
// applyApplicationStatus) — the HTTP surface does not need its own
// round trip to the device.
func handleDeviceAppStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id, appID := vars["id"], vars["appId"]

		res, err := deps.Store.Get(store.KindApplication, deps.GatewayNamespace, appID)
		if err != nil {
			writeFailure(w, "application not found")
			return
		}
		app := res.(*store.Application)
		phase, ok := app.Status.DeviceStatuses[id]
		if !ok {
			writeFailure(w, "no status recorded for this device")
			return
		}
		writeSuccess(w, map[string]string{"deviceId": id, "appId": appID, "status": string(phase)})
	}
}

func handleDeviceApplications(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		apps, err := deps.Store.List(store.KindApplication, deps.GatewayNamespace, nil)
		if err != nil {
			writeFailure(w, err.Error())
			return
		}

		type row struct {
			AppID  string `json:"appId"`
			Status string `json:"status"`
		}
		var out []row
		for _, res := range apps {
			app := res.(*store.Application)
			if phase, ok := app.Status.DeviceStatuses[id]; ok {
				out = append(out, row{AppID: app.Name, Status: string(phase)})
			}
		}
		writeSuccess(w, out)
	}
}

func handleListGateways(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gws, err := deps.Store.List(store.KindGateway, deps.GatewayNamespace, nil)
		if err != nil {
			writeFailure(w, err.Error())
			return
		}
		writeSuccess(w, gws)
	}
}

func handleListApplications(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apps, err := deps.Store.List(store.KindApplication, deps.GatewayNamespace, nil)
		if err != nil {
			writeFailure(w, err.Error())
			return
		}
		writeSuccess(w, apps)
	}
}

func handlePairingMode(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeSuccess(w, map[string]bool{"enabled": deps.Config.Snapshot().PairingMode})
			return
		}
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeFailure(w, "invalid request body")
			return
		}
		deps.Config.SetPairingMode(body.Enabled)
		writeSuccess(w, map[string]bool{"enabled": body.Enabled})
	}
}

func handlePairingTimeout(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			d := deps.Config.Snapshot().PairingTimeout
			writeSuccess(w, map[string]uint64{"timeout_seconds": uint64(d / time.Second)})
			return
		}
		var body struct {
			TimeoutSeconds uint64 `json:"timeout_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeFailure(w, "invalid request body")
			return
		}
		deps.Config.SetPairingTimeout(time.Duration(body.TimeoutSeconds) * time.Second)
		writeSuccess(w, map[string]uint64{"timeout_seconds": body.TimeoutSeconds})
	}
}

func handleHeartbeatTimeout(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			d := deps.Config.Snapshot().HeartbeatTimeout
			writeSuccess(w, map[string]uint64{"timeout_seconds": uint64(d / time.Second)})
			return
		}
		var body struct {
			TimeoutSeconds uint64 `json:"timeout_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeFailure(w, "invalid request body")
			return
		}
		deps.Config.SetHeartbeatTimeout(time.Duration(body.TimeoutSeconds) * time.Second)
		writeSuccess(w, map[string]uint64{"timeout_seconds": body.TimeoutSeconds})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]string{"status": "alive"})
}

func handleReady(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, map[string]string{"status": "ready"})
	}
}
