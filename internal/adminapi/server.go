// Package adminapi implements the gateway's north-bound HTTP admin API
// (spec §6's route table, C9): JSON over HTTP/1.1, `{success, ...}`
// envelope responses, gorilla/mux routing with otelmux tracing on the
// router, and a justinas/alice middleware chain (request logging, panic
// recovery, bearer-token auth).
// Grounded on tr1d1um.go's own gorilla/mux + justinas/alice + otelmux
// server-construction sequence.
package adminapi

import (
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"

	"github.com/edgewasm/fleet/internal/gateway"
	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/telemetry"
)

// ConfigBox is the gateway's mutable admin configuration surface,
// matching the anonymous interface *gateway.Manager.Admin() returns.
type ConfigBox interface {
	Snapshot() gateway.AdminConfig
	SetPairingMode(bool)
	SetPairingTimeout(time.Duration)
	SetHeartbeatTimeout(time.Duration)
}

// Deps bundles everything the admin handlers need.
type Deps struct {
	Store            store.Store
	Router           gateway.Router
	Registry         gateway.Registry
	Config           ConfigBox
	GatewayNamespace string
	Logger           log.Logger

	// AuthSecret, when non-empty, gates every route below /api/v1 behind
	// an HS256 bearer-JWT check (see auth.go). Empty disables auth.
	AuthSecret []byte
}

// NewServer builds the *http.Server for the admin API: otelmux tracing
// is installed on the mux router itself, and the router is wrapped in an
// alice chain of request logging, panic recovery, and bearer-token auth —
// the same three-middleware shape tr1d1um.go's own bootstrap assembles
// via `alice.New(...)`.
func NewServer(addr string, deps Deps) *http.Server {
	if deps.Logger == nil {
		deps.Logger = log.NewNopLogger()
	}
	deps.Logger = telemetry.WithComponent(deps.Logger, "adminapi")

	r := mux.NewRouter()
	r.Use(otelmux.Middleware("fleetgw"))
	registerRoutes(r, deps)

	chain := alice.New(
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
		authMiddleware(deps.AuthSecret),
	).Then(r)

	return &http.Server{
		Addr:              addr,
		Handler:           chain,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func registerRoutes(r *mux.Router, deps Deps) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/devices", handleListDevices(deps)).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/deploy", handleDeploy(deps)).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/stop/{appId}", handleStop(deps)).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/status/{appId}", handleDeviceAppStatus(deps)).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/applications", handleDeviceApplications(deps)).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", handleGetDevice(deps)).Methods(http.MethodGet)

	api.HandleFunc("/gateways", handleListGateways(deps)).Methods(http.MethodGet)
	api.HandleFunc("/applications", handleListApplications(deps)).Methods(http.MethodGet)

	api.HandleFunc("/admin/pairing-mode", handlePairingMode(deps)).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/admin/pairing-timeout", handlePairingTimeout(deps)).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/admin/heartbeat-timeout", handleHeartbeatTimeout(deps)).Methods(http.MethodGet, http.MethodPost)

	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", handleReady(deps)).Methods(http.MethodGet)
}
