package gateway

import (
	"context"
	"fmt"

	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/wire"
)

// Commander adapts Manager.Route to the narrow DeviceCommander interface
// internal/controller/application depends on (spec §4.8 "issue
// DeployApplication via gateway admin API"), so the application
// controller never needs to import internal/gateway directly.
type Commander struct {
	Router Router
}

// Deploy enqueues a DeployApplication envelope for deviceName, translating
// app.Spec into the wire payload spec §3 describes.
func (c Commander) Deploy(ctx context.Context, deviceName string, app *store.Application) error {
	var cfg *wire.ApplicationConfig
	if z := app.Spec.Config; z.MemoryLimit != 0 || z.CPUTimeLimit != 0 || len(z.Env) != 0 || len(z.Args) != 0 {
		cfg = &wire.ApplicationConfig{
			MemoryLimit:  z.MemoryLimit,
			CPUTimeLimit: z.CPUTimeLimit,
			Env:          z.Env,
			Args:         z.Args,
		}
	}
	msg := wire.DeployApplication{
		AppID:     app.Name,
		Name:      app.Name,
		WasmBytes: app.Spec.WasmBytes,
		Config:    cfg,
	}
	if err := c.Router.Route(deviceName, msg); err != nil {
		return fmt.Errorf("gateway: deploy %s to %s: %w", app.Name, deviceName, err)
	}
	return nil
}

// Stop enqueues a StopApplication envelope for deviceName.
func (c Commander) Stop(ctx context.Context, deviceName, appID string) error {
	if err := c.Router.Route(deviceName, wire.StopApplication{AppID: appID}); err != nil {
		return fmt.Errorf("gateway: stop %s on %s: %w", appID, deviceName, err)
	}
	return nil
}
