// Command fleetgw is the gateway process (spec §4.5/§4.7/§4.8/§4.9 C5,
// C7, C8, C9): it terminates device TLS connections, runs the
// reconciliation engine over Device/Gateway/Application resources, and
// serves the north-bound admin API. Bootstrap sequence mirrors
// tr1d1um.go's own pflag.NewFlagSet + viper.New() + server.Prepare +
// concurrent.Execute + server.SignalWait shape.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	gokitlog "github.com/go-kit/kit/log"
	"github.com/spf13/pflag"

	"github.com/edgewasm/fleet/internal/adminapi"
	"github.com/edgewasm/fleet/internal/config"
	apcontroller "github.com/edgewasm/fleet/internal/controller/application"
	devcontroller "github.com/edgewasm/fleet/internal/controller/device"
	gwcontroller "github.com/edgewasm/fleet/internal/controller/gateway"
	"github.com/edgewasm/fleet/internal/gateway"
	"github.com/edgewasm/fleet/internal/reconcile"
	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/store/memstore"
	"github.com/edgewasm/fleet/internal/telemetry"
	"github.com/edgewasm/fleet/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs, v := config.NewFlagSet(config.ApplicationName)
	var (
		configFile  = fs.StringP("config", "c", "", "path to a fleetgw YAML config file")
		namespace   = fs.String("namespace", "default", "declarative-store namespace this gateway operates in")
		gatewayName = fs.String("name", "gw-local", "this gateway's resource name, stamped into Device.status.gateway")
	)
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := config.Load(fs, v, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 4
	}
	gwCfg := config.LoadGateway(v)

	logger := telemetry.NewLogger()
	infoLog := telemetry.Info(logger)

	tp := telemetry.NewTracerProvider("fleetgw")
	defer func() { _ = tp.Shutdown(context.Background()) }()

	st := memstore.New()
	if err := ensureGateway(st, *namespace, *gatewayName, gwCfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 4
	}

	mgr := gateway.NewManager(st, *namespace, *gatewayName, gwCfg.MaxDevices, gateway.AdminConfig{
		PairingMode:            gwCfg.PairingMode,
		PairingTimeout:         gwCfg.PairingTimeout,
		HeartbeatTimeout:       gwCfg.HeartbeatTimeout,
		HeartbeatCheckInterval: gwCfg.HeartbeatCheckInterval,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startControllers(ctx, st, mgr, *namespace, gwCfg, logger)

	go mgr.RunLiveness(ctx)

	tlsCfg, err := transport.ServerTLSConfig(transport.TLSConfig{
		CertPath:     gwCfg.CertPath,
		KeyPath:      gwCfg.KeyPath,
		CABundlePath: gwCfg.CABundlePath,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("fleetgw: %w", err))
		return 4
	}
	rawListener, err := net.Listen("tcp", fmt.Sprintf(":%d", gwCfg.TLSPort))
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("fleetgw: listen: %w", err))
		return 4
	}
	tlsListener := tls.NewListener(rawListener, tlsCfg)
	go acceptLoop(ctx, tlsListener, mgr, logger)

	httpServer := adminapi.NewServer(fmt.Sprintf(":%d", gwCfg.HTTPPort), adminapi.Deps{
		Store:            st,
		Router:           mgr,
		Registry:         mgr.Registry(),
		Config:           mgr.Admin(),
		GatewayNamespace: *namespace,
		Logger:           logger,
		AuthSecret:       []byte(gwCfg.AdminAuthSecret),
	})
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && ctx.Err() == nil {
			telemetry.Error(logger).Log("msg", "admin API server exited", "err", err)
		}
	}()

	infoLog.Log("msg", "fleetgw started", "tlsAddr", tlsListener.Addr(), "httpPort", gwCfg.HTTPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	infoLog.Log("msg", "exiting due to signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = tlsListener.Close()
	cancel()
	return 0
}

// ensureGateway creates the Gateway resource this process represents if
// it doesn't already exist in the store, so the gateway controller (spec
// §4.8) has something to reconcile from its very first tick.
func ensureGateway(st store.Store, namespace, name string, cfg config.Gateway) error {
	if _, err := st.Get(store.KindGateway, namespace, name); err == nil {
		return nil
	} else if err != store.ErrNotFound {
		return err
	}
	return st.Create(&store.Gateway{
		ObjectMeta: store.ObjectMeta{Name: name, Namespace: namespace},
		Spec: store.GatewaySpec{
			TLSPort:    cfg.TLSPort,
			HTTPPort:   cfg.HTTPPort,
			MaxDevices: cfg.MaxDevices,
		},
		Status: store.GatewayStatus{Phase: store.GatewayPending},
	})
}

// startControllers wires the three concrete controllers (spec §4.8) onto
// their own reconcile.Engine, each fed from a store watch over its kind,
// per SPEC_FULL.md's "reconciliation is structured as message passing."
func startControllers(ctx context.Context, st store.Store, mgr *gateway.Manager, namespace string, cfg config.Gateway, logger gokitlog.Logger) {
	deviceEngine := reconcile.New(devcontroller.New(st, devcontroller.NoopProxyEnsurer{}, logger), cfg.ReconcileConcurrency, logger)
	gatewayEngine := reconcile.New(gwcontroller.New(st, gwcontroller.NoopWorkloadEnsurer{}, logger), cfg.ReconcileConcurrency, logger)
	appEngine := reconcile.New(apcontroller.New(st, gateway.Commander{Router: mgr}, apcontroller.NoopWorkloadEnsurer{}, logger), cfg.ReconcileConcurrency, logger)

	go deviceEngine.Run(ctx)
	go gatewayEngine.Run(ctx)
	go appEngine.Run(ctx)

	watchAndEnqueue(ctx, st, store.KindDevice, namespace, deviceEngine)
	watchAndEnqueue(ctx, st, store.KindGateway, namespace, gatewayEngine)
	watchAndEnqueue(ctx, st, store.KindApplication, namespace, appEngine)
}

// watchAndEnqueue starts a background watch over kind/namespace and
// enqueues every event's key onto engine, plus an initial full-list
// enqueue so resources that existed before the watch started still get
// their first reconcile (spec §4.7 step 1: "On Event or periodic
// requeue, fetch the latest resource snapshot").
func watchAndEnqueue(ctx context.Context, st store.Store, kind store.Kind, namespace string, engine *reconcile.Engine) {
	if existing, err := st.List(kind, namespace, nil); err == nil {
		for _, res := range existing {
			engine.Enqueue(reconcile.Key{Kind: kind, Namespace: namespace, Name: res.Meta().Name})
		}
	}

	events, err := st.Watch(ctx, kind, namespace, nil)
	if err != nil {
		return
	}
	go func() {
		for ev := range events {
			engine.Enqueue(reconcile.Key{Kind: kind, Namespace: namespace, Name: ev.Resource.Meta().Name})
		}
	}()
}

// acceptLoop accepts raw TLS connections and hands each to the session
// manager's own per-message AEAD negotiation (spec §4.2), mirroring
// tr1d1um.go's webPA.Prepare/concurrent.Execute accept-and-serve shape.
func acceptLoop(ctx context.Context, ln net.Listener, mgr *gateway.Manager, logger gokitlog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go func(c net.Conn) {
			tlsConn, ok := c.(*tls.Conn)
			if !ok {
				c.Close()
				return
			}
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				telemetry.Warn(logger).Log("msg", "tls handshake failed", "remote", c.RemoteAddr(), "err", err)
				c.Close()
				return
			}
			ch, err := transport.NegotiateServer(tlsConn)
			if err != nil {
				telemetry.Warn(logger).Log("msg", "channel negotiation failed", "remote", c.RemoteAddr(), "err", err)
				c.Close()
				return
			}
			mgr.Serve(gateway.NewSecureConn(ch, tlsConn))
		}(conn)
	}
}
