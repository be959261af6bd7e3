// Command fleetdevice is the on-device runtime process / simulator
// (spec §4.3, C3): boot, connect-with-backoff, enroll, then the
// steady-state deploy/stop/heartbeat loop against a fleetgw instance.
// Bootstrap mirrors tr1d1um.go's pflag.NewFlagSet + viper.New() shape,
// scaled down to the single hosted-build process this binary represents
// (the bare-metal build spec §4.3 also describes has no Go toolchain
// target and is out of scope for this binary).
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/edgewasm/fleet/internal/config"
	"github.com/edgewasm/fleet/internal/device"
	"github.com/edgewasm/fleet/internal/telemetry"
	"github.com/edgewasm/fleet/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs, v := config.NewFlagSet(config.ApplicationName)
	var (
		configFile   = fs.StringP("config", "c", "", "path to a fleetdevice YAML config file")
		keyFile      = fs.String("identity-key-file", "", "path to this device's 32-byte public-key identity; generated and written if absent")
		certPath     = fs.String("tls-cert", "", "client certificate path for mutual TLS")
		privKeyPath  = fs.String("tls-key", "", "client private key path for mutual TLS")
		caBundlePath = fs.String("tls-ca-bundle", "", "CA bundle trusting the gateway's server certificate")
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
	devCfg := config.LoadDevice(v)

	publicKey, err := loadOrCreateIdentity(*keyFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 4
	}

	logger := telemetry.NewLogger()
	tp := telemetry.NewTracerProvider("fleetdevice")
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tlsCfg := transport.TLSConfig{
		CertPath:              *certPath,
		KeyPath:               *privKeyPath,
		CABundlePath:          *caBundlePath,
		InsecureAcceptAnyName: devCfg.InsecureAcceptAnyName,
	}

	rt := device.NewRuntime(devCfg, tlsCfg, publicKey, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		telemetry.Error(logger).Log("msg", "device runtime exited", "err", err)
		return 1
	}
	return 0
}

// loadOrCreateIdentity reads a 32-byte public-key identity from path, or
// generates an ed25519 keypair and persists the public half if path
// doesn't exist yet or is empty — the device's wire-protocol identity
// (spec §3 ClientMessage.PublicKey) is independent of its mTLS client
// certificate, which authenticates the transport.
func loadOrCreateIdentity(path string) ([]byte, error) {
	if path == "" {
		_, pub, err := generateIdentity()
		return pub, err
	}
	if raw, err := os.ReadFile(path); err == nil && len(raw) > 0 {
		return raw, nil
	}
	_, pub, err := generateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pub, 0o600); err != nil {
		return nil, fmt.Errorf("fleetdevice: persist identity key: %w", err)
	}
	return pub, nil
}

func generateIdentity() (ed25519.PrivateKey, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("fleetdevice: generate identity key: %w", err)
	}
	return priv, []byte(pub), nil
}
