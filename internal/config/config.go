// Package config loads the YAML-backed configuration for every process in
// the fleet (gateway, device, CLI), following tr1d1um's own
// pflag.NewFlagSet + viper.New() + v.Unmarshal bootstrap sequence, with a
// defaults map merged via v.SetDefault (spec §6, SPEC_FULL.md §4.0).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys used both as viper config keys and as the defaults map below,
// mirroring tr1d1um.go's applicationName/*Key constants.
const (
	applicationName = "fleet"

	pairingModeKey            = "gateway.pairingMode"
	pairingTimeoutKey         = "gateway.pairingTimeoutSeconds"
	heartbeatTimeoutKey       = "gateway.heartbeatTimeoutSeconds"
	heartbeatCheckIntervalKey = "gateway.heartbeatCheckIntervalSeconds"
	reconcileConcurrencyKey   = "gateway.reconcileConcurrency"
	maxDevicesKey             = "gateway.maxDevices"
	tlsPortKey                = "gateway.tlsPort"
	httpPortKey               = "gateway.httpPort"
	caBundleKey               = "gateway.tls.caBundle"
	certPathKey               = "gateway.tls.certPath"
	keyPathKey                = "gateway.tls.keyPath"
	adminAuthSecretKey        = "gateway.admin.authSecret"

	deviceEndpointKey     = "device.endpoint"
	deviceTierKey         = "device.tier"
	deviceHeartbeatSecKey = "device.heartbeatIntervalSeconds"
	deviceMaxAttemptsKey  = "device.maxConnectAttempts"
	deviceInsecureTLSKey  = "device.tls.insecureAcceptAnyName"
)

// defaults mirrors tr1d1um.go's package-level `defaults` map, merged into
// viper with v.SetDefault before any override (file, env, flag) is read.
var defaults = map[string]interface{}{
	pairingModeKey:            false,
	pairingTimeoutKey:         30,
	heartbeatTimeoutKey:       90,
	heartbeatCheckIntervalKey: 10,
	reconcileConcurrencyKey:   16,
	maxDevicesKey:             0,
	tlsPortKey:                4443,
	httpPortKey:               8080,

	deviceEndpointKey:     "127.0.0.1:4443",
	deviceTierKey:         "embedded32",
	deviceHeartbeatSecKey: 30,
	deviceMaxAttemptsKey:  5,
	deviceInsecureTLSKey:  false,
}

// Gateway is the gateway process's typed configuration.
type Gateway struct {
	PairingMode                bool
	PairingTimeout              time.Duration
	HeartbeatTimeout            time.Duration
	HeartbeatCheckInterval      time.Duration
	ReconcileConcurrency        int
	MaxDevices                  int
	TLSPort                     int
	HTTPPort                    int
	CABundlePath, CertPath, KeyPath string
	AdminAuthSecret             string
}

// Device is the device process's typed configuration.
type Device struct {
	Endpoint              string
	Tier                  string
	HeartbeatInterval     time.Duration
	MaxConnectAttempts    int
	InsecureAcceptAnyName bool
}

// NewFlagSet builds the pflag.FlagSet + viper.Viper pair every fleet
// binary bootstraps from, following tr1d1um(arguments []string)'s
// `pflag.NewFlagSet(applicationName, pflag.ContinueOnError)` +
// `viper.New()` construction.
func NewFlagSet(name string) (*pflag.FlagSet, *viper.Viper) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	v := viper.New()
	return fs, v
}

// Load reads configFile (if non-empty) into v, merges defaults, enables
// FLEET_-prefixed environment overrides, and binds fs so flags win over
// both. It mirrors server.Initialize's config precedence without taking
// webpa-common as a dependency (see DESIGN.md).
func Load(fs *pflag.FlagSet, v *viper.Viper, configFile string) error {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return fmt.Errorf("config: bind flags: %w", err)
		}
	}
	return nil
}

// secondsKey reads key as a duration, accepting either a bare integer
// (seconds, the config file's usual form) or a duration string like
// "90s" (matching tr1d1um.go's newTimeoutConfigs, which parses its own
// timeout keys via time.ParseDuration(v.GetString(...))). spf13/cast
// (a direct teacher dependency, otherwise unused once viper's own
// GetBool/GetInt/GetString cover every other key) does the coercion.
func secondsKey(v *viper.Viper, key string) time.Duration {
	raw := v.Get(key)
	if d, err := cast.ToDurationE(raw); err == nil && d >= time.Second {
		return d
	}
	return time.Duration(cast.ToInt64(raw)) * time.Second
}

// LoadGateway unmarshals the gateway-scoped keys out of v.
func LoadGateway(v *viper.Viper) Gateway {
	return Gateway{
		PairingMode:            v.GetBool(pairingModeKey),
		PairingTimeout:         secondsKey(v, pairingTimeoutKey),
		HeartbeatTimeout:       secondsKey(v, heartbeatTimeoutKey),
		HeartbeatCheckInterval: secondsKey(v, heartbeatCheckIntervalKey),
		ReconcileConcurrency:   v.GetInt(reconcileConcurrencyKey),
		MaxDevices:             v.GetInt(maxDevicesKey),
		TLSPort:                v.GetInt(tlsPortKey),
		HTTPPort:               v.GetInt(httpPortKey),
		CABundlePath:           v.GetString(caBundleKey),
		CertPath:               v.GetString(certPathKey),
		KeyPath:                v.GetString(keyPathKey),
		AdminAuthSecret:        v.GetString(adminAuthSecretKey),
	}
}

// LoadDevice unmarshals the device-scoped keys out of v.
func LoadDevice(v *viper.Viper) Device {
	return Device{
		Endpoint:              v.GetString(deviceEndpointKey),
		Tier:                  v.GetString(deviceTierKey),
		HeartbeatInterval:     secondsKey(v, deviceHeartbeatSecKey),
		MaxConnectAttempts:    v.GetInt(deviceMaxAttemptsKey),
		InsecureAcceptAnyName: v.GetBool(deviceInsecureTLSKey),
	}
}

// ApplicationName is exported so cmd/ entrypoints share the same flag-set
// name tr1d1um.go hardcodes as its applicationName constant.
const ApplicationName = applicationName
