// Package cliconfig implements the YAML-backed fleet configuration file
// fleetctl reads and mutates (spec §6 CLI surface table). It mirrors the
// §3 Device/Gateway/Application spec schema, trimmed to the
// spec-only fields a human author edits — status is observed at runtime,
// never hand-authored. Marshalling uses gopkg.in/yaml.v3, the teacher's
// own YAML dependency.
package cliconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GatewayEntry is one `config gateway` entry (spec §3 Gateway.spec).
type GatewayEntry struct {
	Name       string `yaml:"name"`
	Endpoint   string `yaml:"endpoint"`
	TLSPort    int    `yaml:"tlsPort"`
	HTTPPort   int    `yaml:"httpPort"`
	Region     string `yaml:"region,omitempty"`
	MaxDevices int    `yaml:"maxDevices,omitempty"`
}

// DeviceEntry is one `config device` entry (spec §3 Device.spec).
type DeviceEntry struct {
	Name         string   `yaml:"name"`
	PublicKeyHex string   `yaml:"publicKeyHex"`
	DeviceType   string   `yaml:"deviceType,omitempty"`
	Architecture string   `yaml:"architecture,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// ApplicationEntry is one `config application` entry (spec §3
// Application.spec). WasmBytesPath points at the .wasm file on disk
// rather than inlining its bytes into the YAML document.
type ApplicationEntry struct {
	Name            string            `yaml:"name"`
	WasmBytesPath   string            `yaml:"wasmBytesPath"`
	TargetAll       bool              `yaml:"targetAll,omitempty"`
	TargetNames     []string          `yaml:"targetNames,omitempty"`
	MemoryLimit     uint64            `yaml:"memoryLimit,omitempty"`
	CPUTimeLimit    uint64            `yaml:"cpuTimeLimit,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	Args            []string          `yaml:"args,omitempty"`
}

// File is the root document fleetctl reads/writes.
type File struct {
	Gateways     []GatewayEntry     `yaml:"gateways,omitempty"`
	Devices      []DeviceEntry      `yaml:"devices,omitempty"`
	Applications []ApplicationEntry `yaml:"applications,omitempty"`
}

// Load reads and parses path. A missing file yields an empty File rather
// than an error, so `fleetctl config gateway add` works against a
// not-yet-created config file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cliconfig: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("cliconfig: parse %s: %w", path, err)
	}
	return &f, nil
}

// Save writes f back to path as YAML.
func Save(path string, f *File) error {
	raw, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("cliconfig: marshal: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("cliconfig: write %s: %w", path, err)
	}
	return nil
}

// FindGateway returns the index of the gateway entry named name, or -1.
func (f *File) FindGateway(name string) int {
	for i := range f.Gateways {
		if f.Gateways[i].Name == name {
			return i
		}
	}
	return -1
}

// FindDevice returns the index of the device entry named name, or -1.
func (f *File) FindDevice(name string) int {
	for i := range f.Devices {
		if f.Devices[i].Name == name {
			return i
		}
	}
	return -1
}

// FindApplication returns the index of the application entry named name,
// or -1.
func (f *File) FindApplication(name string) int {
	for i := range f.Applications {
		if f.Applications[i].Name == name {
			return i
		}
	}
	return -1
}

// Validate checks the cross-entry invariants a hand-edited config file
// can violate: duplicate names and applications targeting devices that
// don't exist in the same file (spec §4.8 "a device absent from the
// current fleet is marked Failed ... DeviceNotFound" — fleetctl catches
// the same condition earlier, at author time).
func (f *File) Validate() error {
	seen := make(map[string]bool)
	for _, g := range f.Gateways {
		if g.Name == "" {
			return fmt.Errorf("cliconfig: gateway entry missing name")
		}
		if seen["gateway/"+g.Name] {
			return fmt.Errorf("cliconfig: duplicate gateway %q", g.Name)
		}
		seen["gateway/"+g.Name] = true
	}
	deviceNames := make(map[string]bool)
	for _, d := range f.Devices {
		if d.Name == "" {
			return fmt.Errorf("cliconfig: device entry missing name")
		}
		if seen["device/"+d.Name] {
			return fmt.Errorf("cliconfig: duplicate device %q", d.Name)
		}
		seen["device/"+d.Name] = true
		deviceNames[d.Name] = true
	}
	for _, a := range f.Applications {
		if a.Name == "" {
			return fmt.Errorf("cliconfig: application entry missing name")
		}
		if seen["application/"+a.Name] {
			return fmt.Errorf("cliconfig: duplicate application %q", a.Name)
		}
		seen["application/"+a.Name] = true
		if a.TargetAll && len(a.TargetNames) > 0 {
			return fmt.Errorf("cliconfig: application %q sets both targetAll and targetNames", a.Name)
		}
		for _, n := range a.TargetNames {
			if !deviceNames[n] {
				return fmt.Errorf("cliconfig: application %q targets unknown device %q", a.Name, n)
			}
		}
	}
	return nil
}
