package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edgewasm/fleet/internal/cliconfig"
)

func printYAML(v interface{}) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Print(string(raw))
	return nil
}

// newGatewayCmd implements `config gateway {list|add|remove|update|show}`
// (spec §6 CLI surface table).
func newGatewayCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "gateway", Short: "Manage gateway entries"}

	var endpoint, region string
	var tlsPort, httpPort, maxDevices int

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a gateway entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			if f.FindGateway(name) >= 0 {
				return invalidArg("fleetctl: gateway %q already exists", name)
			}
			f.Gateways = append(f.Gateways, cliconfig.GatewayEntry{
				Name: name, Endpoint: endpoint, TLSPort: tlsPort, HTTPPort: httpPort,
				Region: region, MaxDevices: maxDevices,
			})
			if err := f.Validate(); err != nil {
				return validationFailure("%s", err)
			}
			return cliconfig.Save(*configPath, f)
		},
	}
	add.Flags().StringVar(&endpoint, "endpoint", "", "gateway endpoint host:port")
	add.Flags().IntVar(&tlsPort, "tls-port", 4443, "device-facing TLS port")
	add.Flags().IntVar(&httpPort, "http-port", 8080, "admin API HTTP port")
	add.Flags().StringVar(&region, "region", "", "deployment region")
	add.Flags().IntVar(&maxDevices, "max-devices", 0, "maximum connected devices (0 = unbounded)")

	update := &cobra.Command{
		Use:   "update <name>",
		Short: "Update a gateway entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			idx := f.FindGateway(name)
			if idx < 0 {
				return notFound("fleetctl: gateway %q not found", name)
			}
			if cmd.Flags().Changed("endpoint") {
				f.Gateways[idx].Endpoint = endpoint
			}
			if cmd.Flags().Changed("tls-port") {
				f.Gateways[idx].TLSPort = tlsPort
			}
			if cmd.Flags().Changed("http-port") {
				f.Gateways[idx].HTTPPort = httpPort
			}
			if cmd.Flags().Changed("region") {
				f.Gateways[idx].Region = region
			}
			if cmd.Flags().Changed("max-devices") {
				f.Gateways[idx].MaxDevices = maxDevices
			}
			return cliconfig.Save(*configPath, f)
		},
	}
	update.Flags().StringVar(&endpoint, "endpoint", "", "gateway endpoint host:port")
	update.Flags().IntVar(&tlsPort, "tls-port", 0, "device-facing TLS port")
	update.Flags().IntVar(&httpPort, "http-port", 0, "admin API HTTP port")
	update.Flags().StringVar(&region, "region", "", "deployment region")
	update.Flags().IntVar(&maxDevices, "max-devices", 0, "maximum connected devices (0 = unbounded)")

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a gateway entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			idx := f.FindGateway(args[0])
			if idx < 0 {
				return notFound("fleetctl: gateway %q not found", args[0])
			}
			f.Gateways = append(f.Gateways[:idx], f.Gateways[idx+1:]...)
			return cliconfig.Save(*configPath, f)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List gateway entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			return printYAML(f.Gateways)
		},
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one gateway entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			idx := f.FindGateway(args[0])
			if idx < 0 {
				return notFound("fleetctl: gateway %q not found", args[0])
			}
			return printYAML(f.Gateways[idx])
		},
	}

	cmd.AddCommand(add, update, remove, list, show)
	return cmd
}

// newDeviceCmd implements `config device {list|add|remove|update|show}`.
func newDeviceCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "device", Short: "Manage device entries"}

	var publicKeyHex, deviceType, architecture string
	var capabilities []string

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a device entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if publicKeyHex == "" {
				return invalidArg("fleetctl: --public-key-hex is required")
			}
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			if f.FindDevice(name) >= 0 {
				return invalidArg("fleetctl: device %q already exists", name)
			}
			f.Devices = append(f.Devices, cliconfig.DeviceEntry{
				Name: name, PublicKeyHex: publicKeyHex, DeviceType: deviceType,
				Architecture: architecture, Capabilities: capabilities,
			})
			return cliconfig.Save(*configPath, f)
		},
	}
	add.Flags().StringVar(&publicKeyHex, "public-key-hex", "", "device's hex-encoded public-key identity")
	add.Flags().StringVar(&deviceType, "device-type", "", "device type label")
	add.Flags().StringVar(&architecture, "architecture", "", "CPU architecture")
	add.Flags().StringSliceVar(&capabilities, "capabilities", nil, "comma-separated capability list")

	update := &cobra.Command{
		Use:   "update <name>",
		Short: "Update a device entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			idx := f.FindDevice(args[0])
			if idx < 0 {
				return notFound("fleetctl: device %q not found", args[0])
			}
			if cmd.Flags().Changed("public-key-hex") {
				f.Devices[idx].PublicKeyHex = publicKeyHex
			}
			if cmd.Flags().Changed("device-type") {
				f.Devices[idx].DeviceType = deviceType
			}
			if cmd.Flags().Changed("architecture") {
				f.Devices[idx].Architecture = architecture
			}
			if cmd.Flags().Changed("capabilities") {
				f.Devices[idx].Capabilities = capabilities
			}
			return cliconfig.Save(*configPath, f)
		},
	}
	update.Flags().StringVar(&publicKeyHex, "public-key-hex", "", "device's hex-encoded public-key identity")
	update.Flags().StringVar(&deviceType, "device-type", "", "device type label")
	update.Flags().StringVar(&architecture, "architecture", "", "CPU architecture")
	update.Flags().StringSliceVar(&capabilities, "capabilities", nil, "comma-separated capability list")

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a device entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			idx := f.FindDevice(args[0])
			if idx < 0 {
				return notFound("fleetctl: device %q not found", args[0])
			}
			f.Devices = append(f.Devices[:idx], f.Devices[idx+1:]...)
			return cliconfig.Save(*configPath, f)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List device entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			return printYAML(f.Devices)
		},
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one device entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			idx := f.FindDevice(args[0])
			if idx < 0 {
				return notFound("fleetctl: device %q not found", args[0])
			}
			return printYAML(f.Devices[idx])
		},
	}

	cmd.AddCommand(add, update, remove, list, show)
	return cmd
}

// newApplicationCmd implements
// `config application {list|add|remove|update|show}`.
func newApplicationCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "application", Short: "Manage application entries"}

	var wasmPath string
	var targetAll bool
	var targetNames []string
	var memoryLimit, cpuTimeLimit uint64

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an application entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if wasmPath == "" {
				return invalidArg("fleetctl: --wasm-path is required")
			}
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			if f.FindApplication(name) >= 0 {
				return invalidArg("fleetctl: application %q already exists", name)
			}
			entry := cliconfig.ApplicationEntry{
				Name: name, WasmBytesPath: wasmPath, TargetAll: targetAll,
				TargetNames: targetNames, MemoryLimit: memoryLimit, CPUTimeLimit: cpuTimeLimit,
			}
			f.Applications = append(f.Applications, entry)
			if err := f.Validate(); err != nil {
				return validationFailure("%s", err)
			}
			return cliconfig.Save(*configPath, f)
		},
	}
	add.Flags().StringVar(&wasmPath, "wasm-path", "", "path to the application's .wasm module")
	add.Flags().BoolVar(&targetAll, "target-all", false, "deploy to all devices")
	add.Flags().StringSliceVar(&targetNames, "target", nil, "comma-separated target device names")
	add.Flags().Uint64Var(&memoryLimit, "memory-limit", 0, "per-instance memory limit in bytes")
	add.Flags().Uint64Var(&cpuTimeLimit, "cpu-time-limit", 0, "per-instance CPU time limit")

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an application entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			idx := f.FindApplication(args[0])
			if idx < 0 {
				return notFound("fleetctl: application %q not found", args[0])
			}
			f.Applications = append(f.Applications[:idx], f.Applications[idx+1:]...)
			return cliconfig.Save(*configPath, f)
		},
	}

	update := &cobra.Command{
		Use:   "update <name>",
		Short: "Update an application entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			idx := f.FindApplication(args[0])
			if idx < 0 {
				return notFound("fleetctl: application %q not found", args[0])
			}
			if cmd.Flags().Changed("wasm-path") {
				f.Applications[idx].WasmBytesPath = wasmPath
			}
			if cmd.Flags().Changed("target-all") {
				f.Applications[idx].TargetAll = targetAll
			}
			if cmd.Flags().Changed("target") {
				f.Applications[idx].TargetNames = targetNames
			}
			if cmd.Flags().Changed("memory-limit") {
				f.Applications[idx].MemoryLimit = memoryLimit
			}
			if cmd.Flags().Changed("cpu-time-limit") {
				f.Applications[idx].CPUTimeLimit = cpuTimeLimit
			}
			if err := f.Validate(); err != nil {
				return validationFailure("%s", err)
			}
			return cliconfig.Save(*configPath, f)
		},
	}
	update.Flags().StringVar(&wasmPath, "wasm-path", "", "path to the application's .wasm module")
	update.Flags().BoolVar(&targetAll, "target-all", false, "deploy to all devices")
	update.Flags().StringSliceVar(&targetNames, "target", nil, "comma-separated target device names")
	update.Flags().Uint64Var(&memoryLimit, "memory-limit", 0, "per-instance memory limit in bytes")
	update.Flags().Uint64Var(&cpuTimeLimit, "cpu-time-limit", 0, "per-instance CPU time limit")

	list := &cobra.Command{
		Use:   "list",
		Short: "List application entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			return printYAML(f.Applications)
		},
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one application entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			idx := f.FindApplication(args[0])
			if idx < 0 {
				return notFound("fleetctl: application %q not found", args[0])
			}
			return printYAML(f.Applications[idx])
		},
	}

	cmd.AddCommand(add, remove, update, list, show)
	return cmd
}
