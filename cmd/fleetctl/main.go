// Command fleetctl is the CLI surface spec §6 describes: `config`
// subcommands for gateway/device/application entries plus
// show/validate/init, all mutating a YAML file matching the §3 schema.
// Built on spf13/cobra + spf13/pflag/viper, the canonical companion to
// the teacher's own flag/config stack (see DESIGN.md).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgewasm/fleet/internal/cliconfig"
)

// exitCode classifies a command failure into spec §6's four exit codes:
// 0 success, 2 invalid argument, 3 not found, 4 validation failure.
type exitCode struct {
	code int
	err  error
}

func (e *exitCode) Error() string { return e.err.Error() }

func invalidArg(format string, args ...interface{}) error {
	return &exitCode{code: 2, err: fmt.Errorf(format, args...)}
}

func notFound(format string, args ...interface{}) error {
	return &exitCode{code: 3, err: fmt.Errorf(format, args...)}
}

func validationFailure(format string, args ...interface{}) error {
	return &exitCode{code: 4, err: fmt.Errorf(format, args...)}
}

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Manage the edge WASM fleet's declarative configuration file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/fleet/config.yaml", "path to the fleet YAML config file")

	root.AddCommand(
		newConfigCmd(&configPath),
		newShowCmd(&configPath),
		newValidateCmd(&configPath),
		newInitCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		var ec *exitCode
		if errorsAs(err, &ec) {
			fmt.Fprintln(os.Stderr, ec.err)
			return ec.code
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return 0
}

// errorsAs reports whether err is itself an *exitCode and, if so, stores
// it in target. It is a direct type assertion: unlike errors.As it does
// not unwrap err.
func errorsAs(err error, target **exitCode) bool {
	ec, ok := err.(*exitCode)
	if ok {
		*target = ec
	}
	return ok
}

func newInitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create an empty fleet config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configPath); err == nil {
				return invalidArg("fleetctl: %s already exists", *configPath)
			}
			return cliconfig.Save(*configPath, &cliconfig.File{})
		},
	}
}

func newShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the fleet config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			return printYAML(f)
		},
	}
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the fleet config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cliconfig.Load(*configPath)
			if err != nil {
				return err
			}
			if err := f.Validate(); err != nil {
				return validationFailure("%s", err)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Edit fleet resource entries",
	}
	cmd.AddCommand(
		newGatewayCmd(configPath),
		newDeviceCmd(configPath),
		newApplicationCmd(configPath),
	)
	return cmd
}
