package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/logging"
	"github.com/jbweber/anvil/internal/output"
	"github.com/jbweber/anvil/internal/sdk"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags
var (
	configPath   string
	outputFormat string
	noHeaders    bool
	logLevel     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Anvil - build engine VM manager",
	Long: `Anvil manages the fleet of build engine virtual machines used for
cross-compiling with the Sailfish SDK.

It keeps a registry of build engines, each bound to a VirtualBox or libvirt
virtual machine, and drives every hypervisor operation through a serialized
command queue.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := output.ValidateFormat(outputFormat); err != nil {
			return err
		}
		if _, err := config.ParseLogLevel(logLevel); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the anvil config file (default $"+config.ConfigPathEnvKey+")")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, yaml, json")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false, "Omit table headers")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: error, info, debug, trace (overrides the config file)")

	rootCmd.AddCommand(engineCmd)
	rootCmd.AddCommand(vmCmd)
	rootCmd.AddCommand(backendCmd)
	rootCmd.AddCommand(serveCmd)
}

// exitCodeError carries a remote command's exit status out of RunE.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// loadConfig reads the config file and applies the --log-level override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// openSdk builds an Sdk from the configuration and restores the persisted
// build engines. Callers must closeSdk it.
func openSdk(ctx context.Context, opts sdk.Options) (*sdk.Sdk, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	verbosity, err := cfg.Verbosity()
	if err != nil {
		return nil, err
	}
	opts.Logger = logging.Setup(logging.Options{
		Development: cfg.Log.Development,
		Verbosity:   verbosity,
	})

	s, err := sdk.New(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	if _, err := s.LoadSettings(); err != nil {
		closeSdk(s)
		return nil, fmt.Errorf("failed to load build engine settings: %w", err)
	}
	return s, nil
}

func closeSdk(s *sdk.Sdk) {
	if err := s.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func newFormatter() (output.Formatter, error) {
	return output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
}

func printEngine(be *v1alpha1.BuildEngine) error {
	formatter, err := newFormatter()
	if err != nil {
		return err
	}
	result, err := formatter.FormatEngine(be)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Print(result)
	return nil
}

func printEngines(engines []*v1alpha1.BuildEngine) error {
	formatter, err := newFormatter()
	if err != nil {
		return err
	}
	result, err := formatter.FormatEngineList(engines)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Print(result)
	return nil
}
