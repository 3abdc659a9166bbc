package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/internal/sdk"
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Inspect hypervisor virtual machines",
}

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Inspect the configured hypervisor backend",
}

func init() {
	vmCmd.AddCommand(vmUnusedCmd)
	backendCmd.AddCommand(backendCheckCmd)
}

var vmUnusedCmd = &cobra.Command{
	Use:   "unused",
	Short: "List virtual machines no build engine is bound to",
	Long: `List the virtual machines registered with the hypervisor that no build
engine uses yet. Any of them can be passed to 'anvil engine create'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSdk(ctx, sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		names, err := s.UnusedVirtualMachines(ctx)
		if err != nil {
			return fmt.Errorf("failed to list virtual machines: %w", err)
		}
		if len(names) == 0 {
			fmt.Println("No unused virtual machines found")
			return nil
		}
		if !noHeaders {
			fmt.Println("NAME")
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var backendCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the hypervisor backend is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSdk(ctx, sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		version, err := s.BackendVersion(ctx)
		if err != nil {
			return fmt.Errorf("backend %s is not available: %w", s.Config().Backend, err)
		}

		fmt.Printf("✓ Backend %s reachable (version %s)\n", s.Config().Backend, version)
		if dir := s.Registry().InstallDir(); dir != "" {
			fmt.Printf("SDK install directory: %s\n", dir)
		}
		return nil
	},
}
