package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/sdk"
)

var engineCmd = &cobra.Command{
	Use:     "engine",
	Aliases: []string{"engines"},
	Short:   "Manage build engines",
	Long: `Manage build engines.

A build engine is a virtual machine registered with the hypervisor plus the
SSH, proxy and build target settings anvil keeps for it. The engine name is
the name of its virtual machine.`,
}

func init() {
	engineCmd.AddCommand(engineListCmd)
	engineCmd.AddCommand(engineGetCmd)
	engineCmd.AddCommand(engineCreateCmd)
	engineCmd.AddCommand(engineRemoveCmd)
	engineCmd.AddCommand(engineStartCmd)
	engineCmd.AddCommand(engineStopCmd)
	engineCmd.AddCommand(engineStatusCmd)
	engineCmd.AddCommand(engineRenameCmd)
	engineCmd.AddCommand(engineSetCmd)
	engineCmd.AddCommand(engineApplyCmd)
	engineCmd.AddCommand(engineExecCmd)
	engineCmd.AddCommand(engineForwardCmd)
	engineCmd.AddCommand(engineSnapshotCmd)

	engineCreateCmd.Flags().Bool("autodetected", false, "Mark the engine as detected rather than user-created")
	engineCreateCmd.Flags().Bool("gui", false, "Start the engine with a display instead of headless")
	engineStartCmd.Flags().Bool("gui", false, "Start with a display for this and later starts")
	engineStatusCmd.Flags().Bool("ssh", true, "Also check that the engine accepts SSH connections")
	engineGetCmd.Flags().Bool("refresh", true, "Re-read the VM configuration from the hypervisor")
	engineListCmd.Flags().Bool("refresh", false, "Re-read every VM configuration from the hypervisor")
}

var engineListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List build engines",
	Long: `List all registered build engines with their current phase.

Every engine is probed; probes run concurrently across engines.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSdk(ctx, sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
			for _, e := range s.Registry().BuildEngines() {
				if _, err := e.VirtualMachine().Refresh().Wait(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to refresh %s: %v\n", e.Name(), err)
				}
			}
		}

		return printEngines(s.DescribeAll(ctx))
	},
}

var engineGetCmd = &cobra.Command{
	Use:   "get <engine>",
	Short: "Get details about a build engine",
	Long: `Get detailed information about a specific build engine.

Displays the full BuildEngine resource including spec and status.

Output formats:
  -o table  Human-readable table (default)
  -o yaml   Full YAML resource definition, accepted by 'engine apply -f'
  -o json   Full JSON resource definition`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSdk(ctx, sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		e, err := s.Engine(args[0])
		if err != nil {
			return err
		}
		if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
			if _, err := e.VirtualMachine().Refresh().Wait(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: showing cached configuration: %v\n", err)
			}
		}

		return printEngine(s.Describe(ctx, e))
	},
}

var engineCreateCmd = &cobra.Command{
	Use:   "create <vm-name>",
	Short: "Create a build engine for a registered VM",
	Long: `Bind a new build engine to a virtual machine already registered with
the hypervisor and save it to the user settings.

Use 'anvil vm unused' to list the virtual machines no engine is bound to.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vmName := args[0]
		ctx := cmd.Context()
		s, err := openSdk(ctx, sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		fmt.Printf("Creating build engine for VM: %s\n", vmName)
		e, err := s.CreateEngine(ctx, vmName)
		if err != nil {
			return fmt.Errorf("failed to create build engine: %w", err)
		}

		autodetected, _ := cmd.Flags().GetBool("autodetected")
		gui, _ := cmd.Flags().GetBool("gui")
		e.SetAutodetected(autodetected)
		e.SetHeadless(!gui)

		if err := s.SaveSettings(); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}

		fmt.Printf("✓ Build engine %s created (id %s)\n", e.Name(), e.ID())
		return nil
	},
}

var engineRemoveCmd = &cobra.Command{
	Use:     "remove <engine>",
	Aliases: []string{"rm"},
	Short:   "Remove a build engine",
	Long: `Remove a build engine from the registry and the user settings.

The virtual machine itself is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		s, err := openSdk(cmd.Context(), sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		if err := s.Registry().RemoveBuildEngine(name); err != nil {
			return fmt.Errorf("failed to remove build engine: %w", err)
		}
		if err := s.SaveSettings(); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}

		fmt.Printf("✓ Build engine %s removed\n", name)
		return nil
	},
}

var engineStartCmd = &cobra.Command{
	Use:   "start <engine>",
	Short: "Start a build engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSdk(ctx, sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		e, err := s.Engine(args[0])
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("gui") {
			gui, _ := cmd.Flags().GetBool("gui")
			e.SetHeadless(!gui)
			if err := s.SaveSettings(); err != nil {
				return fmt.Errorf("failed to save settings: %w", err)
			}
		}

		fmt.Printf("Starting build engine: %s\n", e.Name())
		if _, err := e.VirtualMachine().Start().Wait(ctx); err != nil {
			return fmt.Errorf("failed to start build engine: %w", err)
		}

		fmt.Printf("✓ Build engine %s started\n", e.Name())
		return nil
	},
}

var engineStopCmd = &cobra.Command{
	Use:   "stop <engine>",
	Short: "Stop a build engine",
	Long:  `Request a graceful shutdown of the build engine's virtual machine.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSdk(ctx, sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		e, err := s.Engine(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Stopping build engine: %s\n", e.Name())
		if _, err := e.VirtualMachine().Stop().Wait(ctx); err != nil {
			return fmt.Errorf("failed to stop build engine: %w", err)
		}

		fmt.Printf("✓ Build engine %s stopped\n", e.Name())
		return nil
	},
}

var engineStatusCmd = &cobra.Command{
	Use:   "status <engine>",
	Short: "Show the phase and conditions of a build engine",
	Long: `Probe a build engine and show its phase and conditions.

The Ready condition reflects the VM state. With --ssh (the default) a
running engine is also checked for SSH access, reported as SSHReachable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSdk(ctx, sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		e, err := s.Engine(args[0])
		if err != nil {
			return err
		}

		be := s.Describe(ctx, e)
		if checkSSH, _ := cmd.Flags().GetBool("ssh"); checkSSH && be.Status.Phase == v1alpha1.EnginePhaseRunning {
			// The condition carries the error.
			_ = s.CheckSSH(ctx, e, be)
		}

		if outputFormat != "table" {
			return printEngine(be)
		}
		fmt.Printf("Engine: %s\n", be.Name)
		fmt.Printf("Phase: %s\n", be.Status.Phase)
		for _, c := range be.Status.Conditions {
			line := fmt.Sprintf("%s: %s (%s)", c.Type, c.Status, c.Reason)
			if c.Message != "" {
				line += " " + c.Message
			}
			fmt.Println(line)
		}
		return nil
	},
}

var engineRenameCmd = &cobra.Command{
	Use:   "rename <engine> <new-vm-name>",
	Short: "Rebind a build engine to a renamed VM",
	Long: `Rebind a build engine after its virtual machine was renamed in the
hypervisor. The engine takes the new VM name as its own name.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSdk(cmd.Context(), sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		if err := s.Registry().RenameVirtualMachine(args[0], args[1]); err != nil {
			return fmt.Errorf("failed to rename build engine: %w", err)
		}
		if err := s.SaveSettings(); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}

		fmt.Printf("✓ Build engine %s renamed to %s\n", args[0], args[1])
		return nil
	},
}

var engineSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "List and restore build engine snapshots",
}

func init() {
	engineSnapshotCmd.AddCommand(engineSnapshotListCmd)
	engineSnapshotCmd.AddCommand(engineSnapshotRestoreCmd)
}

var engineSnapshotListCmd = &cobra.Command{
	Use:   "list <engine>",
	Short: "List the snapshots of a build engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSdk(ctx, sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		e, err := s.Engine(args[0])
		if err != nil {
			return err
		}
		info, err := e.VirtualMachine().Refresh().Wait(ctx)
		if err != nil {
			return fmt.Errorf("failed to read snapshots: %w", err)
		}

		if len(info.Snapshots) == 0 {
			fmt.Printf("No snapshots found for %s\n", e.Name())
			return nil
		}
		fmt.Println(strings.Join(info.Snapshots, "\n"))
		return nil
	},
}

var engineSnapshotRestoreCmd = &cobra.Command{
	Use:   "restore <engine> <snapshot>",
	Short: "Restore a build engine snapshot",
	Long: `Revert the build engine's virtual machine to a named snapshot.

The engine should be stopped first.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSdk(ctx, sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		e, err := s.Engine(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Restoring snapshot %s of %s...\n", args[1], e.Name())
		if _, err := e.VirtualMachine().RestoreSnapshot(args[1]).Wait(ctx); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}

		fmt.Printf("✓ Snapshot %s restored\n", args[1])
		return nil
	},
}
