package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/internal/sdk"
	"github.com/jbweber/anvil/internal/vm"
)

var engineForwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Manage extra port forwardings of a build engine",
	Long: `Manage port forwardings beyond the reserved SSH, WWW and QmlLive ones.

Reserved forwardings are changed with 'anvil engine set'.`,
}

func init() {
	engineForwardCmd.AddCommand(engineForwardAddCmd)
	engineForwardCmd.AddCommand(engineForwardRemoveCmd)
	engineForwardCmd.AddCommand(engineForwardListCmd)
}

var engineForwardAddCmd = &cobra.Command{
	Use:   "add <engine> <rule> <host-port>:<guest-port>[/tcp|/udp]",
	Short: "Add a port forwarding",
	Long: `Forward a host port to a guest port of the build engine.

Example:
  anvil engine forward add "Sailfish OS Build Engine" debug 2345:2345
  anvil engine forward add "Sailfish OS Build Engine" dns 5353:53/udp`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rule, err := parseForwarding(args[1], args[2])
		if err != nil {
			return err
		}

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
		if _, err := e.VirtualMachine().AddPortForwarding(rule).Wait(ctx); err != nil {
			return fmt.Errorf("failed to add port forwarding: %w", err)
		}

		fmt.Printf("✓ Forwarding %s added: host %d -> guest %d/%s\n", rule.RuleName, rule.HostPort, rule.GuestPort, rule.Protocol)
		return nil
	},
}

var engineForwardRemoveCmd = &cobra.Command{
	Use:     "remove <engine> <rule>",
	Aliases: []string{"rm"},
	Short:   "Remove a port forwarding",
	Args:    cobra.ExactArgs(2),
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
		if _, err := e.VirtualMachine().RemovePortForwarding(args[1]).Wait(ctx); err != nil {
			return fmt.Errorf("failed to remove port forwarding: %w", err)
		}

		fmt.Printf("✓ Forwarding %s removed\n", args[1])
		return nil
	},
}

var engineForwardListCmd = &cobra.Command{
	Use:     "list <engine>",
	Aliases: []string{"ls"},
	Short:   "List the port forwardings of a build engine",
	Args:    cobra.ExactArgs(1),
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
			return fmt.Errorf("failed to read port forwardings: %w", err)
		}

		if !noHeaders {
			fmt.Printf("%-20s %-8s %10s %10s\n", "RULE", "PROTO", "HOST", "GUEST")
		}
		if info.SSHPort != 0 {
			fmt.Printf("%-20s %-8s %10d %10s\n", "ssh (reserved)", "tcp", info.SSHPort, "-")
		}
		if info.WWWPort != 0 {
			fmt.Printf("%-20s %-8s %10d %10s\n", "www (reserved)", "tcp", info.WWWPort, "-")
		}
		for _, name := range slices.Sorted(maps.Keys(info.QmlLivePorts)) {
			port := info.QmlLivePorts[name]
			fmt.Printf("%-20s %-8s %10d %10d\n", name, "tcp", port, port)
		}
		for _, r := range info.OtherPortForwardings {
			fmt.Printf("%-20s %-8s %10d %10d\n", r.RuleName, r.Protocol, r.HostPort, r.GuestPort)
		}
		return nil
	},
}

// parseForwarding parses HOST:GUEST with an optional /tcp or /udp suffix.
func parseForwarding(name, spec string) (vm.PortForwarding, error) {
	rule := vm.PortForwarding{RuleName: name, Protocol: "tcp"}

	ports, proto, hasProto := strings.Cut(spec, "/")
	if hasProto {
		rule.Protocol = strings.ToLower(proto)
	}
	host, guest, ok := strings.Cut(ports, ":")
	if !ok {
		return vm.PortForwarding{}, fmt.Errorf("invalid forwarding %q (expected HOST:GUEST[/PROTO])", spec)
	}

	for _, p := range []struct {
		raw string
		dst *uint16
	}{{host, &rule.HostPort}, {guest, &rule.GuestPort}} {
		n, err := strconv.Atoi(p.raw)
		if err != nil {
			return vm.PortForwarding{}, fmt.Errorf("invalid port %q in %q", p.raw, spec)
		}
		port, err := vm.ValidatePort(n)
		if err != nil {
			return vm.PortForwarding{}, err
		}
		*p.dst = port
	}

	if err := vm.ValidatePortForwarding(rule); err != nil {
		return vm.PortForwarding{}, err
	}
	return rule, nil
}
