package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/internal/sdk"
	"github.com/jbweber/anvil/internal/sshclient"
)

var engineExecCmd = &cobra.Command{
	Use:   "exec <engine> -- <command> [args...]",
	Short: "Run a command inside a build engine",
	Long: `Run a command inside a build engine over SSH and print its output.

The engine must be running and its SSH private key configured (see
'anvil engine set --ssh-key'). The command's exit status becomes anvil's.

Example:
  anvil engine exec "Sailfish OS Build Engine" -- sdk-assistant list`,
	Args: cobra.MinimumNArgs(2),
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
		client, err := s.SSHClient(e)
		if err != nil {
			return err
		}

		res, err := client.Run(ctx, sshclient.Quote(args[1:]))
		if err != nil {
			return fmt.Errorf("failed to run command on %s: %w", e.Name(), err)
		}

		fmt.Fprint(os.Stdout, res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
		if res.ExitCode != 0 {
			return &exitCodeError{code: res.ExitCode}
		}
		return nil
	},
}
