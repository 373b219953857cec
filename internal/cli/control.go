package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stasis/stasis/internal/config"
	"github.com/stasis/stasis/internal/daemon"
)

var infoJSON bool

func init() {
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "print the state as JSON")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(controlCommand("pause", "Hold the idle timers", daemon.CmdPause))
	rootCmd.AddCommand(controlCommand("resume", "Release held idle timers", daemon.CmdResume))
	rootCmd.AddCommand(controlCommand("trigger-idle", "Fire every pending action now", daemon.CmdTriggerIdle))
	rootCmd.AddCommand(controlCommand("trigger-presuspend", "Run the pre-suspend command now", daemon.CmdTriggerPreSuspend))
	rootCmd.AddCommand(stopCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the state of the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if infoJSON {
			return sendControl(cmd, daemon.CmdInfoJSON)
		}
		return sendControl(cmd, daemon.CmdInfo)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

func controlCommand(use, short string, command daemon.Command) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(cmd, command)
		},
	}
}

// clientSettings returns the daemon block a client should use. A config
// that cannot be loaded is not fatal for clients: the defaults name the
// same socket the daemon uses unless the user moved it.
func clientSettings() config.DaemonBlock {
	snap, err := config.Load(configPath)
	if err == nil {
		return snap.Daemon
	}
	settings := config.Default().Daemon
	if socket := os.Getenv("STASIS_SOCKET"); socket != "" {
		settings.Socket = socket
	}
	return settings
}

func sendControl(cmd *cobra.Command, command daemon.Command) error {
	reply, err := daemon.Send(clientSettings().Socket, command, controlTimeout)
	if err != nil {
		return err
	}
	if reply.Err != nil {
		return reply.Err
	}
	if reply.Body != "" {
		fmt.Fprintln(cmd.OutOrStdout(), reply.Body)
	}
	return nil
}

// runStop asks the daemon to stop over the socket and falls back to
// SIGTERM through the PID file when the socket does not answer.
func runStop(cmd *cobra.Command, args []string) error {
	settings := clientSettings()

	err := sendControl(cmd, daemon.CmdStop)
	if err == nil || !errors.Is(err, daemon.ErrNotRunning) {
		return err
	}

	if stopErr := daemon.New(settings.PIDFile).Stop(); stopErr != nil {
		return stopErr
	}
	fmt.Fprintln(cmd.OutOrStdout(), "stopping")
	return nil
}
