// Package cli implements the stasis command line using Cobra. Without a
// subcommand it runs the daemon in the foreground; the subcommands talk to
// a running daemon over its control socket.
package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stasis/stasis/internal/config"
	"github.com/stasis/stasis/internal/daemon"
	"github.com/stasis/stasis/pkg/detector"
)

// Exit codes.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitBadConfig     = 2
	ExitNoIdleBackend = 3
)

// controlTimeout bounds a round trip over the control socket.
const controlTimeout = 5 * time.Second

var (
	configPath string
	verbose    bool
	reload     bool
)

var rootCmd = &cobra.Command{
	Use:   "stasis",
	Short: "stasis - idle manager for Wayland and X11 sessions",
	Long: `stasis runs configured commands after periods of user inactivity.

Idle time is held while media plays, while an inhibiting application runs or
while the compositor reports an idle inhibitor. Run without arguments to start
the daemon in the foreground.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVarP(&reload, "reload", "r", false, "reload the configuration of the running daemon")
}

func runRoot(cmd *cobra.Command, args []string) error {
	if reload {
		return sendControl(cmd, daemon.CmdReload)
	}
	return runDaemon(cmd.Context(), cmd.Root().Version)
}

// exitError carries a specific exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return ExitBadConfig
	}
	if errors.Is(err, detector.ErrNoIdleFacility) {
		return ExitNoIdleBackend
	}
	return ExitFailure
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
