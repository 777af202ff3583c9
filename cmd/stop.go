package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/twister/internal/command"
	"firestige.xyz/twister/internal/core"
	"firestige.xyz/twister/internal/daemon"
)

var (
	stopPIDFile string
	stopWait    time.Duration
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the twister daemon",
	Long: `Stop the twister daemon gracefully.

Sends daemon.shutdown over the Unix Domain Socket. If the socket does not
answer, falls back to SIGTERM through the PID file. The daemon drains the
pipeline and exits cleanly.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

func init() {
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "/var/run/twister.pid",
		"PID file used when the socket does not answer")
	stopCmd.Flags().DurationVar(&stopWait, "wait", 10*time.Second,
		"how long to wait for the process to exit after SIGTERM")
}

// signalFallback is replaced in tests.
var signalFallback = func(pidFile string, wait time.Duration) error {
	pid, err := daemon.Signal(pidFile, syscall.SIGTERM)
	if err != nil {
		return err
	}
	return daemon.WaitExit(pid, wait)
}

func runStop(ctx context.Context, client Client, out io.Writer) error {
	resp, err := client.Shutdown(ctx)
	if err == nil {
		if err := check(command.MethodDaemonShutdown, resp, nil); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ Daemon is shutting down")
		return nil
	}
	if !errors.Is(err, core.ErrDaemonNotRunning) {
		return fmt.Errorf("%s: %w", command.MethodDaemonShutdown, err)
	}

	if ferr := signalFallback(stopPIDFile, stopWait); ferr != nil {
		if errors.Is(ferr, core.ErrDaemonNotRunning) {
			return ferr
		}
		return fmt.Errorf("socket unavailable and signal fallback failed: %w", ferr)
	}
	fmt.Fprintln(out, "✓ Daemon stopped (SIGTERM)")
	return nil
}
