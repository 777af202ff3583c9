// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/twister/internal/command"
	"firestige.xyz/twister/internal/pipeline"
)

var (
	// Global flags
	configFile string
	socketPath string
	timeout    time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "twister",
	Short: "Twister - inline bandwidth limiting and packet loss simulation",
	Long: `Twister sits in the packet path and decides, frame by frame, whether to
admit or drop traffic.

Features:
  - Loss simulation: drop a configurable percentage of packets
  - Bandwidth limiting: cap the bytes admitted per accounting window
  - Local control: CLI via Unix Domain Socket
  - Remote control: REST API and Kafka command subscription`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/twister/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/twister.sock",
		"daemon socket path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"control request timeout")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(bandwidthCmd)
	rootCmd.AddCommand(lossCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(validateCmd)
}

// Client is the daemon surface the commands use.
type Client interface {
	SetBandwidth(ctx context.Context, limitBps uint64) (*command.Response, error)
	ClearBandwidth(ctx context.Context) (*command.Response, error)
	SetLoss(ctx context.Context, rate int32) (*command.Response, error)
	ClearLoss(ctx context.Context) (*command.Response, error)
	ResetCounters(ctx context.Context) (*command.Response, error)
	ConfigReload(ctx context.Context) (*command.Response, error)
	Shutdown(ctx context.Context) (*command.Response, error)
	Status(ctx context.Context) (*command.StatusResult, error)
	Stats(ctx context.Context) (*pipeline.Stats, error)
}

// newClient is replaced in tests.
var newClient = func() Client {
	return command.NewUDSClient(socketPath, timeout)
}

// check turns a transport error or a remote error into one error.
func check(method string, resp *command.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %w", method, resp.Error)
	}
	return nil
}

// resultStatus extracts the "status" field most methods return.
func resultStatus(resp *command.Response) string {
	var r struct {
		Status string `json:"status"`
	}
	if err := command.DecodeResult(resp, &r); err != nil {
		return ""
	}
	return r.Status
}

func printErr(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
}

// Main runs the CLI and returns the process exit code.
func Main() int {
	if err := Execute(); err != nil {
		printErr(os.Stderr, err)
		return 1
	}
	return 0
}
