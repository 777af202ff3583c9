package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/twister/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the daemon configuration file",
	Long: `Load and validate the configuration file without starting the daemon.

Examples:
  twister validate -c /etc/twister/config.yml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	src := cfg.Source.Interface
	if cfg.Source.Type == "pcap" {
		src = cfg.Source.Path
	}
	fmt.Fprintf(out, "VALID: source %s (%s), sink %s, window %s\n",
		cfg.Source.Type, src, cfg.Sink.Type, cfg.Limiter.Window)
	return nil
}
