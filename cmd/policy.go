package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/twister/internal/command"
)

var bandwidthCmd = &cobra.Command{
	Use:   "bandwidth",
	Short: "Manage the bandwidth ceiling",
}

var bandwidthSetCmd = &cobra.Command{
	Use:   "set <limit>",
	Short: "Set the bandwidth ceiling",
	Long: `Set the bandwidth ceiling in bits per second.

The limit accepts SI suffixes: 500k, 10M, 1G (x1000 each). A limit of 0
rejects every counted packet.

Examples:
  twister bandwidth set 1000000
  twister bandwidth set 10M`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBandwidthSet(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0])
	},
}

var bandwidthClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the bandwidth ceiling",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		return runClear(cmd.Context(), cmd.OutOrStdout(), "bandwidth", c.ClearBandwidth)
	},
}

var lossCmd = &cobra.Command{
	Use:   "loss",
	Short: "Manage simulated packet loss",
}

var lossSetCmd = &cobra.Command{
	Use:   "set <percent>",
	Short: "Set the loss rate (0-100)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLossSet(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0])
	},
}

var lossClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the loss rate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		return runClear(cmd.Context(), cmd.OutOrStdout(), "loss", c.ClearLoss)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the limiter window and runtime counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReset(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

func init() {
	bandwidthCmd.AddCommand(bandwidthSetCmd, bandwidthClearCmd)
	lossCmd.AddCommand(lossSetCmd, lossClearCmd)
}

func runBandwidthSet(ctx context.Context, client Client, out io.Writer, arg string) error {
	bps, err := parseBitrate(arg)
	if err != nil {
		return err
	}
	resp, err := client.SetBandwidth(ctx, bps)
	if err := check(command.MethodBandwidthSet, resp, err); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Bandwidth limit set to %s\n", formatBitrate(bps))
	return nil
}

func runLossSet(ctx context.Context, client Client, out io.Writer, arg string) error {
	rate, err := strconv.ParseInt(strings.TrimSuffix(arg, "%"), 10, 32)
	if err != nil || rate < 0 || rate > 100 {
		return fmt.Errorf("invalid loss rate %q (must be 0-100)", arg)
	}
	resp, err := client.SetLoss(ctx, int32(rate))
	if err := check(command.MethodLossSet, resp, err); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Loss rate set to %d%%\n", rate)
	return nil
}

func runClear(ctx context.Context, out io.Writer, what string, clear func(context.Context) (*command.Response, error)) error {
	resp, err := clear(ctx)
	if err := check(what+".clear", resp, err); err != nil {
		return err
	}
	if resultStatus(resp) == "not_configured" {
		fmt.Fprintf(out, "%s policy was not configured\n", what)
		return nil
	}
	fmt.Fprintf(out, "✓ %s policy cleared\n", what)
	return nil
}

func runReset(ctx context.Context, client Client, out io.Writer) error {
	resp, err := client.ResetCounters(ctx)
	if err := check(command.MethodCountersReset, resp, err); err != nil {
		return err
	}
	fmt.Fprintln(out, "✓ Counters reset")
	return nil
}

var bitrateUnits = []struct {
	suffix string
	factor uint64
}{
	{"g", 1_000_000_000},
	{"m", 1_000_000},
	{"k", 1_000},
}

// parseBitrate reads a bits-per-second value with an optional k/M/G
// suffix, optionally followed by "bit", "bps" or "b".
func parseBitrate(s string) (uint64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, unit := range []string{"bit", "bps", "b"} {
		if strings.HasSuffix(v, unit) {
			v = strings.TrimSuffix(v, unit)
			break
		}
	}
	factor := uint64(1)
	for _, u := range bitrateUnits {
		if strings.HasSuffix(v, u.suffix) {
			v, factor = strings.TrimSuffix(v, u.suffix), u.factor
			break
		}
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth limit %q", s)
	}
	if n != 0 && n*factor/factor != n {
		return 0, fmt.Errorf("bandwidth limit %q overflows", s)
	}
	return n * factor, nil
}

func formatBitrate(bps uint64) string {
	for _, u := range bitrateUnits {
		if bps >= u.factor && bps%u.factor == 0 {
			return fmt.Sprintf("%d %sbit/s", bps/u.factor, strings.ToUpper(u.suffix))
		}
	}
	return fmt.Sprintf("%d bit/s", bps)
}
