package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"firestige.xyz/twister/internal/command"
	"firestige.xyz/twister/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the twister daemon for its overall status.

Shows: version, uptime, each policy with its parameters, and the limiter
window state.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show runtime statistics",
	Long: `Query the twister daemon for runtime statistics.

Shows: packets and bytes per verdict, rejects per stage, capture drops and
source/sink errors.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

func runStatus(ctx context.Context, client Client, out io.Writer) error {
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", command.MethodDaemonStatus, err)
	}
	fmt.Fprint(out, renderStatus(st))
	return nil
}

func runStats(ctx context.Context, client Client, out io.Writer) error {
	s, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", command.MethodDaemonStats, err)
	}
	fmt.Fprint(out, renderStats(s))
	return nil
}

func renderStatus(st *command.StatusResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "twister %s, up %s\n", st.Version, time.Duration(st.UptimeSec)*time.Second)

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Service", "Ready", "Interface", "Params"})
	for _, s := range st.Services {
		t.AppendRow(table.Row{s.Name, yesNo(s.Ready), s.NetworkInterfaceName, formatParams(s.Params)})
	}
	b.WriteString(t.Render())
	b.WriteString("\n")

	lim := table.NewWriter()
	lim.SetStyle(table.StyleRounded)
	lim.AppendHeader(table.Row{"Limiter", "Value"})
	limit := "unconfigured"
	if st.Limiter.BandwidthConfigured {
		limit = formatBitrate(st.Limiter.BandwidthLimit)
	}
	loss := "unconfigured"
	if st.Limiter.LossConfigured {
		loss = fmt.Sprintf("%d%%", st.Limiter.LossRate)
	}
	lim.AppendRows([]table.Row{
		{"bandwidth limit", limit},
		{"loss rate", loss},
		{"window active", yesNo(st.Limiter.WindowActive)},
		{"window bytes", st.Limiter.Bytes},
	})
	b.WriteString(lim.Render())
	b.WriteString("\n")
	return b.String()
}

func renderStats(s *pipeline.Stats) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Counter", "Packets", "Bytes"})
	t.AppendRows([]table.Row{
		{"received", s.Received, ""},
		{"admitted", s.Admitted, s.AdmittedBytes},
		{"rejected", s.Rejected, s.RejectedBytes},
		{"aborted", s.Aborted, ""},
		{"capture drops", s.CaptureDrops, ""},
		{"source errors", s.SourceErrors, ""},
		{"sink errors", s.SinkErrors, ""},
	})

	stages := make([]string, 0, len(s.ByStage))
	for name := range s.ByStage {
		stages = append(stages, name)
	}
	sort.Strings(stages)
	if len(stages) > 0 {
		t.AppendSeparator()
		for _, name := range stages {
			t.AppendRow(table.Row{"stage " + name, s.ByStage[name], ""})
		}
	}
	return t.Render() + "\n"
}

func formatParams(p map[string]any) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
