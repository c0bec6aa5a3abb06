package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Iron-Ham/mobu/internal/flock"
	"github.com/Iron-Ham/mobu/internal/manager"
	"github.com/spf13/cobra"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show success and failure counts for every flock",
	Args:  cobra.NoArgs,
	RunE:  runSummary,
}

var (
	summaryJSON bool // Output as JSON
)

func init() {
	summaryCmd.Flags().BoolVar(&summaryJSON, "json", false, "Output summaries as JSON")
	rootCmd.AddCommand(summaryCmd)
}

func runSummary(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	summaries, err := c.Summary(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if summaryJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "    ")
		return enc.Encode(summaries)
	}
	printSummaries(out, summaries, terminalWidth())
	return nil
}

func printSummaries(out io.Writer, summaries []flock.Summary, width int) {
	if len(summaries) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No flocks running"))
		return
	}

	nameWidth := 16
	for _, s := range summaries {
		nameWidth = max(nameWidth, len(s.Name)+2)
	}
	nameWidth = min(nameWidth, width/3)

	header := fmt.Sprintf("%-*s %-20s %7s %10s %9s %9s", nameWidth, "FLOCK", "BUSINESS", "MONKEYS", "STARTED", "FAILURES", "SUCCESS")
	fmt.Fprintln(out, headerStyle.Render(header))
	fmt.Fprintln(out, mutedStyle.Render(strings.Repeat("─", min(len(header), width))))
	for _, s := range summaries {
		started := "-"
		if s.StartTime != nil {
			started = s.StartTime.Format("2006-01-02")
		}
		rate := manager.SuccessRate(s)
		line := fmt.Sprintf("%-*s %-20s %7d %10s %9d ", nameWidth, s.Name, s.Business, s.MonkeyCount, started, s.FailureCount)
		fmt.Fprintln(out, line+rateStyle(rate).Render(fmt.Sprintf("%8.2f%%", rate)))
	}
}
