package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Iron-Ham/mobu/internal/flock"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var flockCmd = &cobra.Command{
	Use:   "flock",
	Short: "Manage flocks on a running server",
}

var flockStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a flock, replacing any flock with the same name",
	Long: `Start a flock from a YAML or JSON configuration file:

  name: basic
  count: 10
  user_spec:
    username_prefix: bot-mobu-basic
  scopes: ["exec:notebook"]
  business:
    type: EmptyLoop

Use "-f -" to read the configuration from stdin.`,
	Args: cobra.NoArgs,
	RunE: runFlockStart,
}

var flockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List running flocks",
	Args:  cobra.NoArgs,
	RunE:  runFlockList,
}

var flockShowCmd = &cobra.Command{
	Use:   "show <flock>",
	Short: "Show a flock and its monkeys",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlockShow,
}

var flockStopCmd = &cobra.Command{
	Use:   "stop <flock>",
	Short: "Stop and remove a flock",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlockStop,
}

var flockRefreshCmd = &cobra.Command{
	Use:   "refresh <flock>",
	Short: "Ask every monkey of a flock to refresh at its next iteration",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlockRefresh,
}

var flockLogCmd = &cobra.Command{
	Use:   "log <flock> <monkey>",
	Short: "Print the log of one monkey",
	Args:  cobra.ExactArgs(2),
	RunE:  runFlockLog,
}

var (
	flockFile string // Configuration file for start
	flockJSON bool   // Output as JSON
)

func init() {
	flockStartCmd.Flags().StringVarP(&flockFile, "file", "f", "", "flock configuration file (YAML or JSON)")
	_ = flockStartCmd.MarkFlagRequired("file")
	flockShowCmd.Flags().BoolVar(&flockJSON, "json", false, "Output the flock as JSON")

	flockCmd.AddCommand(flockStartCmd, flockListCmd, flockShowCmd, flockStopCmd, flockRefreshCmd, flockLogCmd)
	rootCmd.AddCommand(flockCmd)
}

// readConfigFile reads path, or stdin when path is "-".
func readConfigFile(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// decodeStrict decodes YAML (and therefore JSON) into v, rejecting unknown
// fields.
func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func runFlockStart(cmd *cobra.Command, args []string) error {
	data, err := readConfigFile(cmd, flockFile)
	if err != nil {
		return err
	}
	var cfg flock.Config
	if err := decodeStrict(data, &cfg); err != nil {
		return err
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	created, err := c.StartFlock(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to start flock: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started flock %s with %d monkey(s)\n", created.Name, len(created.Monkeys))
	return nil
}

func runFlockList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	names, err := c.ListFlocks(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No flocks running"))
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	return nil
}

func runFlockShow(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	data, err := c.GetFlock(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if flockJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "    ")
		return enc.Encode(data)
	}
	printFlock(cmd.OutOrStdout(), data)
	return nil
}

func printFlock(out io.Writer, data flock.Data) {
	fmt.Fprintln(out, titleStyle.Render("FLOCK "+data.Name))
	fmt.Fprintf(out, "Business: %s\n", data.Config.Business.Type)
	fmt.Fprintf(out, "Monkeys:  %d\n", len(data.Monkeys))
	fmt.Fprintln(out)

	width := terminalWidth()
	nameWidth := 24
	for _, m := range data.Monkeys {
		nameWidth = max(nameWidth, len(m.Name)+2)
	}
	nameWidth = min(nameWidth, width/2)

	header := fmt.Sprintf("%-*s %-10s %9s %9s  %s", nameWidth, "MONKEY", "STATE", "SUCCESS", "FAILURE", "HEALTHY")
	fmt.Fprintln(out, headerStyle.Render(header))
	fmt.Fprintln(out, mutedStyle.Render(strings.Repeat("─", min(len(header), width))))
	for _, m := range data.Monkeys {
		healthy := okStyle.Render("yes")
		if !m.Business.Healthy {
			healthy = errStyle.Render("no")
		}
		fmt.Fprintf(out, "%-*s %-10s %9d %9d  %s\n", nameWidth, m.Name, m.State,
			m.Business.SuccessCount, m.Business.FailureCount, healthy)
	}
}

func runFlockStop(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.StopFlock(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped flock %s\n", args[0])
	return nil
}

func runFlockRefresh(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.RefreshFlock(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Refresh requested for flock %s\n", args[0])
	return nil
}

func runFlockLog(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	log, err := c.MonkeyLog(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(log)
	return err
}
