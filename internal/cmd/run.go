package cmd

import (
	"fmt"

	"github.com/Iron-Ham/mobu/internal/manager"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a business once as a single user and print its log",
	Long: `Run one iteration of a business on the server, outside of any flock, and
print its log. The configuration file names the user and the business:

  user:
    username: bot-mobu-solitary
  scopes: ["exec:notebook"]
  business:
    type: GitRepoLoop
    options:
      repo_url: https://github.com/lsst-sqre/notebook-demo.git
      repo_ref: main

The command exits non-zero when the business fails.`,
	Args: cobra.NoArgs,
	RunE: runSolitary,
}

var (
	runFile  string // Configuration file
	runQuiet bool   // Suppress the log
)

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "solitary configuration file (YAML or JSON)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not print the business log")
	_ = runCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(runCmd)
}

func runSolitary(cmd *cobra.Command, args []string) error {
	data, err := readConfigFile(cmd, runFile)
	if err != nil {
		return err
	}
	var cfg manager.SolitaryConfig
	if err := decodeStrict(data, &cfg); err != nil {
		return err
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	result, err := c.Run(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !runQuiet && result.Log != "" {
		fmt.Fprintln(out, result.Log)
	}
	if !result.Success {
		fmt.Fprintln(out, errStyle.Render("FAILED: "+result.Error))
		return fmt.Errorf("business failed")
	}
	fmt.Fprintln(out, okStyle.Render("SUCCESS"))
	return nil
}
