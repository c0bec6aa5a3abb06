package cmd

import (
	"strings"
	"time"

	"github.com/Iron-Ham/mobu/internal/client"
	"github.com/Iron-Ham/mobu/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mobu",
	Short: "Synthetic load and monitoring for a science platform",
	Long: `Mobu runs flocks of monkeys. Each monkey is a synthetic user that repeatedly
performs a business (a scripted workload) against the environment under test,
reporting failures to Slack and exposing its progress over an HTTP API.

Run "mobu serve" to start the server. The other commands talk to a running
server at --server.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/mobu/config.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "URL of the mobu server")
	rootCmd.PersistentFlags().String("token", "", "bearer token sent to the mobu server")
	rootCmd.PersistentFlags().Duration("timeout", 5*time.Minute, "timeout for requests to the mobu server")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("client.server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("client.token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("client.timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("MOBU")
	// e.g. MOBU_IDENTITY_TOKEN for identity.token
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// newClient builds an API client from the global flags.
func newClient() (*client.Client, error) {
	return client.New(
		viper.GetString("client.server"),
		viper.GetString("client.token"),
		viper.GetDuration("client.timeout"),
	)
}
