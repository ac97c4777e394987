// Package commands implements the CLI commands for the dittodds
// daemon.
package commands

import "github.com/spf13/cobra"

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any
// subcommands.
var rootCmd = &cobra.Command{
	Use:   "dittodds",
	Short: "DittoDDS - DDS/RTPS publish-subscribe daemon",
	Long: `DittoDDS is a Data Distribution Service middleware speaking the
RTPS 2.4 wire protocol in pure Go: automatic peer discovery over UDP
multicast, QoS-governed typed topics, and reliable or best-effort
delivery between matched writers and readers.

Use "dittodds [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
// Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// GetConfigFile returns the --config flag value.
func GetConfigFile() string { return cfgFile }

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $XDG_CONFIG_HOME/dittodds/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
}
