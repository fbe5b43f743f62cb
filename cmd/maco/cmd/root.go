// Package cmd provides the CLI commands for the maco terminal.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/offenewerkstatt/maco/internal/config"
	"github.com/offenewerkstatt/maco/internal/logging"
)

var (
	debug bool
	human bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "maco",
	Short: "Machine access control terminal and utilities",
	Long: `Machine access control for workshop equipment: an NFC terminal that
authenticates NTAG 424 DNA tags against the cloud permission service and
unlocks the machine for authorized users, plus the transport gateway, a
development authority and key management utilities.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		logging.InitLogger(debug, human)

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&human, "human", true, "Enable human-readable logs")
}
