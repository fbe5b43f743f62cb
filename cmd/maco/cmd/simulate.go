package cmd

import (
	"github.com/spf13/cobra"

	"github.com/offenewerkstatt/maco/internal/config"
	"github.com/offenewerkstatt/maco/internal/simulator"
)

// simulateCmd represents the simulate command.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an interactive terminal simulation",
	Long: `Run the full terminal against an in-process authority with a
simulated reader, tags and relay. Useful for exercising the authentication
flow and the machine state machine without any hardware.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg := config.Get()

		return simulator.Run(simulator.Options{
			MachineID:           cfg.Machine.ID,
			RequiredPermissions: cfg.Machine.RequiredPermissions,
			SystemName:          cfg.NFC.SystemName,
			HistoryPath:         cfg.Storage.HistoryPath,
		})
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
}
