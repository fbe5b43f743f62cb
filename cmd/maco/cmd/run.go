package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/offenewerkstatt/maco/internal/cloud"
	"github.com/offenewerkstatt/maco/internal/config"
	"github.com/offenewerkstatt/maco/internal/errorcodes"
	"github.com/offenewerkstatt/maco/internal/machine"
	"github.com/offenewerkstatt/maco/internal/nfc"
	"github.com/offenewerkstatt/maco/internal/session"
	"github.com/offenewerkstatt/maco/internal/terminal"
	"github.com/offenewerkstatt/maco/pkg/diversify"
)

var (
	runReaderIndex  int
	runTickInterval time.Duration
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the machine access terminal",
	Long: `Run the terminal control loop against a physical PC/SC reader:
poll for tags, authenticate them locally and against the cloud permission
service, and drive the machine relay for authorized sessions.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Get()

		if cfg.NFC.Reader != "pcsc" {
			return fmt.Errorf(
				"nfc.reader %q is not a physical reader, use 'maco simulate' instead",
				cfg.NFC.Reader,
			)
		}

		master, err := hex.DecodeString(cfg.NFC.MasterKey)
		if err != nil || len(master) != diversify.KeySize {
			return errors.New("nfc.masterkey must be a 16-byte hex value")
		}

		reader, err := nfc.OpenPCSC(runReaderIndex)
		if err != nil {
			return fmt.Errorf("reader init failed: %w", err)
		}
		defer func() { _ = reader.Close() }()

		systemName := cfg.NFC.SystemName
		worker := nfc.NewWorker(reader, func(uid [7]byte) ([]byte, error) {
			return diversify.Key(master, systemName, uid[:], diversify.KeyTerminal)
		})

		client := cloud.NewClient(cfg.Cloud.BaseURL, cfg.Cloud.APIKey)
		coord := session.NewCoordinator(worker, session.NewRegistry(), client)

		history := machine.LoadHistory(cfg.Storage.HistoryPath, cfg.Machine.ID)
		usage := machine.NewUsage(
			cfg.Machine.ID,
			cfg.Machine.RequiredPermissions,
			machine.NewSimRelay(),
			history,
			client,
		)

		term := terminal.New(worker, coord, usage)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info().
			Str("machine", cfg.Machine.ID).
			Str("cloud", cfg.Cloud.BaseURL).
			Strs("required", cfg.Machine.RequiredPermissions).
			Msg("terminal running")

		term.Run(ctx, runTickInterval)

		// Close any open session before shutting down.
		if err := usage.CheckOut(machine.ReasonUI); err != nil &&
			!errors.Is(err, errorcodes.ErrWrongState) {
			log.Error().Err(err).Msg("shutdown checkout failed")
		}

		log.Info().Msg("terminal stopped gracefully")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&runReaderIndex, "reader-index", 0, "PC/SC reader index")
	runCmd.Flags().
		DurationVar(&runTickInterval, "tick", 100*time.Millisecond, "Control loop tick interval")
}
