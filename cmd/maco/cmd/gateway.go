package cmd

import (
	"encoding/hex"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/offenewerkstatt/maco/internal/config"
	"github.com/offenewerkstatt/maco/internal/gateway"
)

// gatewayCmd represents the gateway command.
var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the transport gateway",
	Long: `Start the TCP gateway that accepts encrypted frames from terminals
without direct internet access and forwards the wrapped requests to the
cloud permission service.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg := config.Get()

		master, err := hex.DecodeString(cfg.Gateway.MasterKey)
		if err != nil || len(master) != gateway.KeySize {
			return errors.New("gateway.masterkey must be a 16-byte hex value")
		}

		srv, err := gateway.NewServer(
			cfg.Gateway.Listen,
			gateway.NewKeyStore(master),
			cfg.Cloud.BaseURL,
			cfg.Cloud.APIKey,
		)
		if err != nil {
			return err
		}

		// Ensure the stop channel is closed only once.
		var stopOnce sync.Once
		stopChan := make(chan os.Signal, 1)
		signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-stopChan
			log.Info().Msgf("signal %v received, shutting down gateway", sig)

			stopOnce.Do(func() {
				if err := srv.Stop(); err != nil {
					log.Error().Err(err).Msg("failed to stop gateway")
				}
				close(stopChan)
			})
		}()

		log.Info().
			Str("listen", cfg.Gateway.Listen).
			Str("upstream", cfg.Cloud.BaseURL).
			Msg("gateway running")

		if err := srv.Start(); err != nil {
			return err
		}

		<-stopChan

		log.Info().Msg("gateway stopped gracefully")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}
