package cmd

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/offenewerkstatt/maco/internal/authority"
	"github.com/offenewerkstatt/maco/internal/config"
	"github.com/offenewerkstatt/maco/pkg/diversify"
)

var (
	authorityListen string
	authoritySeed   string
)

// seedFile is the JSON layout of an authority seed file. Tags without an
// explicit authKey get one diversified from nfc.masterkey.
type seedFile struct {
	Users []struct {
		ID          string   `json:"id"`
		Label       string   `json:"label"`
		Permissions []string `json:"permissions"`
	} `json:"users"`
	Tags []struct {
		UID      string `json:"uid"`
		UserID   string `json:"userId"`
		AuthKey  string `json:"authKey,omitempty"`
		Disabled bool   `json:"disabled,omitempty"`
	} `json:"tags"`
}

// authorityCmd represents the authority command.
var authorityCmd = &cobra.Command{
	Use:   "authority",
	Short: "Run a development permission authority",
	Long: `Run an in-memory implementation of the cloud permission service for
development and testing: the authentication endpoints plus the usage upload
sink, seeded from a JSON file of users and tags.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		store := authority.NewStore()
		if authoritySeed != "" {
			if err := loadSeed(store, authoritySeed); err != nil {
				return fmt.Errorf("seed load failed: %w", err)
			}
		}

		srv := &http.Server{
			Addr:              authorityListen,
			Handler:           authority.NewServer(store).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		log.Info().Str("listen", authorityListen).Msg("authority running")

		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	},
}

// loadSeed fills the store from a seed file.
func loadSeed(store *authority.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return err
	}

	for _, u := range seed.Users {
		store.AddUser(authority.User{ID: u.ID, Label: u.Label, Permissions: u.Permissions})
	}

	cfg := config.Get()
	for _, t := range seed.Tags {
		uidBytes, err := hex.DecodeString(t.UID)
		if err != nil || len(uidBytes) != diversify.UIDSize {
			return fmt.Errorf("tag uid %q must be a 7-byte hex value", t.UID)
		}
		var uid [7]byte
		copy(uid[:], uidBytes)

		var authKey []byte
		if t.AuthKey != "" {
			authKey, err = hex.DecodeString(t.AuthKey)
			if err != nil || len(authKey) != diversify.KeySize {
				return fmt.Errorf("tag %s authKey must be a 16-byte hex value", t.UID)
			}
		} else {
			master, err := hex.DecodeString(cfg.NFC.MasterKey)
			if err != nil || len(master) != diversify.KeySize {
				return fmt.Errorf(
					"tag %s has no authKey and nfc.masterkey is not configured",
					t.UID,
				)
			}
			authKey, err = diversify.Key(
				master,
				cfg.NFC.SystemName,
				uid[:],
				diversify.KeyAuthorization,
			)
			if err != nil {
				return err
			}
		}

		store.AddTag(authority.TagRecord{
			UID:      uid,
			AuthKey:  authKey,
			UserID:   t.UserID,
			Disabled: t.Disabled,
		})
	}

	log.Info().Int("users", len(seed.Users)).Int("tags", len(seed.Tags)).Msg("seed loaded")

	return nil
}

func init() {
	rootCmd.AddCommand(authorityCmd)

	authorityCmd.Flags().
		StringVar(&authorityListen, "listen", ":8090", "Authority listen address")
	authorityCmd.Flags().
		StringVar(&authoritySeed, "seed", "", "Path to a JSON seed file of users and tags")
}
