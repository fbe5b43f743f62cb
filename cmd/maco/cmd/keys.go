package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/offenewerkstatt/maco/internal/config"
	"github.com/offenewerkstatt/maco/pkg/crypto"
	"github.com/offenewerkstatt/maco/pkg/diversify"
)

// keysCmd represents the main keys command.
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Key generation and diversification operations",
	Long: `Key management for the terminal fleet: generate master secrets,
split and combine them as XOR components for multi-custodian handling, and
derive the per-tag diversified keys used during provisioning.`,
}

// generateKeyCmd represents the key generation subcommand.
var generateKeyCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a random AES-128 master key",
	Long: `Generate a random AES-128 master key and print it with its Key
Check Value (KCV). With --components the key is additionally split into XOR
components so that no single custodian holds the complete key.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		numComponents, _ := cmd.Flags().GetInt("components")

		keyHex, kcvHex, err := crypto.GenerateKey()
		if err != nil {
			return fmt.Errorf("key generation failed: %w", err)
		}

		fmt.Printf("Key: %s\n", keyHex)
		fmt.Printf("KCV: %s\n", kcvHex)

		if numComponents > 0 {
			components, _, err := crypto.SplitKey(keyHex, numComponents)
			if err != nil {
				return fmt.Errorf("key split failed: %w", err)
			}
			for i, comp := range components {
				fmt.Printf("Component %d: %s\n", i+1, comp)
			}
		}

		return nil
	},
}

// combineKeyCmd represents the component combination subcommand.
var combineKeyCmd = &cobra.Command{
	Use:   "combine [component]...",
	Short: "Combine XOR key components into the master key",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		keyHex, kcvHex, err := crypto.CombineComponents(args)
		if err != nil {
			return fmt.Errorf("combine failed: %w", err)
		}

		fmt.Printf("Key: %s\n", keyHex)
		fmt.Printf("KCV: %s\n", kcvHex)

		return nil
	},
}

// diversifyKeyCmd represents the key diversification subcommand.
var diversifyKeyCmd = &cobra.Command{
	Use:   "diversify",
	Short: "Derive the per-tag keys for provisioning",
	Long: `Derive the diversified AES-128 key of every key slot for one tag
UID, as written to the tag during provisioning. The master key and system
name default to the configured nfc.masterkey and nfc.systemname.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		uidHex, _ := cmd.Flags().GetString("uid")
		masterHex, _ := cmd.Flags().GetString("master")
		systemName, _ := cmd.Flags().GetString("system")

		cfg := config.Get()
		if masterHex == "" {
			masterHex = cfg.NFC.MasterKey
		}
		if systemName == "" {
			systemName = cfg.NFC.SystemName
		}

		master, err := hex.DecodeString(masterHex)
		if err != nil || len(master) != diversify.KeySize {
			return errors.New("master key must be a 16-byte hex value")
		}
		uid, err := hex.DecodeString(uidHex)
		if err != nil || len(uid) != diversify.UIDSize {
			return errors.New("uid must be a 7-byte hex value")
		}

		keys, err := diversify.Keys(master, systemName, uid)
		if err != nil {
			return fmt.Errorf("diversification failed: %w", err)
		}

		fmt.Printf("UID:    %s\n", uidHex)
		fmt.Printf("System: %s\n", systemName)
		for _, purpose := range diversify.Purposes() {
			key := keys[purpose]
			kcv, err := crypto.CalculateKCV(key)
			if err != nil {
				return err
			}
			fmt.Printf("%-14s %s (KCV %s)\n",
				purpose.String()+":", hex.EncodeToString(key), hex.EncodeToString(kcv))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(generateKeyCmd)
	keysCmd.AddCommand(combineKeyCmd)
	keysCmd.AddCommand(diversifyKeyCmd)

	generateKeyCmd.Flags().
		Int("components", 0, "Split the key into this many XOR components")

	diversifyKeyCmd.Flags().String("uid", "", "Tag UID (7-byte hex)")
	diversifyKeyCmd.Flags().String("master", "", "Master key (16-byte hex)")
	diversifyKeyCmd.Flags().String("system", "", "System name")
	_ = diversifyKeyCmd.MarkFlagRequired("uid")
}
