package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	configData Config
	v          *viper.Viper
)

// Config holds all configuration settings.
type Config struct {
	// Machine configuration
	Machine struct {
		ID                  string
		RequiredPermissions []string
	}
	// Cloud authority configuration
	Cloud struct {
		BaseURL string
		APIKey  string
	}
	// Gateway configuration
	Gateway struct {
		Listen    string
		DeviceID  string // 8-byte device id, hex encoded
		MasterKey string // 16-byte transport master secret, hex encoded
	}
	// NFC / key material configuration
	NFC struct {
		SystemName string
		MasterKey  string // 16-byte diversification master key, hex encoded
		Reader     string // "pcsc" or "sim"
	}
	// Storage configuration
	Storage struct {
		HistoryPath string
	}
	// Logging configuration
	Log struct {
		Level  string
		Format string
	}
}

// Initialize sets up the configuration system.
func Initialize() error {
	v = viper.New()

	// Set config name and paths
	v.SetConfigName("config")      // name of config file (without extension)
	v.SetConfigType("yaml")        // config file type
	v.AddConfigPath(".")           // optionally look for config in working directory
	v.AddConfigPath("$HOME/.maco") // look for config in .maco directory in home
	v.AddConfigPath("/etc/maco/")  // path to look for the config file in

	// Set default values
	setDefaults()

	// Environment variables
	v.SetEnvPrefix("MACO") // prefix for env vars
	v.AutomaticEnv()       // read in environment variables that match
	v.SetEnvKeyReplacer(   // replace dots with underscores in env vars
		strings.NewReplacer(".", "_"),
	)

	// Create config file if it doesn't exist
	if err := ensureConfig(); err != nil {
		return fmt.Errorf("error creating config file: %w", err)
	}

	// Read in config file
	if err := v.ReadInConfig(); err != nil {
		// It's okay if we can't find a config file, we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal config into struct
	if err := v.Unmarshal(&configData); err != nil {
		return fmt.Errorf("unable to decode into config struct: %w", err)
	}

	return nil
}

// setDefaults sets default values for all configuration options.
func setDefaults() {
	// Machine defaults
	v.SetDefault("machine.id", "machine-dev")
	v.SetDefault("machine.requiredpermissions", []string{})

	// Cloud defaults
	v.SetDefault("cloud.baseurl", "http://localhost:8090")
	v.SetDefault("cloud.apikey", "")

	// Gateway defaults
	v.SetDefault("gateway.listen", ":7430")
	v.SetDefault("gateway.deviceid", "")
	v.SetDefault("gateway.masterkey", "")

	// NFC defaults
	v.SetDefault("nfc.systemname", "OwwMachineAuth")
	v.SetDefault("nfc.masterkey", "")
	v.SetDefault("nfc.reader", "sim")

	// Storage defaults
	v.SetDefault("storage.historypath", "machine_history.json")

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "human")
}

// ensureConfig creates a default config file if none exists.
func ensureConfig() error {
	// Check if config file exists
	if _, err := os.Stat(filepath.Join(os.Getenv("HOME"), ".maco")); os.IsNotExist(err) {
		// Create directory
		if err := os.MkdirAll(filepath.Join(os.Getenv("HOME"), ".maco"), 0o755); err != nil {
			return err
		}
	}

	configFile := filepath.Join(os.Getenv("HOME"), ".maco", "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		// Create default config file
		defaultConfig := `# MACO Terminal Configuration File
machine:
  id: machine-dev
  requiredpermissions: []

cloud:
  baseurl: http://localhost:8090
  apikey: ""

gateway:
  listen: ":7430"
  deviceid: ""
  masterkey: ""

nfc:
  systemname: OwwMachineAuth
  masterkey: ""
  reader: sim

storage:
  historypath: machine_history.json

log:
  level: info
  format: human
`
		if err := os.WriteFile(configFile, []byte(defaultConfig), 0o644); err != nil {
			return err
		}
	}

	return nil
}

// Get returns the current configuration.
func Get() *Config {
	return &configData
}

// GetViper returns the viper instance.
func GetViper() *viper.Viper {
	return v
}
