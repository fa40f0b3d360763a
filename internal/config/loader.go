package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"

	"authcore/pkg/logging"
)

const (
	userConfigDir  = ".config/authcore"
	configFileName = "config.yaml"
)

const logSubsystem = "Config"

// GetDefaultConfigPathOrPanic returns the per-user configuration directory.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}

	return filepath.Join(homeDir, userConfigDir)
}

// Load loads configuration from the specified directory. A missing
// config.yaml yields the defaults; a malformed one is an error.
func Load(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	cfg := Default()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info(logSubsystem, "no config.yaml found at %s, using defaults", configFilePath)
			return cfg, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	logging.Info(logSubsystem, "loaded configuration from %s", configFilePath)
	return cfg, nil
}
