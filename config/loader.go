package config

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "codesynth.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/codesynth"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
	// DotEnvFile is loaded into the process environment before config
	// validation, so api_key_env can resolve a key from a local .env
	// file during development.
	DotEnvFile = ".env"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load first loads the .env file in the current directory into the process
// environment so api_key_env resolves, then loads configuration with
// layered precedence:
//  1. Default config.
//  2. User config (~/.config/codesynth/config.yaml).
//  3. Project config (codesynth.yaml in current or parent directories).
func (l *Loader) Load() (*Config, error) {
	if err := godotenv.Load(DotEnvFile); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to load .env file", "error", err)
	}

	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("loaded user config", "path", userConfigPath)
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("failed to load user config", "path", userConfigPath, "error", err)
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("loaded project config", "path", projectConfigPath)
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("failed to load project config", "path", projectConfigPath, "error", err)
		}
	} else {
		l.logger.Debug("no project config found")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it
// doesn't already exist.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("created default user config", "path", userConfigPath)
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for ProjectConfigFile in the current directory
// and its ancestors.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
