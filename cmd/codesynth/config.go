package main

import (
	"log/slog"
	"os"

	"github.com/codesynth/codesynth/config"
)

// loadConfig applies the layered config precedence, then overlays an
// explicit --config file if one was given.
func loadConfig(configPath string) (*config.Config, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	loader := config.NewLoader(logger)

	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		fileCfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg.Merge(fileCfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
