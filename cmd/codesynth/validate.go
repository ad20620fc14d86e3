package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newValidateCmd checks that the layered config loads and validates and
// that the API key environment variable it names is set. It makes no LLM
// call and does not run any post-build validation of a generated project.
func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the configuration loads and the API key variable is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.APIKey() == "" {
				return fmt.Errorf("environment variable %s is not set", cfg.LLM.APIKeyEnv)
			}
			fmt.Printf("config OK: endpoint=%s model=%s output_dir=%s\n", cfg.LLM.Endpoint, cfg.LLM.Model, cfg.OutputDir)
			return nil
		},
	}
}
