package main

import (
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/codesynth/codesynth/eventbus"
	"github.com/codesynth/codesynth/orchestrator"
	"github.com/codesynth/codesynth/tui"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		noExpand bool
		dryRun   bool
		useTUI   bool
	)

	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Build a project from a one-line request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			opts := orchestrator.Options{
				Request:  args[0],
				NoExpand: noExpand,
				DryRun:   dryRun,
			}

			var program *tea.Program
			if useTUI {
				bus := eventbus.New()
				opts.EventBus = bus
				program = tea.NewProgram(tui.New(bus))
				go func() {
					if _, err := program.Run(); err != nil {
						fmt.Fprintf(os.Stderr, "tui: %v\n", err)
					}
				}()
			} else {
				opts.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
			}

			result, err := orchestrator.Run(cmd.Context(), cfg, opts)
			if program != nil {
				program.Quit()
			}
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			fmt.Printf("\nBuild finished: %s\n", result.Manifest.TerminationReason)
			fmt.Printf("Handoffs: %d complete of %d collected\n", result.Manifest.HandoffsComplete, result.Manifest.HandoffsCollected)
			fmt.Printf("Output: %s\n", cfg.OutputDir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noExpand, "no-expand", false, "Skip LLM idea-expansion of the request")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run the planning loop without dispatching to workers")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Show a live Bubble Tea progress view")

	return cmd
}
