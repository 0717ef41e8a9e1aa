package commands

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/l3aro/bindelta/internal/config"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize bindelta configuration interactively",
	Long: `Guides you through setting up bindelta configuration step by step.
Creates a project-level config file with the matching thresholds and the
default result database path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit()
	},
}

func runInit() error {
	cfg := config.DefaultConfig()

	minInstructions := "4"
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Minimum instruction count").
				Description("Basic blocks below this size are skipped by the hash and prime steps; their fingerprints collide too often to be meaningful").
				Options(
					huh.NewOption("2 - aggressive, more matches, more noise", "2"),
					huh.NewOption("4 - default", "4"),
					huh.NewOption("6 - conservative, high precision", "6"),
				).
				Value(&minInstructions),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("interactive prompt failed: %w", err)
	}

	databasePath := cfg.DatabasePath
	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Result database path").
				Placeholder(cfg.DatabasePath).
				Value(&databasePath),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("interactive prompt failed: %w", err)
	}

	looseSteps := true
	form = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable loose matching steps?").
				Description("The relative position and instruction count heuristics produce low-confidence matches; disable them for high-precision diffs").
				Value(&looseSteps),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("interactive prompt failed: %w", err)
	}

	if n, err := strconv.Atoi(minInstructions); err == nil {
		for i := range cfg.FlowGraphSteps {
			if cfg.FlowGraphSteps[i].MinInstructions > 0 {
				cfg.FlowGraphSteps[i].MinInstructions = n
			}
		}
	}
	if databasePath != "" {
		cfg.DatabasePath = databasePath
	}
	if !looseSteps {
		kept := cfg.FlowGraphSteps[:0]
		for _, s := range cfg.FlowGraphSteps {
			if s.Name == "instruction_count" || s.Name == "relative_position" {
				continue
			}
			kept = append(kept, s)
		}
		cfg.FlowGraphSteps = kept
	}

	path := ".bindelta/config.yaml"
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", path)
	return nil
}
