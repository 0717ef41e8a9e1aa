package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// stepsCmd represents the steps command
var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "List the configured matching steps in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runSteps(configPath)
	},
}

func init() {
	stepsCmd.Flags().String("config", "", "Config file path")
}

func runSteps(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	callSteps, flowSteps, err := buildSteps(cfg)
	if err != nil {
		return err
	}

	fmt.Println("Call graph steps (highest priority first):")
	for i, s := range callSteps {
		fmt.Printf("  %2d. %s (confidence %.2f)\n", i+1, s.Name(), s.Confidence())
	}
	fmt.Println()
	fmt.Println("Flow graph steps (highest priority first):")
	for i, s := range flowSteps {
		fmt.Printf("  %2d. %s (confidence %.2f)\n", i+1, s.Name(), s.Confidence())
	}
	return nil
}
