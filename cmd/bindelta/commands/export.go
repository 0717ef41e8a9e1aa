package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export <primary.bde> <secondary.bde>",
	Short: "Match two exported binaries and write a result database",
	Long: `Runs the matching pipeline like diff, but its only output is the SQLite
result database. The database write is atomic: on any failure nothing is
committed and the command can simply be re-run.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		outputPath, _ := cmd.Flags().GetString("output")
		configPath, _ := cmd.Flags().GetString("config")
		verbose, _ := cmd.Flags().GetBool("verbose")
		return runExport(args[0], args[1], outputPath, configPath, verbose)
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "Result database path (defaults to config database_path)")
	exportCmd.Flags().String("config", "", "Config file path")
	exportCmd.Flags().BoolP("verbose", "v", false, "Verbose logging")
}

func runExport(primaryPath, secondaryPath, outputPath, configPath string, verbose bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if outputPath == "" {
		outputPath = cfg.DatabasePath
	}

	mc, err := runMatch(primaryPath, secondaryPath, configPath, verbose)
	if err != nil {
		return err
	}

	if err := writeResults(outputPath, mc); err != nil {
		return err
	}
	fmt.Printf("Wrote %d function matches to %s\n", mc.FixedPointCount(), outputPath)
	return nil
}
