package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/l3aro/bindelta/internal/config"
	"github.com/l3aro/bindelta/internal/log"
	"github.com/l3aro/bindelta/internal/storage"
	"github.com/l3aro/bindelta/pkg/cache"
	"github.com/l3aro/bindelta/pkg/ingest"
	"github.com/l3aro/bindelta/pkg/match"
)

// diffCmd represents the diff command
var diffCmd = &cobra.Command{
	Use:   "diff <primary.bde> <secondary.bde>",
	Short: "Match two exported binaries and print the result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		outputPath, _ := cmd.Flags().GetString("output")
		configPath, _ := cmd.Flags().GetString("config")
		verbose, _ := cmd.Flags().GetBool("verbose")
		return runDiff(args[0], args[1], outputPath, configPath, jsonOutput, verbose)
	},
}

func init() {
	diffCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	diffCmd.Flags().StringP("output", "o", "", "Also write results to a SQLite database at this path")
	diffCmd.Flags().String("config", "", "Config file path")
	diffCmd.Flags().BoolP("verbose", "v", false, "Verbose logging")
}

// functionMatchSummary is one function pair in the JSON output.
type functionMatchSummary struct {
	PrimaryAddress    uint64  `json:"primary_address"`
	SecondaryAddress  uint64  `json:"secondary_address"`
	PrimaryName       string  `json:"primary_name,omitempty"`
	SecondaryName     string  `json:"secondary_name,omitempty"`
	Similarity        float64 `json:"similarity"`
	Confidence        float64 `json:"confidence"`
	Step              string  `json:"step"`
	BasicBlockMatches int     `json:"basicblock_matches"`
}

// diffSummary is the JSON output of the diff command.
type diffSummary struct {
	PrimaryExe         string                 `json:"primary_exe"`
	SecondaryExe       string                 `json:"secondary_exe"`
	Similarity         float64                `json:"similarity"`
	Confidence         float64                `json:"confidence"`
	PrimaryFunctions   int                    `json:"primary_functions"`
	SecondaryFunctions int                    `json:"secondary_functions"`
	Matches            []functionMatchSummary `json:"matches"`
}

func runDiff(primaryPath, secondaryPath, outputPath, configPath string, jsonOutput, verbose bool) error {
	mc, err := runMatch(primaryPath, secondaryPath, configPath, verbose)
	if err != nil {
		return err
	}

	summary := buildSummary(mc)
	if jsonOutput {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		printSummary(summary)
	}

	if outputPath != "" {
		if err := writeResults(outputPath, mc); err != nil {
			return err
		}
		fmt.Printf("Results written to %s\n", outputPath)
	}
	return nil
}

// runMatch loads both sides, runs the pipeline to convergence and returns the
// converged matching context.
func runMatch(primaryPath, secondaryPath, configPath string, verbose bool) (*match.Context, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := log.Default()
	if verbose || cfg.Verbose {
		logger.SetLevel(log.DebugLevel)
	}
	logger.SetJSONOutput(cfg.JSONLogs)

	callSteps, flowSteps, err := buildSteps(cfg)
	if err != nil {
		return nil, err
	}

	// Ctrl-C aborts between steps; no partial result is ever reported.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var store *cache.Store
	if cfg.CacheDir != "" {
		store, err = cache.NewStore(cfg.CacheDir, 0)
		if err != nil {
			logger.Warn("fingerprint cache disabled", "error", err)
			store = nil
		}
	}

	primary, err := ingest.LoadCached(ctx, primaryPath, store)
	if err != nil {
		return nil, err
	}
	secondary, err := ingest.LoadCached(ctx, secondaryPath, store)
	if err != nil {
		return nil, err
	}

	mc := match.NewContext(primary, secondary)
	driver := match.NewDriver(callSteps, flowSteps, logger)
	if err := driver.Run(ctx, mc); err != nil {
		return nil, fmt.Errorf("matching failed: %w", err)
	}
	return mc, nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func buildSteps(cfg *config.Config) ([]match.CallGraphStep, []match.FlowGraphStep, error) {
	callSteps, err := match.BuildCallGraphSteps(toSpecs(cfg.CallGraphSteps))
	if err != nil {
		return nil, nil, err
	}
	flowSteps, err := match.BuildFlowGraphSteps(toSpecs(cfg.FlowGraphSteps))
	if err != nil {
		return nil, nil, err
	}
	return callSteps, flowSteps, nil
}

func toSpecs(steps []config.StepConfig) []match.StepSpec {
	specs := make([]match.StepSpec, len(steps))
	for i, s := range steps {
		specs[i] = match.StepSpec{Key: s.Name, MinInstructions: s.MinInstructions}
	}
	return specs
}

func buildSummary(mc *match.Context) *diffSummary {
	similarity, confidence := match.OverallScores(mc)
	summary := &diffSummary{
		PrimaryExe:         mc.Primary.CallGraph.ExeName,
		SecondaryExe:       mc.Secondary.CallGraph.ExeName,
		Similarity:         similarity,
		Confidence:         confidence,
		PrimaryFunctions:   mc.Primary.CallGraph.VertexCount(),
		SecondaryFunctions: mc.Secondary.CallGraph.VertexCount(),
	}
	for _, fp := range mc.FixedPoints() {
		p := mc.Primary.CallGraph.Functions[fp.Primary]
		s := mc.Secondary.CallGraph.Functions[fp.Secondary]
		summary.Matches = append(summary.Matches, functionMatchSummary{
			PrimaryAddress:    uint64(p.Address),
			SecondaryAddress:  uint64(s.Address),
			PrimaryName:       p.Name,
			SecondaryName:     s.Name,
			Similarity:        fp.Similarity,
			Confidence:        fp.Confidence,
			Step:              fp.Step,
			BasicBlockMatches: fp.BasicBlockMatchCount(),
		})
	}
	return summary
}

func printSummary(summary *diffSummary) {
	fmt.Printf("%s vs %s\n", summary.PrimaryExe, summary.SecondaryExe)
	fmt.Printf("Similarity: %.3f  Confidence: %.3f\n", summary.Similarity, summary.Confidence)
	fmt.Printf("Matched %d of %d primary / %d secondary functions\n\n",
		len(summary.Matches), summary.PrimaryFunctions, summary.SecondaryFunctions)
	if len(summary.Matches) == 0 {
		return
	}
	fmt.Printf("%-18s %-18s %-6s %-6s %-4s %s\n", "PRIMARY", "SECONDARY", "SIM", "CONF", "BB", "STEP")
	for _, m := range summary.Matches {
		name := m.PrimaryName
		if name == "" {
			name = fmt.Sprintf("%#x", m.PrimaryAddress)
		}
		fmt.Printf("%-18s %-18s %.3f  %.3f  %-4d %s\n",
			name, fmt.Sprintf("%#x", m.SecondaryAddress),
			m.Similarity, m.Confidence, m.BasicBlockMatches, m.Step)
	}
}

func writeResults(path string, mc *match.Context) error {
	db, err := storage.Connect(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.WriteResults(mc)
}
