package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l3aro/bindelta/internal/storage"
)

// showCmd represents the show command
var showCmd = &cobra.Command{
	Use:   "show <results.sqlite>",
	Short: "Show the matches stored in a result database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		filter, _ := cmd.Flags().GetString("filter")
		minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")
		return runShow(args[0], filter, minConfidence, jsonOutput)
	},
}

func init() {
	showCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	showCmd.Flags().StringP("filter", "f", "", "Only show matches whose function name contains this substring")
	showCmd.Flags().Float64P("min-confidence", "c", 0, "Only show matches at or above this confidence")
}

type storedDiff struct {
	PrimaryExe   string                  `json:"primary_exe"`
	SecondaryExe string                  `json:"secondary_exe"`
	Created      string                  `json:"created"`
	Similarity   float64                 `json:"similarity"`
	Confidence   float64                 `json:"confidence"`
	Matches      []storage.FunctionMatch `json:"matches"`
}

func runShow(path, filter string, minConfidence float64, jsonOutput bool) error {
	db, err := storage.Connect(path)
	if err != nil {
		return err
	}
	defer db.Close()

	meta, err := db.ReadMetadata()
	if err != nil {
		return err
	}
	matches, err := db.ReadFunctionMatches(filter, minConfidence)
	if err != nil {
		return err
	}

	diff := storedDiff{
		PrimaryExe:   meta.PrimaryExe,
		SecondaryExe: meta.SecondaryExe,
		Created:      meta.Created,
		Similarity:   meta.Similarity,
		Confidence:   meta.Confidence,
		Matches:      matches,
	}

	if jsonOutput {
		data, err := json.MarshalIndent(diff, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("%s vs %s (%s)\n", diff.PrimaryExe, diff.SecondaryExe, diff.Created)
	fmt.Printf("Similarity: %.3f  Confidence: %.3f\n", diff.Similarity, diff.Confidence)
	fmt.Printf("Matches: %d\n\n", len(diff.Matches))
	if len(diff.Matches) == 0 {
		return nil
	}
	fmt.Printf("%-30s %-30s %-6s %-6s %-4s %s\n", "PRIMARY", "SECONDARY", "SIM", "CONF", "BB", "STEP")
	for _, m := range diff.Matches {
		fmt.Printf("%-30s %-30s %.3f  %.3f  %-4d %s\n",
			matchLabel(m.PrimaryName, m.PrimaryAddress),
			matchLabel(m.SecondaryName, m.SecondaryAddress),
			m.Similarity, m.Confidence, m.BasicBlockMatches, m.Step)
	}
	return nil
}

func matchLabel(name string, address uint64) string {
	if name == "" {
		return fmt.Sprintf("%#x", address)
	}
	return name
}
