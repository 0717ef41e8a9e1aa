package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l3aro/bindelta/pkg/ingest"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <file.bde>",
	Short: "Show statistics of one exported binary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		return runInfo(args[0], jsonOutput)
	},
}

func init() {
	infoCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

type binaryInfo struct {
	ExeName      string `json:"exe_name"`
	Functions    int    `json:"functions"`
	WithBody     int    `json:"functions_with_body"`
	CallEdges    int    `json:"call_edges"`
	BasicBlocks  int    `json:"basic_blocks"`
	FlowEdges    int    `json:"flow_edges"`
	Instructions int    `json:"instructions"`
}

func runInfo(path string, jsonOutput bool) error {
	b, err := ingest.Load(context.Background(), path)
	if err != nil {
		return err
	}

	info := binaryInfo{
		ExeName:   b.CallGraph.ExeName,
		Functions: b.CallGraph.VertexCount(),
		CallEdges: len(b.CallGraph.Edges),
		WithBody:  len(b.FlowGraphs),
	}
	for _, fg := range b.FlowGraphs {
		info.BasicBlocks += fg.VertexCount()
		info.FlowEdges += len(fg.Edges)
		info.Instructions += fg.TotalInstructionCount()
	}

	if jsonOutput {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Binary: %s\n", info.ExeName)
	fmt.Printf("Functions: %d (%d with body)\n", info.Functions, info.WithBody)
	fmt.Printf("Call edges: %d\n", info.CallEdges)
	fmt.Printf("Basic blocks: %d\n", info.BasicBlocks)
	fmt.Printf("Flow edges: %d\n", info.FlowEdges)
	fmt.Printf("Instructions: %d\n", info.Instructions)
	return nil
}
