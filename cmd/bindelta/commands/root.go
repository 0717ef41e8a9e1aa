package commands

import (
	"github.com/spf13/cobra"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "bindelta",
	Short: "bindelta - structural diffing of binary call and flow graphs",
	Long: `bindelta matches functions and basic blocks between two binaries using
an ordered pipeline of structural matching heuristics over their exported
call graphs and flow graphs.

Commands:
  diff        Match two exported binaries and print the result
  export      Match two exported binaries and write a result database
  show        Show the matches stored in a result database
  info        Show statistics of one exported binary
  steps       List the configured matching steps in priority order
  init        Initialize bindelta configuration interactively

Use "bindelta [command] --help" for more information about a command.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return RootCmd.Execute()
}

func init() {
	RootCmd.AddCommand(diffCmd)
	RootCmd.AddCommand(exportCmd)
	RootCmd.AddCommand(showCmd)
	RootCmd.AddCommand(infoCmd)
	RootCmd.AddCommand(stepsCmd)
	RootCmd.AddCommand(initCmd)
}
