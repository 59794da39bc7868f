package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate documentation for conduit",
	Long:  `Generate documentation for conduit`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
