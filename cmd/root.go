package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/conduit/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Serve and reach a filesystem over a framed session protocol",
	Long: `conduit serves a filesystem to remote peers over TCP or stdio, and
talks to such peers from the command line.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(RemoteCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the command line and exits non zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
