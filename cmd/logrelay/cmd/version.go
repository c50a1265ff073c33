package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// set with -ldflags "-X github.com/practable/logrelay/cmd/logrelay/cmd.version=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func versionString() string {
	return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("logrelay " + versionString())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
