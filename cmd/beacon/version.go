package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tokmz/beacon"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "beacon %s (%s %s/%s)\n", beacon.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
