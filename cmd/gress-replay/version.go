package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gress-replay %s (config %s, %s)\n",
			version, config.CurrentConfigVersion, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
