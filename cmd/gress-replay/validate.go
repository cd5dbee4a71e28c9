package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	Long:  "Load the configuration file, apply environment overrides and report every validation error",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid (version %s, sink %s, archive %s)\n",
			cfg.Version, sinkLabel(cfg.Replay.NoSink, cfg.Sink.Type), cfg.Archive.Bucket)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func sinkLabel(noSink bool, sinkType string) string {
	if noSink {
		return "none (dry run)"
	}
	return sinkType
}
