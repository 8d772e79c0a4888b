package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meshnode",
	Short: "meshnode - triple-queue event engine for a mesh of peer nodes",
	Long: `meshnode runs a single node of an event mesh: incoming events are
classified by a pluggable analyzer, promoted events await an external
reply, and outgoing events are batched and POSTed to their destination,
all driven by cooperative tick loops and a lifecycle state machine.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}
