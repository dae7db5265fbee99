// Command midirelay forwards MIDI from one input endpoint to one output
// endpoint, reconnecting when devices come and go.
//
//	# relay with the last remembered pair, API on 127.0.0.1:7400
//	midirelay run
//
//	# pick the pair explicitly
//	midirelay run --input "Keystation 49" --output "Synth"
//
//	# list endpoints
//	midirelay list
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set by build flags.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "midirelay",
		Short:         "Relay MIDI between two endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/midirelay/config.yaml)")
	rootCmd.AddCommand(runCmd, listCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "midirelay: %v\n", err)
		os.Exit(1)
	}
}
