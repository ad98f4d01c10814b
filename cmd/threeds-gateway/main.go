// Command threeds-gateway serves the goThreeDS action and notification
// endpoints over HTTP.
//
//	threeds-gateway serve --config threeds.yaml --listen :8080
//
// Without --redis-addr (or REDIS_ADDR) an in-process miniredis is started,
// which only suits a single instance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "threeds-gateway",
		Short:             "EMV 3-D Secure browser authentication gateway",
		Long:              `Serves the 3DS action endpoint and the out-of-band notification endpoint backed by a goThreeDS engine.`,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Version:           version,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Display the version of threeds-gateway",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "threeds-gateway version %s\n", version)
		},
	})
	rootCmd.AddCommand(newServeCmd())

	return rootCmd
}
