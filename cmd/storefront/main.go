package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "storefront",
		Short:         "Storefront messaging integration",
		Long:          "Admin API and operator tools for the storefront's WhatsApp instances",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/storefront.yml", "config file")

	root.AddCommand(newServeCmd(&configFile))
	root.AddCommand(newMigrateCmd(&configFile))
	root.AddCommand(newProviderCmd(&configFile))
	return root
}

// execute runs root and returns the process exit code. Errors go to the
// command's error stream since the global logger may not be set up yet.
func execute(root *cobra.Command) int {
	if err := root.Execute(); err != nil {
		root.PrintErrln("Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
