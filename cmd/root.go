package cmd

import (
	"github.com/spf13/cobra"

	"broadcast-relay/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{}
	rootCmd.AddCommand(server(config))
	rootCmd.AddCommand(broadcast(config))
	rootCmd.AddCommand(listen(config))
	return rootCmd
}
