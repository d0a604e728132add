package cmd

import (
	"github.com/spf13/cobra"

	"broadcast-relay/config"
	server2 "broadcast-relay/server"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start the relay http server",
		Run: func(cmd *cobra.Command, args []string) {
			server2.RunHttp(config)
		},
	}
}
