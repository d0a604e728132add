package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"broadcast-relay/config"
	server2 "broadcast-relay/server"
	"broadcast-relay/service"
)

func listen(cfg *config.Config) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "receive the live broadcast and write its audio chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(server2.SetupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			components, err := server2.Bootstrap(ctx, cfg)
			if err != nil {
				return err
			}

			var player service.Player
			if outDir != "" {
				player = service.NewDirPlayer(outDir)
			} else {
				player = service.NewWriterPlayer(os.Stdout)
			}

			reconstructor := service.NewReconstructor(
				components.Subscriber,
				components.Subscriber,
				components.Sessions,
				player,
				service.NewLogTone(),
				service.ReconstructorConfig{
					GapTimeout:   cfg.Relay.GapTimeout,
					ReorderDepth: cfg.Relay.ReorderDepth,
					PollInterval: cfg.Relay.PollInterval,
				},
				components.Metrics,
			)

			err = reconstructor.Run(ctx, components.Sessions)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			zerolog.Ctx(ctx).Info().
				Int64("lost", reconstructor.Lost()).
				Int64("duplicates", reconstructor.Duplicates()).
				Msg("listener stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "", "directory for received chunks (defaults to stdout stream)")

	return cmd
}
