package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"broadcast-relay/config"
	"broadcast-relay/pkg/wav"
	server2 "broadcast-relay/server"
	"broadcast-relay/service"
)

func broadcast(cfg *config.Config) *cobra.Command {
	var (
		broadcasterID string
		displayName   string
		input         string
	)

	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "start a live broadcast from a raw PCM source (file or stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(server2.SetupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			components, err := server2.Bootstrap(ctx, cfg)
			if err != nil {
				return err
			}

			var reader io.Reader = os.Stdin
			if input != "" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				reader = f
			}

			session, err := components.Sessions.Start(ctx, broadcasterID, displayName)
			if err != nil {
				if errors.Is(err, service.ErrAlreadyBroadcasting) {
					return fmt.Errorf("cannot start: %w, please wait for the current broadcast to end", err)
				}
				return err
			}
			zerolog.Ctx(ctx).Info().Str("session_id", session.ID.String()).Msg("broadcasting")

			format := wav.Format{
				SampleRate:    cfg.Relay.SampleRate,
				Channels:      cfg.Relay.Channels,
				BitsPerSample: cfg.Relay.BitsPerSample,
			}
			source := service.NewReaderSource(reader, format, cfg.Relay.CaptureInterval)
			pipeline := service.NewIngestPipeline(
				components.Sessions,
				components.Subscriber,
				source,
				service.NewWavEncoder(format),
				service.IngestConfig{
					CaptureInterval: cfg.Relay.CaptureInterval,
					QueueDepth:      cfg.Relay.QueueDepth,
					AppendRetries:   cfg.Relay.AppendRetries,
				},
				components.Metrics,
			)

			runErr := pipeline.Run(ctx, session.ID, broadcasterID)

			// The run context may already be cancelled; stop with a fresh
			// one so the slot is released on ctrl-c too.
			stopCtx, stopCancel := context.WithTimeout(zerolog.Ctx(ctx).WithContext(context.Background()), 5*time.Second)
			defer stopCancel()
			if err := components.Sessions.Stop(stopCtx, session.ID); err != nil && !errors.Is(err, service.ErrNotActiveOrUnknown) {
				zerolog.Ctx(ctx).Error().Err(err).Msg("failed to stop session")
			}

			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			zerolog.Ctx(ctx).Info().
				Int64("appended", pipeline.Appended()).
				Int64("dropped", pipeline.Dropped()).
				Msg("broadcast finished")
			return nil
		},
	}

	cmd.Flags().StringVar(&broadcasterID, "broadcaster", "", "broadcaster id (required)")
	cmd.Flags().StringVar(&displayName, "name", "", "display name shown to receivers (required)")
	cmd.Flags().StringVar(&input, "input", "", "raw PCM input file (defaults to stdin)")
	_ = cmd.MarkFlagRequired("broadcaster")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}
