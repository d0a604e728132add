package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"broadcast-relay/config"
	"broadcast-relay/constant"
	relayHandler "broadcast-relay/handler"
)

func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(SetupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	components, err := Bootstrap(ctx, cfg)
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("bootstrap failed")
	}
	m := components.Metrics
	sessions := components.Sessions

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Relay.JanitorSpec, func() { components.Janitor.Sweep(ctx) }); err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Str("spec", cfg.Relay.JanitorSpec).Msg("invalid janitor schedule")
	}
	sweeper.Start()
	defer sweeper.Stop()

	r := gin.Default()
	addHealth(r)
	r.GET("/metrics", gin.WrapH(m.Handler(func() {
		session, err := sessions.GetActiveSession(ctx)
		if err != nil {
			return
		}
		m.SetSessionActive(session != nil)
	})))

	h := &relayHandler.Handler{
		Sessions:      sessions,
		Auth:          components.Authorizer,
		SessionEvents: components.Subscriber,
		ChunkEvents:   components.Subscriber,
	}
	h.Register(r)

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

func addHealth(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
}

// SetupLogger builds the root context carrying the process logger.
func SetupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
