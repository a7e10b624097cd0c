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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"video-search/config"
	"video-search/constant"
	"video-search/handler"
	"video-search/pkg/rabbitmq"
)

func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(SetupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := NewApp(ctx, cfg, true)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("NewApp")
		return
	}
	defer app.Close()

	if err := app.Repo.AutoMigrate(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("AutoMigrate")
		return
	}

	serviceDeps := handler.ServiceDependencies{
		Orchestrator: app.Orchestrator,
	}

	ingestConsumer := rabbitmq.NewConsumer(app.Conn, cfg.Queue, cfg.Server.Workers, handler.IngestHandler)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		err := ingestConsumer.Consume(ctx, serviceDeps)
		if err != nil && !errors.Is(err, context.Canceled) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("Ingest consumer error")
		}
	}()

	r := gin.Default()
	r.Use(requestLogger(ctx))
	addHealth(r, app)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handler.NewHttpHandler(app.Orchestrator, app.Videos, app.Search).Register(r)

	srv := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Str("port", cfg.Server.HttpPort).Msg("start http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}
	<-consumerDone

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

// requestLogger makes the root logger reachable through zerolog.Ctx inside
// handlers.
func requestLogger(ctx context.Context) gin.HandlerFunc {
	logger := zerolog.Ctx(ctx)
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Next()
	}
}

func addHealth(r *gin.Engine, app *App) {
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		checks := gin.H{}
		healthy := true

		checks["database"] = "connected"
		if db, err := app.Repo.GetDB().DB(); err != nil {
			checks["database"] = fmt.Sprintf("error: %v", err)
			healthy = false
		} else if err := db.PingContext(ctx); err != nil {
			checks["database"] = fmt.Sprintf("error: %v", err)
			healthy = false
		}

		checks["storage"] = "connected"
		if err := app.Store.Ping(ctx); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			healthy = false
		}

		checks["rabbitmq"] = "connected"
		if app.Conn == nil || app.Conn.IsClosed() {
			checks["rabbitmq"] = "disconnected"
			healthy = false
		}

		if !healthy {
			checks["status"] = "DOWN"
			c.JSON(http.StatusServiceUnavailable, checks)
			return
		}
		checks["status"] = "ok"
		c.JSON(http.StatusOK, checks)
	})
}

func SetupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
