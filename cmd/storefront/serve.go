package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/REFFIX-BR/acaiteria-sub000/config"
	"github.com/REFFIX-BR/acaiteria-sub000/internal/adminapi"
	"github.com/REFFIX-BR/acaiteria-sub000/internal/app"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func newMigrateCmd(configFile *string) *cobra.Command {
	var track bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configFile)
			if err != nil {
				return err
			}
			application := app.NewApplication(cfg)
			if err := application.InitDatabase(); err != nil {
				return err
			}
			defer application.Release()
			return application.MigrateDB(track)
		},
	}
	cmd.Flags().BoolVar(&track, "track", false, "log migration SQL")
	return cmd
}

func serve(cfg *config.AppConfig) error {
	application := app.NewApplication(cfg)
	if err := application.Init(); err != nil {
		return err
	}
	defer application.Release()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.L().Info("adminapi: request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	var svc adminapi.InstanceService
	if ws := application.WhatsApp(); ws != nil {
		svc = ws
	}
	adminapi.Init(e, svc, application)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(cfg.Web.Host, strconv.Itoa(cfg.Web.Port))
	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("adminapi: listening", zap.String("addr", addr))
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	zap.L().Info("adminapi: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Web.ShutdownTimeout)*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
