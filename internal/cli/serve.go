package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"lessonflow/internal/handlers"
	"lessonflow/internal/metrics"
	"lessonflow/internal/version"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(s *state) *cobra.Command {
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := s.app
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collector := metrics.NewCollector()
			e := newEcho(a.logger)
			handlers.Register(e, a.api(collector))

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				addr := fmt.Sprintf(":%s", a.cfg.Port)
				a.logger.Info("starting lessonflow", "version", version.Version, "addr", addr)
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				return e.Shutdown(shutdownCtx)
			})

			if !noWorkers {
				pool, err := a.pool(collector)
				if err != nil {
					stop()
					_ = g.Wait()
					return err
				}
				g.Go(func() error { return pool.Run(ctx) })
			}

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			a.logger.Info("stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without processing jobs")
	return cmd
}

func newWorkCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run the worker pool without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := s.app
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collector := metrics.NewCollector()
			pool, err := a.pool(collector)
			if err != nil {
				return err
			}

			if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			a.logger.Info("runtime stats", "stats", collector.Snapshot())
			return nil
		},
	}
}

func newEcho(logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(c.Request().Context(), level, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	return e
}
