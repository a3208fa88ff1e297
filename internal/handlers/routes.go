// Package handlers exposes the lessonflow HTTP API with echo.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"lessonflow/internal/version"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// API bundles the handlers registered by Register.
type API struct {
	DB      Pinger
	Batches *BatchHandler
	Lessons *LessonHandler
	Jobs    *JobHandler
	Presets *PresetHandler
	Metrics *MetricsHandler
}

// Register adds every route to e.
func Register(e *echo.Echo, api API) {
	e.GET("/health", api.Health)

	g := e.Group("/api")

	g.POST("/batches", api.Batches.Create)
	g.POST("/batches/upload", api.Batches.Upload)
	g.GET("/batches", api.Batches.List)
	g.GET("/batches/:id", api.Batches.Get)
	g.POST("/batches/:id/cancel", api.Batches.Cancel)
	g.POST("/batches/:id/retry", api.Batches.Retry)
	g.DELETE("/batches/:id", api.Batches.Delete)

	g.GET("/lessons/:id", api.Lessons.Get)

	g.GET("/jobs/stats", api.Jobs.Stats)
	g.GET("/jobs/failed", api.Jobs.ListFailed)
	g.DELETE("/jobs/failed/:id", api.Jobs.DeleteFailed)

	g.GET("/presets", api.Presets.List)
	g.POST("/presets/resolve", api.Presets.Resolve)

	g.GET("/metrics/report", api.Metrics.Report)
	g.GET("/metrics/runtime", api.Metrics.Runtime)
}

// Health reports the service version and database reachability.
func (api API) Health(c echo.Context) error {
	status, code := "ok", http.StatusOK
	if api.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := api.DB.PingContext(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, map[string]string{
		"status":  status,
		"version": version.Version,
	})
}
