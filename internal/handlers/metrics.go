package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"lessonflow/internal/metrics"
)

const (
	defaultReportDays = 7
	maxReportDays     = 365
)

// MetricsHandler はメトリクスAPIのハンドラー
type MetricsHandler struct {
	reporter  metrics.Reporter
	collector *metrics.Collector
	now       func() time.Time
}

// NewMetricsHandler は新しいMetricsHandlerを作成
func NewMetricsHandler(reporter metrics.Reporter, collector *metrics.Collector, now func() time.Time) *MetricsHandler {
	if now == nil {
		now = time.Now
	}
	return &MetricsHandler{reporter: reporter, collector: collector, now: now}
}

// Report は失敗分析レポートを取得
// GET /api/metrics/report?days=N または ?from=RFC3339&to=RFC3339
func (h *MetricsHandler) Report(c echo.Context) error {
	w, err := h.window(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	report, err := h.reporter.Aggregate(c.Request().Context(), w)
	if err != nil {
		if errors.Is(err, metrics.ErrInvalidWindow) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, report)
}

func (h *MetricsHandler) window(c echo.Context) (metrics.Window, error) {
	from, to := c.QueryParam("from"), c.QueryParam("to")
	if from != "" || to != "" {
		if from == "" || to == "" {
			return metrics.Window{}, errors.New("from and to must be given together")
		}
		f, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return metrics.Window{}, errors.New("invalid from")
		}
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return metrics.Window{}, errors.New("invalid to")
		}
		return metrics.Window{From: f, To: t}, nil
	}

	days := defaultReportDays
	if d := c.QueryParam("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 || n > maxReportDays {
			return metrics.Window{}, errors.New("days must be between 1 and 365")
		}
		days = n
	}
	// 分単位に丸めてキャッシュを効かせる
	return metrics.LastDays(h.now().Truncate(time.Minute), days), nil
}

// Runtime はワーカーの実行時統計を取得
// GET /api/metrics/runtime
func (h *MetricsHandler) Runtime(c echo.Context) error {
	if h.collector == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "runtime metrics are not collected by this process"})
	}
	return c.JSON(http.StatusOK, h.collector.Snapshot())
}
