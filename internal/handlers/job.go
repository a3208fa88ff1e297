package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"lessonflow/internal/failure"
	"lessonflow/internal/models"
	"lessonflow/internal/storage"
)

// JobHandler はキューAPIのハンドラー
type JobHandler struct {
	repo       *storage.JobRepository
	classifier *failure.Classifier
}

// NewJobHandler は新しいJobHandlerを作成
func NewJobHandler(repo *storage.JobRepository, classifier *failure.Classifier) *JobHandler {
	if classifier == nil {
		classifier = failure.NewClassifier(nil)
	}
	return &JobHandler{repo: repo, classifier: classifier}
}

// Stats はキューごとのジョブ統計を取得
// GET /api/jobs/stats
func (h *JobHandler) Stats(c echo.Context) error {
	stats, err := h.repo.CountByQueue(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if stats == nil {
		stats = []storage.QueueStats{}
	}
	return c.JSON(http.StatusOK, stats)
}

// FailedJob はデッドレターに分類結果を付けたもの
type FailedJob struct {
	models.FailedJob
	Classification failure.Classification `json:"classification"`
}

// ListFailed はデッドレター一覧を取得
// GET /api/jobs/failed
func (h *JobHandler) ListFailed(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	failed, err := h.repo.ListFailed(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	out := make([]FailedJob, len(failed))
	for i, f := range failed {
		out[i] = FailedJob{FailedJob: f, Classification: h.classifier.Classify(f.Error)}
	}
	return c.JSON(http.StatusOK, out)
}

// DeleteFailed はデッドレターを削除
// DELETE /api/jobs/failed/:id
func (h *JobHandler) DeleteFailed(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
	}

	if err := h.repo.DeleteFailed(c.Request().Context(), id); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}
