package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"lessonflow/internal/models"
	"lessonflow/internal/storage"
)

// LessonHandler はレッスンAPIのハンドラー
type LessonHandler struct {
	lessons *storage.LessonRepository
	logs    *storage.ProcessingLogRepository
}

// NewLessonHandler は新しいLessonHandlerを作成
func NewLessonHandler(lessons *storage.LessonRepository, logs *storage.ProcessingLogRepository) *LessonHandler {
	return &LessonHandler{lessons: lessons, logs: logs}
}

// LessonResponse はレッスンと処理状態
type LessonResponse struct {
	Lesson        *models.Lesson           `json:"lesson"`
	ResponseData  map[string]any           `json:"response_data,omitempty"`
	ProcessingLog *models.ProcessingLog    `json:"processing_log"`
	Events        []models.ProcessingEvent `json:"events"`
}

// Get はレッスンの処理状態を取得
// GET /api/lessons/:id
func (h *LessonHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	lesson, err := h.lessons.GetByID(ctx, id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if lesson == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "lesson not found"})
	}

	log, err := h.logs.Get(ctx, id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	events, err := h.logs.ListEventsByLesson(ctx, id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if events == nil {
		events = []models.ProcessingEvent{}
	}
	data, _ := lesson.GetResponseData()

	return c.JSON(http.StatusOK, LessonResponse{
		Lesson:        lesson,
		ResponseData:  data,
		ProcessingLog: log,
		Events:        events,
	})
}
