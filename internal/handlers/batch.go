package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"lessonflow/internal/batch"
	"lessonflow/internal/ingestion"
	"lessonflow/internal/models"
	"lessonflow/internal/preset"
)

// BatchHandler はバッチAPIのハンドラー
type BatchHandler struct {
	coord   *batch.Coordinator
	dataDir string
}

// NewBatchHandler は新しいBatchHandlerを作成
func NewBatchHandler(coord *batch.Coordinator, dataDir string) *BatchHandler {
	return &BatchHandler{coord: coord, dataDir: dataDir}
}

// CreateBatchRequest はバッチ作成リクエスト
// Units が空で Directory が指定されている場合はディレクトリ内のメディアを取り込む
type CreateBatchRequest struct {
	batch.CreateParams
	Directory string `json:"directory,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
	Course    string `json:"course,omitempty"`
}

// Create はバッチを作成
// POST /api/batches
func (h *BatchHandler) Create(c echo.Context) error {
	var req CreateBatchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if len(req.Units) == 0 && req.Directory != "" {
		units, err := ingestion.Scan(req.Directory, ingestion.ScanOptions{Recursive: req.Recursive, Course: req.Course})
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		req.Units = units
	}

	return h.create(c, req.CreateParams)
}

// Upload は multipart でアップロードされたメディアからバッチを作成
// POST /api/batches/upload
func (h *BatchHandler) Upload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to parse form"})
	}

	files := form.File["files"]
	if len(files) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no files uploaded"})
	}

	var media []ingestion.File
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to open file"})
		}
		defer f.Close()
		media = append(media, ingestion.File{Filename: fh.Filename, Reader: f})
	}

	opts := ingestion.ScanOptions{Course: c.FormValue("course"), Speaker: c.FormValue("speaker")}
	if kw := c.FormValue("keywords"); kw != "" {
		for _, k := range strings.Split(kw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				opts.Keywords = append(opts.Keywords, k)
			}
		}
	}
	units, err := ingestion.Save(h.dataDir, media, opts)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	p := batch.CreateParams{
		Name:     c.FormValue("name"),
		Units:    units,
		Urgency:  models.Urgency(c.FormValue("urgency")),
		FailFast: c.FormValue("fail_fast") == "true",
	}
	if v := c.FormValue("concurrency_cap"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid concurrency_cap"})
		}
		p.ConcurrencyCap = n
	}
	return h.create(c, p)
}

func (h *BatchHandler) create(c echo.Context, p batch.CreateParams) error {
	ctx := c.Request().Context()
	id, err := h.coord.CreateBatch(ctx, p)
	if err != nil {
		return batchError(c, err)
	}
	summary, err := h.coord.Status(ctx, id)
	if err != nil {
		return batchError(c, err)
	}
	return c.JSON(http.StatusCreated, summary)
}

// List はバッチ一覧を取得
// GET /api/batches
func (h *BatchHandler) List(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	summaries, err := h.coord.List(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, summaries)
}

// Get はバッチの集計状態を取得
// GET /api/batches/:id
func (h *BatchHandler) Get(c echo.Context) error {
	summary, err := h.coord.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return batchError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// Cancel はバッチをキャンセル
// POST /api/batches/:id/cancel
func (h *BatchHandler) Cancel(c echo.Context) error {
	cancelled, err := h.coord.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return batchError(c, err)
	}
	if cancelled == nil {
		cancelled = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"cancelled": cancelled})
}

// Retry は失敗したユニットを再投入
// POST /api/batches/:id/retry
func (h *BatchHandler) Retry(c echo.Context) error {
	retried, err := h.coord.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return batchError(c, err)
	}
	if retried == nil {
		retried = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"retried": retried})
}

// Delete はバッチを削除
// DELETE /api/batches/:id
func (h *BatchHandler) Delete(c echo.Context) error {
	if err := h.coord.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return batchError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func batchError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, batch.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, batch.ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, batch.ErrNoUnits), errors.Is(err, batch.ErrInvalidRequest), isPresetError(err):
		status = http.StatusBadRequest
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func isPresetError(err error) bool {
	for _, target := range []error{
		preset.ErrNotFound,
		preset.ErrUnknownOverride,
		preset.ErrInvalidValue,
		preset.ErrMissingField,
		preset.ErrUnknownStage,
		preset.ErrInvalidPreset,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
