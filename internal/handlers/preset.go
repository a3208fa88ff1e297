package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"lessonflow/internal/models"
	"lessonflow/internal/preset"
)

// PresetHandler はプリセットAPIのハンドラー
type PresetHandler struct {
	resolver *preset.Resolver
}

// NewPresetHandler は新しいPresetHandlerを作成
func NewPresetHandler(resolver *preset.Resolver) *PresetHandler {
	return &PresetHandler{resolver: resolver}
}

// List はプリセット一覧とステージごとの既定値を取得
// GET /api/presets
func (h *PresetHandler) List(c echo.Context) error {
	defaults := make(map[models.Stage]string, len(models.Stages))
	for _, st := range models.Stages {
		defaults[st] = h.resolver.DefaultPreset(st)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"presets":  h.resolver.Store().List(),
		"defaults": defaults,
	})
}

// ResolveRequest はプリセット解決リクエスト
type ResolveRequest struct {
	Stage     models.Stage   `json:"stage"`
	Preset    string         `json:"preset,omitempty"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

// Resolve はプリセットとオーバーライドから実効設定を返す
// POST /api/presets/resolve
func (h *PresetHandler) Resolve(c echo.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	cfg, err := h.resolver.Resolve(req.Stage, req.Preset, req.Overrides)
	if err != nil {
		status := http.StatusInternalServerError
		if isPresetError(err) {
			status = http.StatusBadRequest
		}
		return c.JSON(status, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, cfg)
}
