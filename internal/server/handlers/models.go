package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/pkg/anthropic"
)

// modelsCreated is the catalog timestamp reported on /v1/models.
const modelsCreated int64 = 1761955200

// ModelsHandler serves the Anthropic-compatible model catalog.
type ModelsHandler struct{}

// NewModelsHandler creates a ModelsHandler.
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

// ListModels handles GET /v1/models.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	ids := make([]string, 0, len(config.ClaudeModelAliases))
	for id := range config.ClaudeModelAliases {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	models := make([]anthropic.Model, 0, len(ids))
	for _, id := range ids {
		models = append(models, anthropic.Model{
			ID:          id,
			Object:      "model",
			Created:     modelsCreated,
			OwnedBy:     "anthropic",
			DisplayName: id,
		})
	}
	c.JSON(http.StatusOK, anthropic.ModelsResponse{Object: "list", Data: models})
}
