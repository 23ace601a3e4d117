package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zz80900/Antigravity2Api/internal/auth"
	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/dispatch"
	"github.com/zz80900/Antigravity2Api/internal/quota"
	"github.com/zz80900/Antigravity2Api/internal/server/handlers"
	"github.com/zz80900/Antigravity2Api/internal/stats"
)

// New assembles the gin engine with all public routes.
func New(cfg *config.Config, manager *auth.Manager, tracker *quota.Tracker, dispatcher *dispatch.Dispatcher) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLoggingMiddleware())
	engine.Use(CORSMiddleware())
	engine.Use(APIKeyMiddleware(cfg))

	recorder := stats.NewRecorder()
	anthropicHandler := handlers.NewAnthropicHandler(dispatcher, recorder)
	googleHandler := handlers.NewGoogleHandler(dispatcher, recorder)
	modelsHandler := handlers.NewModelsHandler()
	healthHandler := handlers.NewHealthHandler(manager.Store(), tracker)

	engine.GET("/health", healthHandler.Health)
	engine.GET("/stats/history", recorder.HistoryHandler)

	engine.POST("/v1/messages", anthropicHandler.Messages)
	engine.POST("/v1/messages/count_tokens", anthropicHandler.CountTokens)
	engine.GET("/v1/models", modelsHandler.ListModels)

	engine.GET("/v1beta/models", googleHandler.ListModels)
	engine.GET("/v1beta/models/:action", googleHandler.Model)
	engine.POST("/v1beta/models/:action", googleHandler.Generate)

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "Not found"}})
	})
	return engine
}
