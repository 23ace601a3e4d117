package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zz80900/Antigravity2Api/internal/auth"
	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/quota"
)

// HealthHandler reports pool liveness and quota state.
type HealthHandler struct {
	store   *auth.Store
	tracker *quota.Tracker
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(store *auth.Store, tracker *quota.Tracker) *HealthHandler {
	return &HealthHandler{store: store, tracker: tracker}
}

// trackedModels is the set of upstream ids worth reporting.
func trackedModels() []string {
	seen := map[string]bool{}
	var out []string
	for _, mapped := range config.ClaudeModelAliases {
		if !seen[mapped] {
			seen[mapped] = true
			out = append(out, mapped)
		}
	}
	for _, id := range config.GeminiModels {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	now := time.Now().UnixMilli()
	accounts := h.store.Accounts()

	details := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		models := gin.H{}
		cooled := false
		for _, model := range trackedModels() {
			snap, ok := h.tracker.Snapshots(model)[a.Key]
			if !ok {
				continue
			}
			entry := gin.H{"remainingPercent": snap.RemainingPercent}
			if snap.ResetTimeMs > 0 {
				entry["resetTime"] = time.UnixMilli(snap.ResetTimeMs).Format(time.RFC3339)
			}
			if snap.CooldownUntilMs > now {
				entry["cooldownRemainingMs"] = snap.CooldownUntilMs - now
				cooled = true
			}
			models[model] = entry
		}
		status := "ok"
		if cooled {
			status = "rate-limited"
		}
		details = append(details, gin.H{
			"account": a.Label(),
			"status":  status,
			"models":  models,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"counts":    gin.H{"total": len(accounts)},
		"accounts":  details,
	})
}
