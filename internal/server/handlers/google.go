package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/dispatch"
	"github.com/zz80900/Antigravity2Api/internal/logging"
	"github.com/zz80900/Antigravity2Api/internal/server/sse"
	"github.com/zz80900/Antigravity2Api/internal/stats"
	"github.com/zz80900/Antigravity2Api/internal/translator"
	"github.com/zz80900/Antigravity2Api/internal/upstream"
)

// GoogleHandler serves the /v1beta/models surface.
type GoogleHandler struct {
	dispatcher *dispatch.Dispatcher
	stats      *stats.Recorder
}

// NewGoogleHandler creates a GoogleHandler.
func NewGoogleHandler(dispatcher *dispatch.Dispatcher, recorder *stats.Recorder) *GoogleHandler {
	return &GoogleHandler{dispatcher: dispatcher, stats: recorder}
}

func geminiModelEntry(id string) gin.H {
	return gin.H{
		"name":        "models/" + id,
		"displayName": id,
		"supportedGenerationMethods": []string{
			"generateContent",
			"streamGenerateContent",
			"countTokens",
		},
	}
}

// ListModels handles GET /v1beta/models.
func (h *GoogleHandler) ListModels(c *gin.Context) {
	models := make([]gin.H, 0, len(config.GeminiModels))
	for _, id := range config.GeminiModels {
		if !strings.Contains(id, "gemini") {
			continue
		}
		models = append(models, geminiModelEntry(id))
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// Model handles GET /v1beta/models/:name.
func (h *GoogleHandler) Model(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("action"), "models/")
	for _, id := range config.GeminiModels {
		if id == name && strings.Contains(id, "gemini") {
			c.JSON(http.StatusOK, geminiModelEntry(id))
			return
		}
	}
	writeError(c, http.StatusNotFound, "model not found: "+name)
}

// Generate handles POST /v1beta/models/:name:{method}. Gin sees the whole
// "name:method" tail as one parameter.
func (h *GoogleHandler) Generate(c *gin.Context) {
	model, method, ok := strings.Cut(c.Param("action"), ":")
	if !ok {
		writeError(c, http.StatusNotFound, "unknown action")
		return
	}
	switch method {
	case "generateContent", "streamGenerateContent", "countTokens":
	default:
		writeError(c, http.StatusNotFound, "unknown method: "+method)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !json.Valid(body) {
		writeError(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	raw := json.RawMessage(body)
	if method != "countTokens" {
		h.stats.Record(model)
	}

	clientStream := method == "streamGenerateContent"
	upstreamStream := clientStream ||
		(method == "generateContent" && config.IsProModel(model))
	upMethod := ":" + method
	var query url.Values
	if upstreamStream {
		upMethod = ":streamGenerateContent"
		query = url.Values{"alt": {"sse"}}
	}

	resp, err := h.dispatcher.Do(c.Request.Context(), &dispatch.Request{
		Method: upMethod,
		Model:  model,
		Group:  config.GroupGemini,
		Query:  query,
		BuildBody: func(projectID string) ([]byte, error) {
			return translator.GoogleBody(projectID, model, raw)
		},
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !resp.OK() {
		writeUpstream(c, resp)
		return
	}
	defer resp.Body.Close()

	switch {
	case clientStream:
		h.pipeStream(c, resp)

	case upstreamStream:
		merged, err := translator.AggregateSSE(resp.Body)
		if err != nil {
			writeError(c, http.StatusBadGateway, err.Error())
			return
		}
		c.Data(http.StatusOK, "application/json", merged)

	default:
		out, err := io.ReadAll(resp.Body)
		if err != nil {
			writeError(c, http.StatusBadGateway, err.Error())
			return
		}
		c.Data(http.StatusOK, "application/json", translator.Unwrap(out))
	}
}

// pipeStream forwards the upstream SSE stream, unwrapping each chunk.
func (h *GoogleHandler) pipeStream(c *gin.Context, resp *upstream.Response) {
	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	err = translator.ScanSSE(resp.Body, func(payload []byte) error {
		return writer.WriteData(translator.Unwrap(payload))
	})
	if err != nil {
		logging.Errorf("[API] google stream aborted: %v", err)
	}
}
