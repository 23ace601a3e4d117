// Package handlers implements the public route handlers.
package handlers

import (
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/dispatch"
	"github.com/zz80900/Antigravity2Api/internal/logging"
	"github.com/zz80900/Antigravity2Api/internal/server/sse"
	"github.com/zz80900/Antigravity2Api/internal/stats"
	"github.com/zz80900/Antigravity2Api/internal/translator"
	"github.com/zz80900/Antigravity2Api/internal/upstream"
	"github.com/zz80900/Antigravity2Api/pkg/anthropic"
)

// AnthropicHandler serves the /v1/messages surface.
type AnthropicHandler struct {
	dispatcher *dispatch.Dispatcher
	stats      *stats.Recorder
}

// NewAnthropicHandler creates an AnthropicHandler.
func NewAnthropicHandler(dispatcher *dispatch.Dispatcher, recorder *stats.Recorder) *AnthropicHandler {
	return &AnthropicHandler{dispatcher: dispatcher, stats: recorder}
}

// Messages handles POST /v1/messages.
func (h *AnthropicHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	conv, err := translator.ConvertAnthropicRequest(&req)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	h.stats.Record(conv.Model)

	// Pro variants only answer over SSE, so a non-streaming client still
	// streams upstream and gets the aggregate.
	upstreamStream := req.Stream || config.IsProModel(conv.Model)
	method := ":generateContent"
	var query url.Values
	if upstreamStream {
		method = ":streamGenerateContent"
		query = url.Values{"alt": {"sse"}}
	}

	resp, err := h.dispatcher.Do(c.Request.Context(), &dispatch.Request{
		Method:    method,
		Model:     conv.Model,
		Group:     config.GroupForModel(conv.Model),
		Query:     query,
		BuildBody: conv.BuildBody,
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
	case req.Stream:
		h.streamMessages(c, req.Model, resp)

	case upstreamStream:
		merged, err := translator.AggregateSSE(resp.Body)
		if err != nil {
			writeError(c, http.StatusBadGateway, err.Error())
			return
		}
		h.writeMessage(c, req.Model, merged)

	default:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			writeError(c, http.StatusBadGateway, err.Error())
			return
		}
		h.writeMessage(c, req.Model, body)
	}
}

func (h *AnthropicHandler) writeMessage(c *gin.Context, clientModel string, body []byte) {
	parsed, err := translator.ParseResponse(body)
	if err != nil {
		writeError(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, translator.BuildAnthropicResponse(clientModel, parsed))
}

func (h *AnthropicHandler) streamMessages(c *gin.Context, clientModel string, resp *upstream.Response) {
	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	stream := translator.NewAnthropicStream(writer, clientModel)
	if err := translator.ScanSSE(resp.Body, stream.FeedRaw); err != nil {
		// Headers are gone; all that is left is to stop.
		logging.Errorf("[API] stream aborted: %v", err)
		return
	}
	if err := stream.Finish(); err != nil {
		logging.Errorf("[API] stream finish: %v", err)
	}
}

// CountTokens handles POST /v1/messages/count_tokens.
func (h *AnthropicHandler) CountTokens(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	c.JSON(http.StatusOK, anthropic.CountTokensResponse{
		InputTokens: translator.EstimateInputTokens(&req),
	})
}
