package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zz80900/Antigravity2Api/internal/upstream"
)

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": gin.H{"message": message}})
}

// writeUpstream passes a non-2xx upstream reply through verbatim: same
// status, same headers and body. Content-Encoding and Content-Length are
// dropped because the body was already decoded and re-measured.
func writeUpstream(c *gin.Context, resp *upstream.Response) {
	header := c.Writer.Header()
	for name, values := range resp.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Encoding", "Content-Length":
			continue
		}
		header[name] = values
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, resp.BodyBytes)
}
