// Package config provides configuration constants and runtime configuration
// loading for the proxy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Version information
const Version = "1.0.0"

// V1InternalEndpoint is the private Cloud Code API endpoint all generation,
// model-listing and onboarding calls go through.
const V1InternalEndpoint = "https://daily-cloudcode-pa.sandbox.googleapis.com"

// OAuth endpoints.
const (
	OAuthTokenURL    = "https://oauth2.googleapis.com/token"
	OAuthUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// Built-in OAuth client, overridable through GOOGLE_OAUTH_CLIENT_ID and
// GOOGLE_OAUTH_CLIENT_SECRET.
const (
	DefaultOAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	DefaultOAuthClientSecret = "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"
)

// OAuthClientID returns the effective OAuth client id.
func OAuthClientID() string {
	if v := os.Getenv("GOOGLE_OAUTH_CLIENT_ID"); v != "" {
		return v
	}
	return DefaultOAuthClientID
}

// OAuthClientSecret returns the effective OAuth client secret.
func OAuthClientSecret() string {
	if v := os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET"); v != "" {
		return v
	}
	return DefaultOAuthClientSecret
}

// Timing constants
const (
	// V1InternalMinGapMs is the minimum interval between consecutive calls
	// to the private upstream.
	V1InternalMinGapMs = 500
	// TokenExpirySafetyMs is subtracted from the OAuth token lifetime when
	// computing the stored expiry deadline.
	TokenExpirySafetyMs = 60 * 1000
	// RefreshAheadMs is how long before expiry the proactive refresh fires.
	RefreshAheadMs = 10 * 60 * 1000
	// RefreshRetryMs is the re-arm delay after a failed proactive refresh.
	RefreshRetryMs = 60 * 1000
	// DefaultRetryDelayMs is the fixed delay between dispatch attempts.
	DefaultRetryDelayMs = 1200
	// DefaultQuotaRefreshSeconds is the quota snapshot refresh period.
	DefaultQuotaRefreshSeconds = 300
	// CooldownWaitThresholdMs bounds how long the dispatcher sleeps waiting
	// for the nearest account cooldown to end.
	CooldownWaitThresholdMs = 5000
	// StartupWaitMs bounds how long request handling waits for the initial
	// quota refresh after boot.
	StartupWaitMs = 3000
	// ShortRetryHintMs is the cutoff below which a 429 retry hint is worth
	// sleeping through instead of rotating immediately.
	ShortRetryHintMs = 5000
	// DefaultPort is the default server port.
	DefaultPort = 8080
)

// Generation limits
const (
	// MaxOutputTokens is forced on every upstream generation request.
	MaxOutputTokens = 64000
	// FlashThinkingBudgetCap caps thinkingBudget on the flash model.
	FlashThinkingBudgetCap = 24576
)

// Filesystem defaults (relative to the working directory).
const (
	DefaultAuthDir = "auths"
	DefaultLogDir  = "log"
)

// UserAgent returns the platform-specific user-agent presented upstream.
func UserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// ApiClientHeader is the X-Goog-Api-Client value the upstream expects.
const ApiClientHeader = "google-cloud-sdk vscode_cloudshelleditor/0.1"

// IDE type, platform and plugin enums carried in Client-Metadata.
const (
	ideTypeAntigravity = 6
	pluginTypeGemini   = 2

	platformUnspecified = 0
	platformWindows     = 1
	platformLinux       = 2
	platformMacOS       = 3
)

func platformEnum() int {
	switch runtime.GOOS {
	case "windows":
		return platformWindows
	case "linux":
		return platformLinux
	case "darwin":
		return platformMacOS
	default:
		return platformUnspecified
	}
}

// ClientMetadata returns the Client-Metadata header value. Enum values are
// numeric, as the upstream requires.
func ClientMetadata() string {
	metadata := map[string]int{
		"ideType":    ideTypeAntigravity,
		"platform":   platformEnum(),
		"pluginType": pluginTypeGemini,
	}
	data, _ := json.Marshal(metadata)
	return string(data)
}

// ClaudeModelAliases maps client-facing Anthropic model ids to upstream ids.
var ClaudeModelAliases = map[string]string{
	"claude-sonnet-4-5":          "claude-sonnet-4-5",
	"claude-sonnet-4-5-20250929": "claude-sonnet-4-5",
	"claude-sonnet-4-5-thinking": "claude-sonnet-4-5-thinking",
	"claude-opus-4-5":            "claude-opus-4-5-thinking",
	"claude-opus-4-5-20251101":   "claude-opus-4-5-thinking",
	"claude-opus-4-5-thinking":   "claude-opus-4-5-thinking",
	"claude-haiku-4-5":           "claude-sonnet-4-5",
	"claude-haiku-4-5-20251001":  "claude-sonnet-4-5",
	"claude-3-5-haiku-20241022":  "claude-sonnet-4-5",
}

// DefaultClaudeModel is used for Anthropic model ids with no alias entry.
const DefaultClaudeModel = "claude-sonnet-4-5"

// WebSearchModel is forced when a request declares a web_search tool.
const WebSearchModel = "gemini-3-flash"

// GeminiModels are the Gemini-family ids advertised on the Google surface.
var GeminiModels = []string{
	"gemini-3-pro-high",
	"gemini-3-pro-low",
	"gemini-3-flash",
	"gemini-2.5-flash",
}

// MapClaudeModel resolves a client model id to the upstream id.
func MapClaudeModel(model string) string {
	if mapped, ok := ClaudeModelAliases[model]; ok {
		return mapped
	}
	return DefaultClaudeModel
}

// Group identifies a rotation cohort of accounts serving one model family.
type Group string

const (
	GroupClaude Group = "claude"
	GroupGemini Group = "gemini"
)

// GroupForModel routes a model id to its account group by substring.
func GroupForModel(model string) Group {
	if strings.Contains(strings.ToLower(model), "gemini") {
		return GroupGemini
	}
	return GroupClaude
}

// IsProModel reports whether the upstream id names a pro variant. Pro
// variants only answer over SSE, so non-streaming callers get an
// aggregated stream.
func IsProModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "-pro")
}

// IsThinkingModel reports whether the model emits thought parts.
func IsThinkingModel(model string) bool {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "thinking") {
		return true
	}
	return strings.Contains(lower, "gemini-3")
}
