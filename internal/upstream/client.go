// Package upstream implements the HTTP client for the private Cloud Code
// v1internal API and the Google OAuth endpoints.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/logging"
)

// Response is the outcome of an upstream call that produced an HTTP status.
// Non-2xx responses are values, not errors: the dispatcher decides whether to
// rotate, retry or pass them through verbatim.
type Response struct {
	StatusCode int
	Header     http.Header

	// Body is the live (gzip-decoded) stream for 2xx responses. The caller
	// owns it and must close it.
	Body io.ReadCloser

	// BodyBytes holds the fully-read body for non-2xx responses.
	BodyBytes []byte
}

// OK reports whether the response carries a success status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client talks to the v1internal endpoint and the OAuth token/userinfo
// endpoints. Base URLs are fields so tests can point it at a fake server.
type Client struct {
	BaseURL     string
	TokenURL    string
	UserInfoURL string

	http *http.Client
	cfg  *config.Config
}

// NewClient builds a client from the runtime configuration. When the proxy
// is enabled, all outbound traffic goes through it.
func NewClient(cfg *config.Config) *Client {
	transport := &http.Transport{
		// Decompression is handled explicitly so streamed bodies keep
		// their framing.
		DisableCompression: true,
	}
	if cfg.ProxyEnabled && cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
			logging.Infof("[Upstream] outbound proxy enabled: %s", proxyURL.Redacted())
		} else {
			logging.Warnf("[Upstream] invalid proxy url %q, proxy disabled: %v", cfg.ProxyURL, err)
		}
	}
	return &Client{
		BaseURL:     config.V1InternalEndpoint,
		TokenURL:    config.OAuthTokenURL,
		UserInfoURL: config.OAuthUserInfoURL,
		http:        &http.Client{Transport: transport},
		cfg:         cfg,
	}
}

// CallV1Internal POSTs a v1internal method (e.g. ":streamGenerateContent")
// with the standard client headers. It returns an error only for transport
// failures; every HTTP status comes back as a *Response.
func (c *Client) CallV1Internal(ctx context.Context, accessToken, method string, query url.Values, body []byte) (*Response, error) {
	endpoint := c.BaseURL + "/v1internal" + method
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build v1internal request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", config.UserAgent())
	req.Header.Set("X-Goog-Api-Client", config.ApiClientHeader)
	req.Header.Set("Client-Metadata", config.ClientMetadata())
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("v1internal %s: %w", method, err)
	}

	reader, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("v1internal %s: %w", method, err)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header}
	if out.OK() {
		out.Body = reader
		return out, nil
	}

	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("v1internal %s: read error body: %w", method, err)
	}
	out.BodyBytes = data
	logging.Debugf("[Upstream] %s -> %d (%d bytes)", method, out.StatusCode, len(data))
	return out, nil
}

// decodeBody returns a reader over the decompressed response body.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	if !strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") {
		return resp.Body, nil
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	return &gzipReadCloser{gz: gz, raw: resp.Body}, nil
}

type gzipReadCloser struct {
	gz  *gzip.Reader
	raw io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	g.gz.Close()
	return g.raw.Close()
}

// LoadCodeAssist calls :loadCodeAssist and returns the raw response body.
// The caller probes it for cloudaicompanionProject / paidTier.
func (c *Client) LoadCodeAssist(ctx context.Context, accessToken string) ([]byte, error) {
	body, _ := json.Marshal(map[string]any{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})
	resp, err := c.CallV1Internal(ctx, accessToken, ":loadCodeAssist", nil, body)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("loadCodeAssist: status %d: %s", resp.StatusCode, snippet(resp.BodyBytes))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("loadCodeAssist: read body: %w", err)
	}
	return data, nil
}

// FetchAvailableModels calls :fetchAvailableModels for one account and
// returns the raw response body for quota parsing.
func (c *Client) FetchAvailableModels(ctx context.Context, accessToken, projectID string) ([]byte, error) {
	payload := map[string]string{}
	if projectID != "" {
		payload["project"] = projectID
	}
	body, _ := json.Marshal(payload)
	resp, err := c.CallV1Internal(ctx, accessToken, ":fetchAvailableModels", nil, body)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("fetchAvailableModels: status %d: %s", resp.StatusCode, snippet(resp.BodyBytes))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetchAvailableModels: read body: %w", err)
	}
	return data, nil
}

// TokenResponse is the OAuth token endpoint reply.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExpiryMs converts expires_in into an absolute deadline with the safety
// margin already applied.
func (t *TokenResponse) ExpiryMs(now time.Time) int64 {
	return now.UnixMilli() + t.ExpiresIn*1000 - config.TokenExpirySafetyMs
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":     {c.cfg.OAuthClientID},
		"client_secret": {c.cfg.OAuthClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("token refresh: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token refresh: status %d: %s", resp.StatusCode, snippet(data))
	}

	var token TokenResponse
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("token refresh: parse response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token refresh: empty access_token")
	}
	return &token, nil
}

// UserInfo returns the account e-mail for an access token.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("userinfo: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("userinfo: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo: status %d: %s", resp.StatusCode, snippet(data))
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return "", fmt.Errorf("userinfo: parse response: %w", err)
	}
	return info.Email, nil
}

func snippet(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
