package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the resolved runtime configuration. It is built once at
// startup and injected read-only into every component.
type Config struct {
	Host         string
	Port         int
	APIKeys      []string
	ProxyEnabled bool
	ProxyURL     string
	Debug        bool

	RetryDelayMs      int64
	QuotaRefreshSecs  int
	AuthDir           string
	LogDir            string
	OAuthClientID     string
	OAuthClientSecret string
}

// fileConfig mirrors the optional ./config.json on disk. api_keys accepts
// either a comma-separated string or a JSON array.
type fileConfig struct {
	Host          string          `json:"host"`
	Port          int             `json:"port"`
	APIKeys       json.RawMessage `json:"api_keys"`
	ProxyEnabled  *bool           `json:"proxy_enabled"`
	ProxyURL      string          `json:"proxy_url"`
	Debug         *bool           `json:"debug"`
	RetryDelayMs  int64           `json:"retry_delay_ms"`
	QuotaRefreshS int             `json:"quota_refresh_s"`
	AuthDir       string          `json:"auth_dir"`
}

// Load reads ./config.json if present, then applies AG2API_* environment
// overrides on top.
func Load() (*Config, error) {
	cfg := &Config{
		Host:              "0.0.0.0",
		Port:              DefaultPort,
		RetryDelayMs:      DefaultRetryDelayMs,
		QuotaRefreshSecs:  DefaultQuotaRefreshSeconds,
		AuthDir:           DefaultAuthDir,
		LogDir:            DefaultLogDir,
		OAuthClientID:     OAuthClientID(),
		OAuthClientSecret: OAuthClientSecret(),
	}

	if data, err := os.ReadFile("config.json"); err == nil {
		var fc fileConfig
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config.json: %w", err)
		}
		if fc.Host != "" {
			cfg.Host = fc.Host
		}
		if fc.Port > 0 {
			cfg.Port = fc.Port
		}
		if len(fc.APIKeys) > 0 {
			keys, err := parseAPIKeys(string(fc.APIKeys))
			if err != nil {
				return nil, fmt.Errorf("parse config.json api_keys: %w", err)
			}
			cfg.APIKeys = keys
		}
		if fc.ProxyEnabled != nil {
			cfg.ProxyEnabled = *fc.ProxyEnabled
		}
		if fc.ProxyURL != "" {
			cfg.ProxyURL = fc.ProxyURL
		}
		if fc.Debug != nil {
			cfg.Debug = *fc.Debug
		}
		if fc.RetryDelayMs > 0 {
			cfg.RetryDelayMs = fc.RetryDelayMs
		}
		if fc.QuotaRefreshS > 0 {
			cfg.QuotaRefreshSecs = fc.QuotaRefreshS
		}
		if fc.AuthDir != "" {
			cfg.AuthDir = fc.AuthDir
		}
	}

	if v := os.Getenv("AG2API_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("AG2API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid AG2API_PORT %q", v)
		}
		cfg.Port = port
	}
	if v := os.Getenv("AG2API_API_KEYS"); v != "" {
		keys, err := parseAPIKeys(v)
		if err != nil {
			return nil, fmt.Errorf("parse AG2API_API_KEYS: %w", err)
		}
		cfg.APIKeys = keys
	}
	if v := os.Getenv("AG2API_PROXY_ENABLED"); v != "" {
		cfg.ProxyEnabled = isTruthy(v)
	}
	if v := os.Getenv("AG2API_PROXY_URL"); v != "" {
		cfg.ProxyURL = v
	}
	if v := os.Getenv("AG2API_DEBUG"); v != "" {
		cfg.Debug = isTruthy(v)
	}
	if v := os.Getenv("AG2API_RETRY_DELAY_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid AG2API_RETRY_DELAY_MS %q", v)
		}
		cfg.RetryDelayMs = ms
	}
	if v := os.Getenv("AG2API_QUOTA_REFRESH_S"); v != "" {
		s, err := strconv.Atoi(v)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid AG2API_QUOTA_REFRESH_S %q", v)
		}
		cfg.QuotaRefreshSecs = s
	}

	return cfg, nil
}

// AuthRequired reports whether inbound requests must carry an API key.
func (c *Config) AuthRequired() bool {
	return len(c.APIKeys) > 0
}

// KeyAllowed reports whether the presented key is one of the configured keys.
func (c *Config) KeyAllowed(key string) bool {
	for _, k := range c.APIKeys {
		if k == key {
			return true
		}
	}
	return false
}

// parseAPIKeys accepts a JSON array of strings or a comma-separated list.
func parseAPIKeys(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var keys []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return nil, err
		}
	} else {
		// Tolerate a bare JSON string value from config.json.
		raw = strings.Trim(raw, `"`)
		keys = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out, nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
