package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/zz80900/Antigravity2Api/internal/auth"
	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/dispatch"
	"github.com/zz80900/Antigravity2Api/internal/quota"
	"github.com/zz80900/Antigravity2Api/internal/ratelimit"
	"github.com/zz80900/Antigravity2Api/internal/upstream"
)

const happyReply = `{"response":{"candidates":[{"content":{"parts":[{"text":"hello"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"totalTokenCount":5}}}`

// fakeUpstream answers quota probes and delegates generate calls.
type fakeUpstream struct {
	generate http.HandlerFunc
	lastBody []byte
	lastPath string
	lastURL  string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "fetchAvailableModels") {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"models":{}}`)
		return
	}
	f.lastBody, _ = io.ReadAll(r.Body)
	f.lastPath = r.URL.Path
	f.lastURL = r.URL.String()
	f.generate(w, r)
}

func newTestServer(t *testing.T, fake *fakeUpstream, apiKeys []string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	cfg := &config.Config{
		RetryDelayMs:     10,
		QuotaRefreshSecs: 300,
		APIKeys:          apiKeys,
		AuthDir:          t.TempDir(),
	}
	store := auth.NewStore(cfg.AuthDir)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Add(auth.Credentials{
		AccessToken:  "test-token",
		RefreshToken: "refresh",
		ExpiryMs:     time.Now().Add(time.Hour).UnixMilli(),
		TokenType:    "Bearer",
		Email:        "pool@example.com",
		ProjectID:    "proj",
	}); err != nil {
		t.Fatal(err)
	}

	client := upstream.NewClient(cfg)
	client.BaseURL = ts.URL
	client.TokenURL = ts.URL + "/token"

	manager := auth.NewManager(store, client)
	t.Cleanup(manager.Close)

	tracker := quota.NewTracker(manager, client, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tracker.Run(ctx)
	tracker.AwaitReady(3 * time.Second)

	dispatcher := dispatch.New(cfg, manager, tracker, ratelimit.NewGate(0), client)
	return New(cfg, manager, tracker, dispatcher)
}

func jsonUpstream(body string) *fakeUpstream {
	return &fakeUpstream{generate: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}}
}

func doRequest(engine *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestMessagesHappyPath(t *testing.T) {
	fake := jsonUpstream(happyReply)
	engine := newTestServer(t, fake, nil)

	rec := doRequest(engine, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"stream":false}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.Bytes()
	if got := gjson.GetBytes(body, "role").String(); got != "assistant" {
		t.Errorf("role = %q", got)
	}
	if got := gjson.GetBytes(body, "content.0.text").String(); got != "hello" {
		t.Errorf("text = %q", got)
	}
	if got := gjson.GetBytes(body, "stop_reason").String(); got != "end_turn" {
		t.Errorf("stop_reason = %q", got)
	}
	if in, out := gjson.GetBytes(body, "usage.input_tokens").Int(), gjson.GetBytes(body, "usage.output_tokens").Int(); in != 3 || out != 2 {
		t.Errorf("usage = %d/%d", in, out)
	}
	if got := gjson.GetBytes(body, "model").String(); got != "claude-sonnet-4-5" {
		t.Errorf("model = %q", got)
	}
	if fake.lastPath != "/v1internal:generateContent" {
		t.Errorf("upstream path = %q", fake.lastPath)
	}
	if got := gjson.GetBytes(fake.lastBody, "project").String(); got != "proj" {
		t.Errorf("upstream project = %q", got)
	}
}

func TestMessagesStreaming(t *testing.T) {
	fake := &fakeUpstream{generate: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hel\"}]}}]}}\n\n")
		io.WriteString(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":3,\"totalTokenCount\":5}}}\n\n")
	}}
	engine := newTestServer(t, fake, nil)

	rec := doRequest(engine, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"stream":true}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	out := rec.Body.String()
	for _, want := range []string{
		"event: message_start",
		"event: content_block_start",
		`"text":"hel"`,
		`"text":"lo"`,
		"event: content_block_stop",
		`"stop_reason":"end_turn"`,
		"event: message_stop",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("stream missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(fake.lastURL, "alt=sse") {
		t.Errorf("upstream url = %q", fake.lastURL)
	}
}

func TestMessagesInvalidJSON(t *testing.T) {
	engine := newTestServer(t, jsonUpstream(happyReply), nil)
	rec := doRequest(engine, http.MethodPost, "/v1/messages", `{"model":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.GetBytes(rec.Body.Bytes(), "error.message").String(); got != "Invalid JSON body" {
		t.Errorf("message = %q", got)
	}
}

func TestMessagesUpstreamErrorPassthrough(t *testing.T) {
	errBody := `{"error":{"code":400,"message":"bad thing","status":"INVALID_ARGUMENT"}}`
	fake := &fakeUpstream{generate: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "17")
		w.Header().Set("X-Upstream-Trace", "abc123")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, errBody)
	}}
	engine := newTestServer(t, fake, nil)

	rec := doRequest(engine, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != errBody {
		t.Errorf("body = %s", rec.Body.String())
	}
	// Error replies carry the upstream headers through.
	if got := rec.Header().Get("Retry-After"); got != "17" {
		t.Errorf("Retry-After = %q, want 17", got)
	}
	if got := rec.Header().Get("X-Upstream-Trace"); got != "abc123" {
		t.Errorf("X-Upstream-Trace = %q, want abc123", got)
	}
	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want dropped", got)
	}
}

func TestCountTokens(t *testing.T) {
	engine := newTestServer(t, jsonUpstream(happyReply), nil)
	rec := doRequest(engine, http.MethodPost, "/v1/messages/count_tokens",
		`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"a longer piece of text to count"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.GetBytes(rec.Body.Bytes(), "input_tokens").Int(); got < 1 {
		t.Errorf("input_tokens = %d", got)
	}
}

func TestAPIKeyAdmission(t *testing.T) {
	engine := newTestServer(t, jsonUpstream(happyReply), []string{"sk-test"})

	rec := doRequest(engine, http.MethodGet, "/v1/models", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d", rec.Code)
	}
	if got := gjson.GetBytes(rec.Body.Bytes(), "error.message").String(); got != "Invalid API Key" {
		t.Errorf("message = %q", got)
	}

	for _, headers := range []map[string]string{
		{"Authorization": "Bearer sk-test"},
		{"x-api-key": "sk-test"},
		{"anthropic-api-key": "sk-test"},
		{"x-goog-api-key": "sk-test"},
	} {
		rec := doRequest(engine, http.MethodGet, "/v1/models", "", headers)
		if rec.Code != http.StatusOK {
			t.Errorf("headers %v: status = %d", headers, rec.Code)
		}
	}

	rec = doRequest(engine, http.MethodGet, "/v1/models", "", map[string]string{"x-api-key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d", rec.Code)
	}

	// Paths outside /v1 and /v1beta stay open.
	rec = doRequest(engine, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health: status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	engine := newTestServer(t, jsonUpstream(happyReply), nil)
	rec := doRequest(engine, http.MethodOptions, "/v1/messages", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	h := rec.Header()
	if got := h.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("origin = %q", got)
	}
	if got := h.Get("Access-Control-Allow-Methods"); got != "GET, POST, DELETE, OPTIONS" {
		t.Errorf("methods = %q", got)
	}
	if got := h.Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization, x-api-key, anthropic-api-key, x-goog-api-key, anthropic-version" {
		t.Errorf("headers = %q", got)
	}
}

func TestAnthropicModelsList(t *testing.T) {
	engine := newTestServer(t, jsonUpstream(happyReply), nil)
	rec := doRequest(engine, http.MethodGet, "/v1/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.Bytes()
	if got := gjson.GetBytes(body, "object").String(); got != "list" {
		t.Errorf("object = %q", got)
	}
	found := false
	for _, m := range gjson.GetBytes(body, "data.#.id").Array() {
		if m.String() == "claude-sonnet-4-5" {
			found = true
		}
	}
	if !found {
		t.Errorf("claude-sonnet-4-5 missing: %s", body)
	}
}

func TestGoogleModelsListAndDetail(t *testing.T) {
	engine := newTestServer(t, jsonUpstream(happyReply), nil)

	rec := doRequest(engine, http.MethodGet, "/v1beta/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"models/gemini-3-flash"`) {
		t.Errorf("list = %s", rec.Body.String())
	}

	rec = doRequest(engine, http.MethodGet, "/v1beta/models/gemini-3-flash", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}
	if got := gjson.GetBytes(rec.Body.Bytes(), "name").String(); got != "models/gemini-3-flash" {
		t.Errorf("name = %q", got)
	}

	rec = doRequest(engine, http.MethodGet, "/v1beta/models/not-a-model", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing model status = %d", rec.Code)
	}
}

func TestGoogleGenerateUnwraps(t *testing.T) {
	fake := jsonUpstream(happyReply)
	engine := newTestServer(t, fake, nil)

	rec := doRequest(engine, http.MethodPost, "/v1beta/models/gemini-2.5-flash:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.Bytes()
	if gjson.GetBytes(body, "response").Exists() {
		t.Errorf("envelope not unwrapped: %s", body)
	}
	if got := gjson.GetBytes(body, "candidates.0.content.parts.0.text").String(); got != "hello" {
		t.Errorf("text = %q", got)
	}
	if got := gjson.GetBytes(fake.lastBody, "model").String(); got != "gemini-2.5-flash" {
		t.Errorf("upstream model = %q", got)
	}
	if got := gjson.GetBytes(fake.lastBody, "request.contents.0.parts.0.text").String(); got != "hi" {
		t.Errorf("inner request = %s", fake.lastBody)
	}
}

func TestGoogleProModelAggregates(t *testing.T) {
	fake := &fakeUpstream{generate: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hel\"}]}}]}}\n\n")
		io.WriteString(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}]}}\n\n")
	}}
	engine := newTestServer(t, fake, nil)

	rec := doRequest(engine, http.MethodPost, "/v1beta/models/gemini-3-pro-high:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if fake.lastPath != "/v1internal:streamGenerateContent" {
		t.Errorf("upstream path = %q", fake.lastPath)
	}
	parts := gjson.GetBytes(rec.Body.Bytes(), "candidates.0.content.parts").Array()
	if len(parts) != 1 || parts[0].Get("text").String() != "hello" {
		t.Errorf("merged parts = %s", rec.Body.String())
	}
}

func TestGoogleStreamUnwrapsChunks(t *testing.T) {
	fake := &fakeUpstream{generate: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"yo\"}]}}]}}\n\n")
	}}
	engine := newTestServer(t, fake, nil)

	rec := doRequest(engine, http.MethodPost, "/v1beta/models/gemini-3-flash:streamGenerateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := rec.Body.String()
	if !strings.HasPrefix(out, "data: {\"candidates\"") {
		t.Errorf("chunk not unwrapped: %s", out)
	}
}

func TestHealth(t *testing.T) {
	engine := newTestServer(t, jsonUpstream(happyReply), nil)
	rec := doRequest(engine, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.Bytes()
	if got := gjson.GetBytes(body, "status").String(); got != "ok" {
		t.Errorf("status = %q", got)
	}
	if got := gjson.GetBytes(body, "counts.total").Int(); got != 1 {
		t.Errorf("total = %d", got)
	}
}
