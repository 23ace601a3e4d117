package translator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestGoogleBodyWrapsClientRequestVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"generationConfig":{"temperature":0.3}}`)
	body, err := GoogleBody("proj-1", "gemini-3-flash", raw)
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(body, "project").String(); got != "proj-1" {
		t.Errorf("project = %q", got)
	}
	if got := gjson.GetBytes(body, "model").String(); got != "gemini-3-flash" {
		t.Errorf("model = %q", got)
	}
	if got := gjson.GetBytes(body, "requestType").String(); got != "agent" {
		t.Errorf("requestType = %q", got)
	}
	if got := gjson.GetBytes(body, "request").Raw; got != string(raw) {
		t.Errorf("request reshaped: %s", got)
	}
}

func TestAggregateSSEMergesRuns(t *testing.T) {
	chunks := []string{
		`{"response":{"candidates":[{"content":{"parts":[{"text":"mm","thought":true}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"hmm","thought":true,"thoughtSignature":"sig-a"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"hel"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"totalTokenCount":9},"modelVersion":"gemini-3-pro-high"}}`,
	}
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: " + c + "\n\n")
	}

	out, err := AggregateSSE(strings.NewReader(b.String()))
	if err != nil {
		t.Fatal(err)
	}

	parts := gjson.GetBytes(out, "candidates.0.content.parts").Array()
	if len(parts) != 2 {
		t.Fatalf("parts = %s", out)
	}
	if parts[0].Get("text").String() != "mmhmm" || !parts[0].Get("thought").Bool() {
		t.Fatalf("thought part = %s", parts[0].Raw)
	}
	if parts[0].Get("thoughtSignature").String() != "sig-a" {
		t.Errorf("signature = %q", parts[0].Get("thoughtSignature").String())
	}
	if parts[1].Get("text").String() != "hello" {
		t.Fatalf("text part = %s", parts[1].Raw)
	}
	if got := gjson.GetBytes(out, "candidates.0.finishReason").String(); got != "STOP" {
		t.Errorf("finishReason = %q", got)
	}
	if got := gjson.GetBytes(out, "usageMetadata.totalTokenCount").Int(); got != 9 {
		t.Errorf("totalTokenCount = %d", got)
	}
	if got := gjson.GetBytes(out, "modelVersion").String(); got != "gemini-3-pro-high" {
		t.Errorf("modelVersion = %q", got)
	}
}

func TestAggregateSSEFunctionCallBreaksRun(t *testing.T) {
	stream := "data: " + `{"candidates":[{"content":{"parts":[{"text":"a"},{"functionCall":{"name":"f","args":{}}},{"text":"b"}]}}]}` + "\n\n"
	out, err := AggregateSSE(strings.NewReader(stream))
	if err != nil {
		t.Fatal(err)
	}
	parts := gjson.GetBytes(out, "candidates.0.content.parts").Array()
	if len(parts) != 3 {
		t.Fatalf("parts = %s", out)
	}
	if parts[1].Get("functionCall.name").String() != "f" {
		t.Fatalf("middle part = %s", parts[1].Raw)
	}
}

func TestAggregateSSEThoughtAndTextDoNotMerge(t *testing.T) {
	stream := "data: " + `{"candidates":[{"content":{"parts":[{"text":"t","thought":true},{"text":"a"}]}}]}` + "\n\n"
	out, err := AggregateSSE(strings.NewReader(stream))
	if err != nil {
		t.Fatal(err)
	}
	if parts := gjson.GetBytes(out, "candidates.0.content.parts").Array(); len(parts) != 2 {
		t.Fatalf("parts = %s", out)
	}
}
