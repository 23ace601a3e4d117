package translator

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

// GoogleBody wraps a client-supplied generateContent body in the v1internal
// envelope. The client JSON is injected untouched; only the envelope fields
// are written around it.
func GoogleBody(projectID, model string, request json.RawMessage) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	for _, field := range []struct {
		path  string
		value string
	}{
		{"project", projectID},
		{"requestId", "agent-" + uuid.NewString()},
		{"model", model},
		{"userAgent", "antigravity"},
		{"requestType", "agent"},
	} {
		if out, err = sjson.SetBytes(out, field.path, field.value); err != nil {
			return nil, fmt.Errorf("build envelope: %w", err)
		}
	}
	if out, err = sjson.SetRawBytes(out, "request", request); err != nil {
		return nil, fmt.Errorf("inject request: %w", err)
	}
	return out, nil
}

// AggregateSSE consumes an upstream alt=sse stream and folds it into one
// JSON reply. Pro variants only answer over SSE, so a non-streaming client
// call still has to stream upstream and merge here.
func AggregateSSE(r io.Reader) ([]byte, error) {
	var (
		parts        []Part
		finishReason string
		usage        *UsageMetadata
		modelVersion string
	)
	err := ScanSSE(r, func(payload []byte) error {
		resp, err := ParseResponse(payload)
		if err != nil {
			return err
		}
		if resp.UsageMetadata != nil {
			usage = resp.UsageMetadata
		}
		if resp.ModelVersion != "" {
			modelVersion = resp.ModelVersion
		}
		if len(resp.Candidates) == 0 {
			return nil
		}
		cand := &resp.Candidates[0]
		if cand.FinishReason != "" {
			finishReason = cand.FinishReason
		}
		if cand.Content != nil {
			parts = append(parts, cand.Content.Parts...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate upstream stream: %w", err)
	}

	merged := mergeParts(parts)
	out := &GenerateResponse{
		Candidates: []Candidate{{
			Content:      &Content{Role: "model", Parts: merged},
			FinishReason: finishReason,
		}},
		UsageMetadata: usage,
		ModelVersion:  modelVersion,
	}
	return json.Marshal(out)
}

// mergeParts collapses runs of adjacent text parts: consecutive plain text
// becomes one part, consecutive thoughts become one part carrying the
// latest non-empty signature. Function calls and media break the run.
func mergeParts(parts []Part) []Part {
	out := make([]Part, 0, len(parts))
	for _, part := range parts {
		if len(out) > 0 && mergeable(&out[len(out)-1], &part) {
			last := &out[len(out)-1]
			last.Text += part.Text
			if part.ThoughtSignature != "" {
				last.ThoughtSignature = part.ThoughtSignature
			}
			continue
		}
		out = append(out, part)
	}
	return out
}

func mergeable(a, b *Part) bool {
	if a.FunctionCall != nil || a.FunctionResponse != nil || a.InlineData != nil {
		return false
	}
	if b.FunctionCall != nil || b.FunctionResponse != nil || b.InlineData != nil {
		return false
	}
	return a.Thought == b.Thought
}
