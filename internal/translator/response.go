package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zz80900/Antigravity2Api/pkg/anthropic"
)

// Unwrap peels the v1internal envelope off a response or SSE chunk: the
// payload is chunk.response when present, otherwise the chunk itself.
func Unwrap(body []byte) []byte {
	if r := gjson.GetBytes(body, "response"); r.Exists() && r.IsObject() {
		return []byte(r.Raw)
	}
	return body
}

// ParseResponse unwraps and decodes one upstream reply.
func ParseResponse(body []byte) (*GenerateResponse, error) {
	var resp GenerateResponse
	if err := json.Unmarshal(Unwrap(body), &resp); err != nil {
		return nil, fmt.Errorf("parse upstream response: %w", err)
	}
	return &resp, nil
}

// blockAssembler folds upstream parts into Anthropic content blocks while
// keeping every thought-signature in the block position it arrived at.
type blockAssembler struct {
	blocks []anthropic.ContentBlock

	text        strings.Builder
	thinking    strings.Builder
	thinkingSig string
	inThinking  bool
	inText      bool

	trailingSig string
	toolUsed    bool
}

func (b *blockAssembler) add(part *Part) {
	switch {
	case part.FunctionCall != nil:
		b.flushText()
		b.flushThinking()
		b.flushTrailing()
		b.blocks = append(b.blocks, anthropic.ContentBlock{
			Type:             "tool_use",
			ID:               toolUseID(part.FunctionCall),
			Name:             part.FunctionCall.Name,
			Input:            marshalArgs(part.FunctionCall.Args),
			ThoughtSignature: part.ThoughtSignature,
		})
		b.toolUsed = true

	case part.Thought:
		b.flushText()
		if b.trailingSig != "" && part.Text != "" && part.ThoughtSignature != "" {
			b.flushThinking()
			b.flushTrailing()
		}
		b.inThinking = true
		b.thinking.WriteString(part.Text)
		if part.ThoughtSignature != "" {
			b.thinkingSig = part.ThoughtSignature
		}

	case part.Text == "" && part.ThoughtSignature != "":
		// A bare signature belongs to its own position, not to the block
		// before it.
		b.trailingSig = part.ThoughtSignature

	case part.Text != "" && part.ThoughtSignature != "":
		b.flushText()
		b.flushThinking()
		b.flushTrailing()
		b.blocks = append(b.blocks, anthropic.ContentBlock{
			Type:      "thinking",
			Signature: part.ThoughtSignature,
		})
		b.inText = true
		b.text.WriteString(part.Text)

	case part.Text != "":
		// An unsigned text part does not disturb a stashed trailing
		// signature; that one still belongs to its original position.
		b.flushThinking()
		b.inText = true
		b.text.WriteString(part.Text)
	}
}

func (b *blockAssembler) flushText() {
	if !b.inText {
		return
	}
	b.blocks = append(b.blocks, anthropic.ContentBlock{Type: "text", Text: b.text.String()})
	b.text.Reset()
	b.inText = false
}

func (b *blockAssembler) flushThinking() {
	if !b.inThinking {
		return
	}
	b.blocks = append(b.blocks, anthropic.ContentBlock{
		Type:      "thinking",
		Thinking:  b.thinking.String(),
		Signature: b.thinkingSig,
	})
	b.thinking.Reset()
	b.thinkingSig = ""
	b.inThinking = false
}

func (b *blockAssembler) flushTrailing() {
	if b.trailingSig == "" {
		return
	}
	b.blocks = append(b.blocks, anthropic.ContentBlock{
		Type:      "thinking",
		Signature: b.trailingSig,
	})
	b.trailingSig = ""
}

func (b *blockAssembler) finish() []anthropic.ContentBlock {
	b.flushText()
	b.flushThinking()
	b.flushTrailing()
	return b.blocks
}

// BuildAnthropicResponse shapes an upstream reply as a Claude message.
func BuildAnthropicResponse(clientModel string, resp *GenerateResponse) *anthropic.MessagesResponse {
	asm := &blockAssembler{}
	finishReason := ""
	if len(resp.Candidates) > 0 {
		cand := &resp.Candidates[0]
		finishReason = cand.FinishReason
		if cand.Content != nil {
			for i := range cand.Content.Parts {
				asm.add(&cand.Content.Parts[i])
			}
		}
	}
	content := asm.finish()
	if content == nil {
		content = []anthropic.ContentBlock{}
	}

	return &anthropic.MessagesResponse{
		ID:         anthropic.GenerateMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      clientModel,
		StopReason: stopReason(asm.toolUsed, finishReason),
		Usage:      mapUsage(resp.UsageMetadata),
	}
}

func stopReason(toolUsed bool, finishReason string) string {
	if toolUsed {
		return "tool_use"
	}
	if finishReason == "MAX_TOKENS" {
		return "max_tokens"
	}
	return "end_turn"
}

func mapUsage(meta *UsageMetadata) *anthropic.Usage {
	if meta == nil {
		return &anthropic.Usage{}
	}
	usage := &anthropic.Usage{InputTokens: meta.PromptTokenCount}
	if meta.TotalTokenCount >= meta.PromptTokenCount && meta.TotalTokenCount > 0 {
		usage.OutputTokens = meta.TotalTokenCount - meta.PromptTokenCount
	} else {
		usage.OutputTokens = meta.CandidatesTokenCount + meta.ThoughtsTokenCount
	}
	return usage
}

func toolUseID(fc *FunctionCall) string {
	if fc.ID != "" {
		return fc.ID
	}
	return anthropic.GenerateToolUseID()
}

func marshalArgs(args map[string]any) json.RawMessage {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
