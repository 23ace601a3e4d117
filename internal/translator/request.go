package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/logging"
	"github.com/zz80900/Antigravity2Api/pkg/anthropic"
)

// noContentPlaceholder is emitted by some Anthropic clients for empty turns
// and must not reach the upstream.
const noContentPlaceholder = "(no content)"

// Converted is the outcome of translating one Anthropic request. The model
// and request type may differ from the client's ask (web_search forces the
// flash variant).
type Converted struct {
	Model       string
	RequestType string
	Request     *GenerateRequest
}

// BuildBody returns the per-attempt envelope builder for the dispatcher.
func (c *Converted) BuildBody(projectID string) ([]byte, error) {
	return WrapEnvelope(projectID, c.Model, c.RequestType, c.Request)
}

// ConvertAnthropicRequest maps an Anthropic Messages request onto the
// upstream content schema.
func ConvertAnthropicRequest(req *anthropic.MessagesRequest) (*Converted, error) {
	model := config.MapClaudeModel(req.Model)
	requestType := ""

	webSearch := false
	for _, tool := range req.Tools {
		if tool.Name == "web_search" || strings.HasPrefix(tool.Type, "web_search") {
			webSearch = true
			break
		}
	}
	if webSearch {
		model = config.WebSearchModel
		requestType = "web_search"
	}

	out := &GenerateRequest{
		GenerationConfig: &GenerationConfig{MaxOutputTokens: config.MaxOutputTokens},
		SafetySettings:   offSafetySettings(),
	}

	// System prompts become a synthetic leading user turn.
	if systemText := flattenSystem(req.System); systemText != "" {
		out.Contents = append(out.Contents, Content{
			Role:  "user",
			Parts: []Part{{Text: systemText}},
		})
	}

	// Tool ids seen in assistant turns, so later tool_result blocks can
	// restore the function name.
	toolNames := map[string]string{}

	for i := range req.Messages {
		msg := &req.Messages[i]
		blocks, err := decodeBlocks(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		parts := make([]Part, 0, len(blocks))
		for _, block := range blocks {
			part, ok := convertBlock(&block, toolNames)
			if ok {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		out.Contents = append(out.Contents, Content{Role: role, Parts: parts})
	}

	if webSearch {
		out.Tools = []Tool{{GoogleSearch: &struct{}{}}}
	} else if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]any
			if len(tool.InputSchema) > 0 {
				if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
					logging.Warnf("[Translator] tool %s: unusable input_schema: %v", tool.Name, err)
					schema = map[string]any{"type": "object"}
				}
			} else {
				schema = map[string]any{"type": "object"}
			}
			decls = append(decls, FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  CleanSchema(schema),
			})
		}
		out.Tools = []Tool{{FunctionDeclarations: decls}}
	}

	gc := out.GenerationConfig
	gc.Temperature = req.Temperature
	gc.TopP = req.TopP
	gc.TopK = req.TopK
	gc.StopSequences = req.StopSequences

	thinkingEnabled := config.IsThinkingModel(model)
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		thinkingEnabled = true
	}
	if thinkingEnabled {
		budget := 0
		if req.Thinking != nil {
			budget = req.Thinking.BudgetTokens
		}
		if model == config.WebSearchModel {
			if budget == 0 || budget > config.FlashThinkingBudgetCap {
				budget = config.FlashThinkingBudgetCap
			}
		}
		gc.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
	}

	return &Converted{Model: model, RequestType: requestType, Request: out}, nil
}

// EstimateInputTokens approximates the prompt size at four bytes per token.
// The upstream has no token counter for the Claude family, so count_tokens
// answers from this estimate.
func EstimateInputTokens(req *anthropic.MessagesRequest) int {
	total := len(flattenSystem(req.System))
	for i := range req.Messages {
		blocks, err := decodeBlocks(req.Messages[i].Content)
		if err != nil {
			continue
		}
		for _, b := range blocks {
			total += len(b.Text) + len(b.Thinking) + len(b.Name) + len(b.Input)
			if b.Type == "tool_result" {
				total += len(flattenToolResult(b.Content))
			}
		}
	}
	for _, tool := range req.Tools {
		total += len(tool.Name) + len(tool.Description) + len(tool.InputSchema)
	}
	tokens := total / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// flattenSystem joins an Anthropic system prompt (string or text blocks)
// into one string.
func flattenSystem(system any) string {
	switch s := system.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	blocks, err := decodeBlocks(system)
	if err != nil {
		return ""
	}
	var texts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

// decodeBlocks normalizes message content (string or block list) into typed
// content blocks.
func decodeBlocks(content any) ([]anthropic.ContentBlock, error) {
	switch c := content.(type) {
	case nil:
		return nil, nil
	case string:
		return []anthropic.ContentBlock{{Type: "text", Text: c}}, nil
	case []anthropic.ContentBlock:
		return c, nil
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal content: %w", err)
		}
		var blocks []anthropic.ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return nil, fmt.Errorf("decode content blocks: %w", err)
		}
		return blocks, nil
	}
}

// convertBlock maps one Anthropic content block to an upstream part. The
// second return is false for blocks that produce no part.
func convertBlock(block *anthropic.ContentBlock, toolNames map[string]string) (Part, bool) {
	switch block.Type {
	case "text":
		if block.Text == "" || block.Text == noContentPlaceholder {
			return Part{}, false
		}
		return Part{Text: block.Text}, true

	case "thinking":
		return Part{Text: block.Thinking, Thought: true, ThoughtSignature: block.Signature}, true

	case "redacted_thinking":
		// The payload is opaque but the turn structure must survive.
		if block.Data == "" {
			return Part{}, false
		}
		return Part{Text: block.Data, Thought: true}, true

	case "tool_use":
		args := map[string]any{}
		if len(block.Input) > 0 {
			if err := json.Unmarshal(block.Input, &args); err != nil {
				logging.Warnf("[Translator] tool_use %s: unparsable input: %v", block.ID, err)
			}
		}
		if block.ID != "" {
			toolNames[block.ID] = block.Name
		}
		return Part{
			FunctionCall:     &FunctionCall{Name: block.Name, Args: args, ID: block.ID},
			ThoughtSignature: block.ThoughtSignature,
		}, true

	case "tool_result":
		name := toolNames[block.ToolUseID]
		if name == "" {
			name = block.ToolUseID
		}
		return Part{
			FunctionResponse: &FunctionResponse{
				Name:     name,
				Response: map[string]any{"result": flattenToolResult(block.Content)},
				ID:       block.ToolUseID,
			},
		}, true

	case "image", "document":
		if block.Source != nil && block.Source.Type == "base64" {
			return Part{InlineData: &InlineData{
				MimeType: block.Source.MediaType,
				Data:     block.Source.Data,
			}}, true
		}
		return Part{}, false

	default:
		logging.Debugf("[Translator] dropping unsupported block type %q", block.Type)
		return Part{}, false
	}
}

// flattenToolResult renders a tool_result content field (string or block
// list) as plain text, joining block texts with newlines.
func flattenToolResult(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	}
	blocks, err := decodeBlocks(content)
	if err != nil {
		return ""
	}
	var texts []string
	for _, b := range blocks {
		if b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}
