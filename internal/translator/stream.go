package translator

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/zz80900/Antigravity2Api/internal/logging"
	"github.com/zz80900/Antigravity2Api/pkg/anthropic"
)

// EventWriter sinks named SSE events. The server's SSE writer implements
// it; tests capture events in memory.
type EventWriter interface {
	Emit(event string, data any) error
}

// ScanSSE reads a server-sent-event stream and invokes fn with each
// complete data payload. Multi-line data fields are joined per the SSE
// wire format.
func ScanSSE(r io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var data [][]byte
	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := bytes.Join(data, []byte("\n"))
		data = data[:0]
		return fn(payload)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			// The scanner reuses its buffer, so the line has to be copied.
			data = append(data, bytes.Clone(bytes.TrimPrefix(rest, []byte(" "))))
		}
		// Other SSE fields (event:, id:, retry:) are not used upstream.
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read sse stream: %w", err)
	}
	return flush()
}

type streamState int

const (
	stateNone streamState = iota
	stateText
	stateThinking
)

// AnthropicStream renders upstream chunks as Anthropic Messages SSE events.
// Block indices increase by one on every content_block_stop.
type AnthropicStream struct {
	w           EventWriter
	clientModel string

	started      bool
	state        streamState
	index        int
	thinkingSig  string
	trailingSig  string
	toolUsed     bool
	finishReason string
	usage        *UsageMetadata
}

// NewAnthropicStream returns a stream emitter for one response.
func NewAnthropicStream(w EventWriter, clientModel string) *AnthropicStream {
	return &AnthropicStream{w: w, clientModel: clientModel}
}

// FeedRaw unwraps and parses one SSE payload, then feeds it.
func (s *AnthropicStream) FeedRaw(payload []byte) error {
	resp, err := ParseResponse(payload)
	if err != nil {
		logging.Warnf("[Translator] skipping unparsable stream chunk: %v", err)
		return nil
	}
	return s.Feed(resp)
}

// Feed processes one upstream chunk.
func (s *AnthropicStream) Feed(resp *GenerateResponse) error {
	if err := s.ensureStarted(resp); err != nil {
		return err
	}
	if resp.UsageMetadata != nil {
		s.usage = resp.UsageMetadata
	}
	if len(resp.Candidates) == 0 {
		return nil
	}
	cand := &resp.Candidates[0]
	if cand.FinishReason != "" {
		s.finishReason = cand.FinishReason
	}
	if cand.Content == nil {
		return nil
	}
	for i := range cand.Content.Parts {
		if err := s.part(&cand.Content.Parts[i]); err != nil {
			return err
		}
	}
	return nil
}

// Finish closes the open block, flushes any trailing signature, and emits
// the message_delta / message_stop pair.
func (s *AnthropicStream) Finish() error {
	if err := s.ensureStarted(nil); err != nil {
		return err
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	if err := s.flushTrailing(); err != nil {
		return err
	}

	usage := mapUsage(s.usage)
	if err := s.w.Emit("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason(s.toolUsed, s.finishReason),
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": usage.OutputTokens},
	}); err != nil {
		return err
	}
	return s.w.Emit("message_stop", map[string]any{"type": "message_stop"})
}

func (s *AnthropicStream) ensureStarted(first *GenerateResponse) error {
	if s.started {
		return nil
	}
	s.started = true
	inputTokens := 0
	if first != nil && first.UsageMetadata != nil {
		inputTokens = first.UsageMetadata.PromptTokenCount
	}
	return s.w.Emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            anthropic.GenerateMessageID(),
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         s.clientModel,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})
}

func (s *AnthropicStream) part(part *Part) error {
	switch {
	case part.FunctionCall != nil:
		if err := s.closeBlock(); err != nil {
			return err
		}
		if err := s.flushTrailing(); err != nil {
			return err
		}
		return s.emitToolUse(part)

	case part.Thought:
		if s.trailingSig != "" && part.Text != "" && part.ThoughtSignature != "" {
			if err := s.closeBlock(); err != nil {
				return err
			}
			if err := s.flushTrailing(); err != nil {
				return err
			}
		}
		if s.state != stateThinking {
			if err := s.closeBlock(); err != nil {
				return err
			}
			if err := s.openBlock(stateThinking); err != nil {
				return err
			}
		}
		if part.ThoughtSignature != "" {
			s.thinkingSig = part.ThoughtSignature
		}
		if part.Text == "" {
			return nil
		}
		return s.w.Emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.index,
			"delta": map[string]any{"type": "thinking_delta", "thinking": part.Text},
		})

	case part.Text == "" && part.ThoughtSignature != "":
		s.trailingSig = part.ThoughtSignature
		return nil

	case part.Text != "" && part.ThoughtSignature != "":
		if err := s.closeBlock(); err != nil {
			return err
		}
		if err := s.flushTrailing(); err != nil {
			return err
		}
		if err := s.emitSignatureBlock(part.ThoughtSignature); err != nil {
			return err
		}
		if err := s.openBlock(stateText); err != nil {
			return err
		}
		return s.textDelta(part.Text)

	case part.Text != "":
		if s.state != stateText {
			if err := s.closeBlock(); err != nil {
				return err
			}
			if err := s.openBlock(stateText); err != nil {
				return err
			}
		}
		return s.textDelta(part.Text)
	}
	return nil
}

func (s *AnthropicStream) textDelta(text string) error {
	return s.w.Emit("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": s.index,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

func (s *AnthropicStream) openBlock(state streamState) error {
	var block map[string]any
	switch state {
	case stateText:
		block = map[string]any{"type": "text", "text": ""}
	case stateThinking:
		block = map[string]any{"type": "thinking", "thinking": ""}
	}
	s.state = state
	return s.w.Emit("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         s.index,
		"content_block": block,
	})
}

func (s *AnthropicStream) closeBlock() error {
	if s.state == stateNone {
		return nil
	}
	if s.state == stateThinking && s.thinkingSig != "" {
		if err := s.w.Emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.index,
			"delta": map[string]any{"type": "signature_delta", "signature": s.thinkingSig},
		}); err != nil {
			return err
		}
		s.thinkingSig = ""
	}
	if err := s.w.Emit("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": s.index,
	}); err != nil {
		return err
	}
	s.index++
	s.state = stateNone
	return nil
}

// flushTrailing emits a stashed bare signature as its own empty thinking
// block.
func (s *AnthropicStream) flushTrailing() error {
	if s.trailingSig == "" {
		return nil
	}
	sig := s.trailingSig
	s.trailingSig = ""
	return s.emitSignatureBlock(sig)
}

// emitSignatureBlock writes a complete empty thinking block that carries
// only a signature.
func (s *AnthropicStream) emitSignatureBlock(sig string) error {
	if err := s.openBlock(stateThinking); err != nil {
		return err
	}
	s.thinkingSig = sig
	return s.closeBlock()
}

// emitToolUse writes a complete tool_use block: start, one
// input_json_delta carrying the whole argument object, stop.
func (s *AnthropicStream) emitToolUse(part *Part) error {
	fc := part.FunctionCall
	block := map[string]any{
		"type":  "tool_use",
		"id":    toolUseID(fc),
		"name":  fc.Name,
		"input": map[string]any{},
	}
	if part.ThoughtSignature != "" {
		block["thoughtSignature"] = part.ThoughtSignature
	}
	if err := s.w.Emit("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         s.index,
		"content_block": block,
	}); err != nil {
		return err
	}

	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte(`{}`)
	}
	if err := s.w.Emit("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": s.index,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": string(args)},
	}); err != nil {
		return err
	}

	s.toolUsed = true
	if err := s.w.Emit("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": s.index,
	}); err != nil {
		return err
	}
	s.index++
	return nil
}
