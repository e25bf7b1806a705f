// Package openaichat implements the OpenAI Chat Completions codec. Chat is
// the canonical form, so conversion is mostly validation and normalization;
// the streaming side still owns terminal-frame bookkeeping.
package openaichat

import (
	"encoding/json"
	"fmt"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/llmswitch"
	"github.com/routecodex/routecodex/internal/infrastructure/sse"
)

func init() {
	llmswitch.Register(&Codec{})
}

// Codec is the chat-protocol codec.
type Codec struct{}

var _ llmswitch.Codec = (*Codec)(nil)

func (c *Codec) Protocol() entity.Protocol { return entity.ProtocolOpenAIChat }

// DecodeRequest validates the inbound chat request. Chat is canonical, so the
// body passes through after boundary checks.
func (c *Codec) DecodeRequest(body entity.Object) (entity.Object, error) {
	if _, ok := entity.GetString(body, "model"); !ok {
		return nil, fmt.Errorf("missing model")
	}
	msgs, ok := entity.GetSlice(body, "messages")
	if !ok || len(msgs) == 0 {
		return nil, fmt.Errorf("messages must be a non-empty array")
	}
	return body, nil
}

// EncodeRequest renders a canonical request for a chat provider: identity.
func (c *Codec) EncodeRequest(body entity.Object) (entity.Object, error) {
	return body, nil
}

// DecodeResponse normalizes a chat provider response into canonical form.
// Tool-call arguments are forced to JSON-string form here; some providers
// emit them as objects.
func (c *Codec) DecodeResponse(body entity.Object) (entity.Object, error) {
	choices, ok := entity.GetSlice(body, "choices")
	if !ok || len(choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	for _, raw := range choices {
		choice, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := entity.GetObject(choice, "message")
		if !ok {
			continue
		}
		normalizeToolCallArguments(msg)
	}
	return body, nil
}

// EncodeResponse renders a canonical response for a chat client: identity.
func (c *Codec) EncodeResponse(body entity.Object) (entity.Object, error) {
	return body, nil
}

// DecodeStreamFrame parses one chat SSE frame into canonical chunks.
func (c *Codec) DecodeStreamFrame(ev sse.Event, st *llmswitch.StreamState) ([]entity.Object, error) {
	if ev.Data == "[DONE]" {
		st.Terminated = true
		return nil, nil
	}
	var chunk entity.Object
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		// Unparseable frames are skipped, not fatal; upstreams interleave
		// junk like ping comments rendered as data.
		return nil, nil
	}
	if model, ok := entity.GetString(chunk, "model"); ok && model != "" {
		st.Model = model
	}
	if fr := llmswitch.ChunkFinishReason(chunk); fr != "" {
		st.FinishReason = fr
	}
	return []entity.Object{chunk}, nil
}

// EncodeStreamFrame renders one canonical chunk as a chat SSE data frame.
func (c *Codec) EncodeStreamFrame(chunk entity.Object, st *llmswitch.StreamState) ([]sse.Event, error) {
	if fr := llmswitch.ChunkFinishReason(chunk); fr != "" {
		st.FinishReason = fr
	}
	return []sse.Event{{Data: string(entity.MustJSON(chunk))}}, nil
}

// FinishStream guarantees the [DONE] sentinel exactly once, with a synthetic
// finish chunk first when the upstream never delivered a finish_reason.
func (c *Codec) FinishStream(st *llmswitch.StreamState) []sse.Event {
	if st.Terminated {
		return nil
	}
	st.Terminated = true

	var out []sse.Event
	if st.FinishReason == "" {
		st.FinishReason = "stop"
		final := llmswitch.Chunk(st, entity.Object{}, "stop")
		out = append(out, sse.Event{Data: string(entity.MustJSON(final))})
	}
	out = append(out, sse.Done)
	return out
}

// normalizeToolCallArguments rewrites message.tool_calls[].function.arguments
// into a JSON string when a provider emitted an object.
func normalizeToolCallArguments(msg entity.Object) {
	calls, ok := entity.GetSlice(msg, "tool_calls")
	if !ok {
		return
	}
	for _, raw := range calls {
		call, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fn, ok := entity.GetObject(call, "function")
		if !ok {
			continue
		}
		switch args := fn["arguments"].(type) {
		case string:
			// already canonical
		case nil:
			fn["arguments"] = "{}"
		default:
			fn["arguments"] = string(entity.MustJSON(args))
		}
	}
}
