// Package anthropicmsg implements the Anthropic Messages codec: conversion
// between the Anthropic wire protocol and the canonical chat form, in both
// directions, for bodies and SSE frames.
package anthropicmsg

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/llmswitch"
	"github.com/routecodex/routecodex/internal/infrastructure/sse"
)

func init() {
	llmswitch.Register(&Codec{})
}

// Codec is the Anthropic Messages codec.
type Codec struct{}

var _ llmswitch.Codec = (*Codec)(nil)

func (c *Codec) Protocol() entity.Protocol { return entity.ProtocolAnthropic }

const defaultMaxTokens = 8192

// DecodeRequest converts an Anthropic Messages request into canonical chat.
func (c *Codec) DecodeRequest(body entity.Object) (entity.Object, error) {
	var req Request
	if err := reparse(body, &req); err != nil {
		return nil, fmt.Errorf("parse messages request: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("missing model")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must be a non-empty array")
	}

	var messages []any
	if sys := systemText(req.System); sys != "" {
		messages = append(messages, entity.Object{"role": "system", "content": sys})
	}

	for _, msg := range req.Messages {
		converted, err := decodeMessage(msg)
		if err != nil {
			return nil, err
		}
		messages = append(messages, converted...)
	}

	out := entity.Object{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		out["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != 0 {
		out["temperature"] = req.Temperature
	}
	if req.Stream {
		out["stream"] = true
	}
	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, entity.Object{
				"type": "function",
				"function": entity.Object{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.InputSchema,
				},
			})
		}
		out["tools"] = tools
	}
	if tc := decodeToolChoice(req.ToolChoice); tc != nil {
		out["tool_choice"] = tc
	}
	return out, nil
}

// decodeMessage converts one Anthropic message into one or more chat messages.
// Tool results become their own role:"tool" messages, preserving block order.
func decodeMessage(msg Message) ([]any, error) {
	// Plain string content passes straight through.
	if s, ok := msg.Content.(string); ok {
		return []any{entity.Object{"role": msg.Role, "content": s}}, nil
	}

	var blocks []ContentBlock
	if err := reparse(msg.Content, &blocks); err != nil {
		return nil, fmt.Errorf("parse %s message content: %w", msg.Role, err)
	}

	var out []any
	var text string
	var parts []any // non-nil when content has vision parts
	var toolCalls []any
	var reasoning string

	for _, b := range blocks {
		switch b.Type {
		case "text":
			if parts != nil {
				parts = append(parts, entity.Object{"type": "text", "text": b.Text})
			} else {
				text += b.Text
			}
		case "image":
			if parts == nil {
				parts = []any{}
				if text != "" {
					parts = append(parts, entity.Object{"type": "text", "text": text})
					text = ""
				}
			}
			if b.Source != nil {
				parts = append(parts, entity.Object{
					"type": "image_url",
					"image_url": entity.Object{
						"url": fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data),
					},
				})
			}
		case "tool_use":
			toolCalls = append(toolCalls, entity.Object{
				"id":   b.ID,
				"type": "function",
				"function": entity.Object{
					"name":      b.Name,
					"arguments": string(entity.MustJSON(b.Input)),
				},
			})
		case "tool_result":
			out = append(out, entity.Object{
				"role":         "tool",
				"tool_call_id": b.ToolUseID,
				"content":      toolResultText(b.Content),
			})
		case "thinking":
			reasoning += b.Thinking
		}
	}

	m := entity.Object{"role": msg.Role}
	switch {
	case parts != nil:
		m["content"] = parts
	default:
		m["content"] = text
	}
	if len(toolCalls) > 0 {
		m["tool_calls"] = toolCalls
	}
	if reasoning != "" {
		m["reasoning_content"] = reasoning
	}
	if m["content"] != "" || len(toolCalls) > 0 || parts != nil {
		out = append(out, m)
	}
	return out, nil
}

// EncodeRequest renders a canonical chat request for an Anthropic provider.
func (c *Codec) EncodeRequest(body entity.Object) (entity.Object, error) {
	req := Request{
		MaxTokens: defaultMaxTokens, // Anthropic requires explicit max_tokens
	}
	req.Model, _ = entity.GetString(body, "model")
	if n, ok := entity.GetNumber(body, "max_tokens"); ok && n > 0 {
		req.MaxTokens = int(n)
	}
	if n, ok := entity.GetNumber(body, "temperature"); ok {
		req.Temperature = n
	}
	req.Stream = entity.GetBool(body, "stream")

	var system string
	for _, msg := range entity.ObjectSlice(body, "messages") {
		role, _ := entity.GetString(msg, "role")
		switch role {
		case "system":
			if s, ok := entity.GetString(msg, "content"); ok {
				if system != "" {
					system += "\n"
				}
				system += s
			}
		case "assistant":
			req.Messages = append(req.Messages, encodeAssistant(msg))
		case "tool":
			id, _ := entity.GetString(msg, "tool_call_id")
			content, _ := entity.GetString(msg, "content")
			req.Messages = append(req.Messages, Message{
				Role: "user",
				Content: []ContentBlock{{
					Type:      "tool_result",
					ToolUseID: id,
					Content:   content,
				}},
			})
		default: // user
			req.Messages = append(req.Messages, encodeUser(msg))
		}
	}
	if system != "" {
		req.System = system
	}

	for _, t := range entity.ObjectSlice(body, "tools") {
		fn, ok := entity.GetObject(t, "function")
		if !ok {
			continue
		}
		name, _ := entity.GetString(fn, "name")
		desc, _ := entity.GetString(fn, "description")
		params, _ := entity.GetObject(fn, "parameters")
		req.Tools = append(req.Tools, Tool{
			Name:        name,
			Description: desc,
			InputSchema: ensureSchema(params),
		})
	}

	if tc, ok := body["tool_choice"]; ok {
		req.ToolChoice = encodeToolChoice(tc)
	}

	var out entity.Object
	if err := reparse(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeUser(msg entity.Object) Message {
	if parts, ok := entity.GetSlice(msg, "content"); ok {
		var blocks []ContentBlock
		for _, raw := range parts {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch t, _ := entity.GetString(part, "type"); t {
			case "text":
				txt, _ := entity.GetString(part, "text")
				blocks = append(blocks, ContentBlock{Type: "text", Text: txt})
			case "image_url":
				if img, ok := entity.GetObject(part, "image_url"); ok {
					if src := parseDataURL(img); src != nil {
						blocks = append(blocks, ContentBlock{Type: "image", Source: src})
					}
				}
			}
		}
		return Message{Role: "user", Content: blocks}
	}
	content, _ := entity.GetString(msg, "content")
	return Message{Role: "user", Content: []ContentBlock{{Type: "text", Text: content}}}
}

func encodeAssistant(msg entity.Object) Message {
	var blocks []ContentBlock
	if content, ok := entity.GetString(msg, "content"); ok && content != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: content})
	}
	for _, raw := range entity.ObjectSlice(msg, "tool_calls") {
		fn, ok := entity.GetObject(raw, "function")
		if !ok {
			continue
		}
		id, _ := entity.GetString(raw, "id")
		name, _ := entity.GetString(fn, "name")
		args, _ := entity.GetString(fn, "arguments")
		var input map[string]any
		if args != "" {
			_ = json.Unmarshal([]byte(args), &input)
		}
		blocks = append(blocks, ContentBlock{
			Type:  "tool_use",
			ID:    id,
			Name:  name,
			Input: input,
		})
	}
	return Message{Role: "assistant", Content: blocks}
}

// DecodeResponse converts an Anthropic response into canonical chat.
func (c *Codec) DecodeResponse(body entity.Object) (entity.Object, error) {
	var resp Response
	if err := reparse(body, &resp); err != nil {
		return nil, fmt.Errorf("parse messages response: %w", err)
	}

	msg := entity.Object{"role": "assistant"}
	var content, reasoning string
	var toolCalls []any
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			content += b.Text
		case "thinking":
			reasoning += b.Thinking
		case "tool_use":
			toolCalls = append(toolCalls, entity.Object{
				"id":   b.ID,
				"type": "function",
				"function": entity.Object{
					"name":      b.Name,
					"arguments": string(entity.MustJSON(b.Input)),
				},
			})
		}
	}
	msg["content"] = content
	if reasoning != "" {
		msg["reasoning_content"] = reasoning
	}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}

	finish := stopReasonToFinish(resp.StopReason)
	if finish == "" {
		finish = "stop"
	}

	return entity.Object{
		"id":     resp.ID,
		"object": "chat.completion",
		"model":  resp.Model,
		"choices": []any{entity.Object{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
		"usage": entity.Object{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.Total(),
		},
	}, nil
}

// EncodeResponse renders a canonical chat response on the Anthropic protocol.
func (c *Codec) EncodeResponse(body entity.Object) (entity.Object, error) {
	msg, ok := llmswitch.ResponseMessage(body)
	if !ok {
		return nil, fmt.Errorf("response has no choices")
	}

	resp := Response{
		Type: "message",
		Role: "assistant",
	}
	resp.ID, _ = entity.GetString(body, "id")
	if resp.ID == "" {
		resp.ID = "msg_" + uuid.NewString()
	}
	resp.Model, _ = entity.GetString(body, "model")

	if reasoning, ok := entity.GetString(msg, "reasoning_content"); ok && reasoning != "" {
		resp.Content = append(resp.Content, ContentBlock{Type: "thinking", Thinking: reasoning})
	}
	if content, ok := entity.GetString(msg, "content"); ok && content != "" {
		resp.Content = append(resp.Content, ContentBlock{Type: "text", Text: content})
	}
	for _, call := range entity.ObjectSlice(msg, "tool_calls") {
		fn, ok := entity.GetObject(call, "function")
		if !ok {
			continue
		}
		id, _ := entity.GetString(call, "id")
		name, _ := entity.GetString(fn, "name")
		args, _ := entity.GetString(fn, "arguments")
		var input map[string]any
		if args != "" {
			if err := json.Unmarshal([]byte(args), &input); err != nil {
				return nil, fmt.Errorf("tool call %s arguments are not valid JSON: %w", name, err)
			}
		}
		resp.Content = append(resp.Content, ContentBlock{
			Type:  "tool_use",
			ID:    id,
			Name:  name,
			Input: input,
		})
	}

	resp.StopReason = finishToStopReason(llmswitch.FinishReason(body))

	if usage, ok := entity.GetObject(body, "usage"); ok {
		if n, ok := entity.GetNumber(usage, "prompt_tokens"); ok {
			resp.Usage.InputTokens = int(n)
		}
		if n, ok := entity.GetNumber(usage, "completion_tokens"); ok {
			resp.Usage.OutputTokens = int(n)
		}
	}

	var out entity.Object
	if err := reparse(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeStreamFrame converts Anthropic stream events into canonical chunks.
func (c *Codec) DecodeStreamFrame(ev sse.Event, st *llmswitch.StreamState) ([]entity.Object, error) {
	if ev.Data == "" {
		return nil, nil
	}
	var evt StreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &evt); err != nil {
		return nil, nil
	}
	eventType := evt.Type
	if eventType == "" {
		eventType = ev.Name
	}

	switch eventType {
	case "message_start":
		if evt.Message != nil {
			st.Model = evt.Message.Model
		}
		return []entity.Object{llmswitch.Chunk(st, llmswitch.DeltaRole(), "")}, nil

	case "content_block_start":
		if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
			tc := st.Tool(evt.Index)
			tc.ID = evt.ContentBlock.ID
			tc.Name = evt.ContentBlock.Name
			tc.Index = countStarted(st) - 1
			delta := llmswitch.DeltaToolCall(tc.Index, tc.ID, tc.Name, "")
			return []entity.Object{llmswitch.Chunk(st, delta, "")}, nil
		}
		return nil, nil

	case "content_block_delta":
		if evt.Delta == nil {
			return nil, nil
		}
		switch evt.Delta.Type {
		case "text_delta":
			return []entity.Object{llmswitch.Chunk(st, llmswitch.DeltaContent(evt.Delta.Text), "")}, nil
		case "thinking_delta":
			return []entity.Object{llmswitch.Chunk(st, llmswitch.DeltaReasoning(evt.Delta.Thinking), "")}, nil
		case "input_json_delta":
			tc, ok := st.ToolCalls[evt.Index]
			if !ok {
				return nil, nil
			}
			tc.Args.WriteString(evt.Delta.PartialJSON)
			delta := llmswitch.DeltaToolCall(tc.Index, "", "", evt.Delta.PartialJSON)
			return []entity.Object{llmswitch.Chunk(st, delta, "")}, nil
		}
		return nil, nil

	case "message_delta":
		if evt.Delta == nil || evt.Delta.StopReason == "" {
			return nil, nil
		}
		st.FinishReason = stopReasonToFinish(evt.Delta.StopReason)
		chunk := llmswitch.Chunk(st, entity.Object{}, st.FinishReason)
		if evt.Usage != nil {
			chunk["usage"] = entity.Object{
				"prompt_tokens":     evt.Usage.InputTokens,
				"completion_tokens": evt.Usage.OutputTokens,
				"total_tokens":      evt.Usage.Total(),
			}
		}
		return []entity.Object{chunk}, nil

	case "message_stop":
		st.Terminated = true
		return nil, nil
	}
	return nil, nil
}

// countStarted returns how many tool assemblies exist (used to derive the
// canonical tool_calls index for a newly started block).
func countStarted(st *llmswitch.StreamState) int {
	return len(st.ToolCalls)
}

// EncodeStreamFrame renders one canonical chunk as Anthropic stream events.
func (c *Codec) EncodeStreamFrame(chunk entity.Object, st *llmswitch.StreamState) ([]sse.Event, error) {
	var out []sse.Event

	if !st.RoleSent {
		st.RoleSent = true
		if st.MessageID == "" {
			st.MessageID = "msg_" + uuid.NewString()
		}
		if model, ok := entity.GetString(chunk, "model"); ok && model != "" {
			st.Model = model
		}
		start := StreamEvent{
			Type: "message_start",
			Message: &Response{
				ID:    st.MessageID,
				Type:  "message",
				Role:  "assistant",
				Model: st.Model,
			},
		}
		out = append(out, event("message_start", start))
		st.BlockIndex = -1
	}

	delta, _ := llmswitch.ChunkDelta(chunk)

	if text, ok := entity.GetString(delta, "reasoning_content"); ok && text != "" {
		out = append(out, openBlock(st, "thinking")...)
		out = append(out, event("content_block_delta", StreamEvent{
			Type:  "content_block_delta",
			Index: st.BlockIndex,
			Delta: &DeltaBlock{Type: "thinking_delta", Thinking: text},
		}))
	}

	if text, ok := entity.GetString(delta, "content"); ok && text != "" {
		out = append(out, openBlock(st, "text")...)
		out = append(out, event("content_block_delta", StreamEvent{
			Type:  "content_block_delta",
			Index: st.BlockIndex,
			Delta: &DeltaBlock{Type: "text_delta", Text: text},
		}))
	}

	for _, call := range entity.ObjectSlice(delta, "tool_calls") {
		idx := 0
		if n, ok := entity.GetNumber(call, "index"); ok {
			idx = int(n)
		}
		tc := st.Tool(idx)
		if id, ok := entity.GetString(call, "id"); ok && id != "" {
			tc.ID = id
		}
		fn, _ := entity.GetObject(call, "function")
		if name, ok := entity.GetString(fn, "name"); ok && name != "" {
			tc.Name = name
		}
		if !tc.Started {
			tc.Started = true
			out = append(out, closeBlock(st)...)
			st.BlockIndex++
			st.BlockType = "tool_use"
			out = append(out, event("content_block_start", StreamEvent{
				Type:  "content_block_start",
				Index: st.BlockIndex,
				ContentBlock: &ContentBlock{
					Type: "tool_use",
					ID:   tc.ID,
					Name: tc.Name,
				},
			}))
		}
		if args, ok := entity.GetString(fn, "arguments"); ok && args != "" {
			tc.Args.WriteString(args)
			out = append(out, event("content_block_delta", StreamEvent{
				Type:  "content_block_delta",
				Index: st.BlockIndex,
				Delta: &DeltaBlock{Type: "input_json_delta", PartialJSON: args},
			}))
		}
	}

	if fr := llmswitch.ChunkFinishReason(chunk); fr != "" {
		st.FinishReason = fr
		out = append(out, terminalEvents(st, chunk)...)
	}
	return out, nil
}

// FinishStream guarantees message_stop even on abrupt upstream end.
func (c *Codec) FinishStream(st *llmswitch.StreamState) []sse.Event {
	if st.Terminated {
		return nil
	}
	return terminalEvents(st, nil)
}

// openBlock starts a content block of the given type when a different block
// (or none) is currently open.
func openBlock(st *llmswitch.StreamState, blockType string) []sse.Event {
	if st.BlockType == blockType {
		return nil
	}
	out := closeBlock(st)
	st.BlockIndex++
	st.BlockType = blockType
	out = append(out, event("content_block_start", StreamEvent{
		Type:         "content_block_start",
		Index:        st.BlockIndex,
		ContentBlock: &ContentBlock{Type: blockType},
	}))
	return out
}

// closeBlock stops the currently open content block, if any.
func closeBlock(st *llmswitch.StreamState) []sse.Event {
	if st.BlockType == "" {
		return nil
	}
	ev := event("content_block_stop", StreamEvent{
		Type:  "content_block_stop",
		Index: st.BlockIndex,
	})
	st.BlockType = ""
	return []sse.Event{ev}
}

// terminalEvents closes the open block and emits message_delta + message_stop.
func terminalEvents(st *llmswitch.StreamState, chunk entity.Object) []sse.Event {
	out := closeBlock(st)

	delta := StreamEvent{
		Type:  "message_delta",
		Delta: &DeltaBlock{StopReason: finishToStopReason(st.FinishReason)},
	}
	if chunk != nil {
		if usage, ok := entity.GetObject(chunk, "usage"); ok {
			u := Usage{}
			if n, ok := entity.GetNumber(usage, "prompt_tokens"); ok {
				u.InputTokens = int(n)
			}
			if n, ok := entity.GetNumber(usage, "completion_tokens"); ok {
				u.OutputTokens = int(n)
			}
			delta.Usage = &u
		}
	}
	out = append(out, event("message_delta", delta))
	out = append(out, event("message_stop", StreamEvent{Type: "message_stop"}))
	st.Terminated = true
	return out
}

// reparse round-trips v through JSON into out.
func reparse(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func event(name string, evt StreamEvent) sse.Event {
	return sse.Event{Name: name, Data: string(entity.MustJSON(evt))}
}

// systemText flattens the system field (string or text block array).
func systemText(system any) string {
	switch v := system.(type) {
	case string:
		return v
	case []any:
		var blocks []ContentBlock
		if err := reparse(v, &blocks); err != nil {
			return ""
		}
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return ""
}

// toolResultText flattens tool_result content (string or block array).
func toolResultText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var blocks []ContentBlock
		if err := reparse(v, &blocks); err != nil {
			return ""
		}
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	case nil:
		return ""
	}
	return string(entity.MustJSON(content))
}

func decodeToolChoice(tc map[string]any) any {
	if tc == nil {
		return nil
	}
	switch t, _ := tc["type"].(string); t {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		name, _ := tc["name"].(string)
		return entity.Object{
			"type":     "function",
			"function": entity.Object{"name": name},
		}
	}
	return nil
}

func encodeToolChoice(tc any) map[string]any {
	switch v := tc.(type) {
	case string:
		switch v {
		case "required":
			return map[string]any{"type": "any"}
		case "auto":
			return map[string]any{"type": "auto"}
		}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				return map[string]any{"type": "tool", "name": name}
			}
		}
	}
	return nil
}

func ensureSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "strict" {
			continue
		}
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

func parseDataURL(img entity.Object) *ImageSource {
	url, _ := entity.GetString(img, "url")
	const prefix = "data:"
	if len(url) < len(prefix) || url[:len(prefix)] != prefix {
		return nil
	}
	rest := url[len(prefix):]
	semi := -1
	for i, r := range rest {
		if r == ';' {
			semi = i
			break
		}
	}
	if semi < 0 {
		return nil
	}
	mediaType := rest[:semi]
	const marker = ";base64,"
	idx := len(mediaType)
	if len(rest) < idx+len(marker) || rest[idx:idx+len(marker)] != marker {
		return nil
	}
	return &ImageSource{
		Type:      "base64",
		MediaType: mediaType,
		Data:      rest[idx+len(marker):],
	}
}
