// Package responses implements the OpenAI Responses codec: conversion between
// the Responses wire protocol and the canonical chat form.
package responses

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/llmswitch"
	"github.com/routecodex/routecodex/internal/infrastructure/sse"
)

func init() {
	llmswitch.Register(&Codec{})
}

// Codec is the Responses-protocol codec.
type Codec struct{}

var _ llmswitch.Codec = (*Codec)(nil)

func (c *Codec) Protocol() entity.Protocol { return entity.ProtocolOpenAIResponses }

// DecodeRequest converts a Responses request into canonical chat.
func (c *Codec) DecodeRequest(body entity.Object) (entity.Object, error) {
	var req Request
	if err := reparse(body, &req); err != nil {
		return nil, fmt.Errorf("parse responses request: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("missing model")
	}

	var messages []any
	if req.Instructions != "" {
		messages = append(messages, entity.Object{"role": "system", "content": req.Instructions})
	}

	switch input := req.Input.(type) {
	case string:
		messages = append(messages, entity.Object{"role": "user", "content": input})
	case []any:
		var items []Item
		if err := reparse(input, &items); err != nil {
			return nil, fmt.Errorf("parse input items: %w", err)
		}
		for _, item := range items {
			msg, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				messages = append(messages, msg)
			}
		}
	case nil:
		return nil, fmt.Errorf("missing input")
	default:
		return nil, fmt.Errorf("input must be a string or item array")
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("input resolves to no messages")
	}

	out := entity.Object{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxOutputTokens > 0 {
		out["max_tokens"] = req.MaxOutputTokens
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
					"parameters":  t.Parameters,
				},
			})
		}
		out["tools"] = tools
	}
	if req.ToolChoice != nil {
		out["tool_choice"] = req.ToolChoice
	}
	return out, nil
}

// decodeItem converts one input item into a chat message, or nil for items
// with no chat equivalent.
func decodeItem(item Item) (entity.Object, error) {
	switch item.Type {
	case "message", "":
		role := item.Role
		if role == "" {
			role = "user"
		}
		return entity.Object{"role": role, "content": itemText(item.Content)}, nil
	case "function_call":
		callID := item.CallID
		if callID == "" {
			callID = item.ID
		}
		return entity.Object{
			"role":    "assistant",
			"content": "",
			"tool_calls": []any{entity.Object{
				"id":   callID,
				"type": "function",
				"function": entity.Object{
					"name":      item.Name,
					"arguments": item.Arguments,
				},
			}},
		}, nil
	case "function_call_output":
		callID := item.CallID
		if callID == "" {
			callID = item.ID
		}
		return entity.Object{
			"role":         "tool",
			"tool_call_id": callID,
			"content":      item.Output,
		}, nil
	case "reasoning":
		// Reasoning items are model output replayed as context; drop them.
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported input item type %q", item.Type)
}

// EncodeRequest renders a canonical chat request on the Responses protocol.
func (c *Codec) EncodeRequest(body entity.Object) (entity.Object, error) {
	req := Request{}
	req.Model, _ = entity.GetString(body, "model")
	if n, ok := entity.GetNumber(body, "max_tokens"); ok && n > 0 {
		req.MaxOutputTokens = int(n)
	}
	if n, ok := entity.GetNumber(body, "temperature"); ok {
		req.Temperature = n
	}
	req.Stream = entity.GetBool(body, "stream")

	var items []Item
	for _, msg := range entity.ObjectSlice(body, "messages") {
		role, _ := entity.GetString(msg, "role")
		switch role {
		case "system":
			content, _ := entity.GetString(msg, "content")
			if req.Instructions != "" {
				req.Instructions += "\n"
			}
			req.Instructions += content
		case "assistant":
			if content, ok := entity.GetString(msg, "content"); ok && content != "" {
				items = append(items, Item{
					Type: "message", Role: "assistant",
					Content: []ContentPart{{Type: "output_text", Text: content}},
				})
			}
			for _, call := range entity.ObjectSlice(msg, "tool_calls") {
				fn, _ := entity.GetObject(call, "function")
				id, _ := entity.GetString(call, "id")
				name, _ := entity.GetString(fn, "name")
				args, _ := entity.GetString(fn, "arguments")
				items = append(items, Item{
					Type: "function_call", CallID: id, Name: name, Arguments: args,
				})
			}
		case "tool":
			id, _ := entity.GetString(msg, "tool_call_id")
			content, _ := entity.GetString(msg, "content")
			items = append(items, Item{Type: "function_call_output", CallID: id, Output: content})
		default: // user
			items = append(items, Item{
				Type: "message", Role: "user",
				Content: []ContentPart{{Type: "input_text", Text: messageText(msg)}},
			})
		}
	}
	req.Input = items

	for _, t := range entity.ObjectSlice(body, "tools") {
		fn, ok := entity.GetObject(t, "function")
		if !ok {
			continue
		}
		name, _ := entity.GetString(fn, "name")
		desc, _ := entity.GetString(fn, "description")
		params, _ := entity.GetObject(fn, "parameters")
		req.Tools = append(req.Tools, Tool{
			Type: "function", Name: name, Description: desc, Parameters: params,
		})
	}
	if tc, ok := body["tool_choice"]; ok {
		req.ToolChoice = tc
	}

	var out entity.Object
	if err := reparse(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeResponse converts a Responses envelope into a canonical chat response.
func (c *Codec) DecodeResponse(body entity.Object) (entity.Object, error) {
	var resp Response
	if err := reparse(body, &resp); err != nil {
		return nil, fmt.Errorf("parse responses response: %w", err)
	}

	msg := entity.Object{"role": "assistant"}
	var content, reasoning string
	var toolCalls []any
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			content += itemText(item.Content)
		case "function_call":
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			toolCalls = append(toolCalls, entity.Object{
				"id":   callID,
				"type": "function",
				"function": entity.Object{
					"name":      item.Name,
					"arguments": item.Arguments,
				},
			})
		case "reasoning":
			for _, part := range item.Summary {
				reasoning += part.Text
			}
		}
	}
	if resp.RequiredAction != nil && resp.RequiredAction.SubmitToolOutputs != nil {
		for _, call := range resp.RequiredAction.SubmitToolOutputs.ToolCalls {
			toolCalls = append(toolCalls, entity.Object{
				"id":   call.ID,
				"type": "function",
				"function": entity.Object{
					"name":      call.Function.Name,
					"arguments": call.Function.Arguments,
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

	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}

	out := entity.Object{
		"id":     resp.ID,
		"object": "chat.completion",
		"model":  resp.Model,
		"choices": []any{entity.Object{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
	}
	if resp.Usage != nil {
		out["usage"] = entity.Object{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// EncodeResponse renders a canonical chat response as a Responses envelope.
// Tool calls surface both as function_call output items and as
// required_action, so tool-loop clients see requires_action.
func (c *Codec) EncodeResponse(body entity.Object) (entity.Object, error) {
	msg, ok := llmswitch.ResponseMessage(body)
	if !ok {
		return nil, fmt.Errorf("response has no choices")
	}

	resp := Response{
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Status:    "completed",
	}
	resp.ID, _ = entity.GetString(body, "id")
	if resp.ID == "" {
		resp.ID = NewResponseID()
	}
	resp.Model, _ = entity.GetString(body, "model")

	if reasoning, ok := entity.GetString(msg, "reasoning_content"); ok && reasoning != "" {
		resp.Output = append(resp.Output, Item{
			Type:    "reasoning",
			Summary: []ContentPart{{Type: "summary_text", Text: reasoning}},
		})
	}
	if content, ok := entity.GetString(msg, "content"); ok && content != "" {
		resp.Output = append(resp.Output, Item{
			Type: "message", Role: "assistant", Status: "completed",
			Content: []ContentPart{{Type: "output_text", Text: content}},
		})
	}

	var pending []PendingToolCall
	for _, call := range entity.ObjectSlice(msg, "tool_calls") {
		fn, _ := entity.GetObject(call, "function")
		id, _ := entity.GetString(call, "id")
		name, _ := entity.GetString(fn, "name")
		args, _ := entity.GetString(fn, "arguments")
		resp.Output = append(resp.Output, Item{
			Type: "function_call", ID: "fc_" + uuid.NewString(), CallID: id,
			Name: name, Arguments: args, Status: "completed",
		})
		pending = append(pending, PendingToolCall{
			ID: id, Type: "function",
			Function: CallFunction{Name: name, Arguments: args},
		})
	}
	if len(pending) > 0 {
		resp.Status = "requires_action"
		resp.RequiredAction = &RequiredAction{
			Type:              "submit_tool_outputs",
			SubmitToolOutputs: &SubmitToolOutputs{ToolCalls: pending},
		}
	}

	if usage, ok := entity.GetObject(body, "usage"); ok {
		u := Usage{}
		if n, ok := entity.GetNumber(usage, "prompt_tokens"); ok {
			u.InputTokens = int(n)
		}
		if n, ok := entity.GetNumber(usage, "completion_tokens"); ok {
			u.OutputTokens = int(n)
		}
		if n, ok := entity.GetNumber(usage, "total_tokens"); ok {
			u.TotalTokens = int(n)
		}
		resp.Usage = &u
	}

	var out entity.Object
	if err := reparse(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeStreamFrame converts Responses stream events into canonical chunks.
func (c *Codec) DecodeStreamFrame(ev sse.Event, st *llmswitch.StreamState) ([]entity.Object, error) {
	if ev.Data == "" || ev.Data == "[DONE]" {
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
	case "response.created":
		if evt.Response != nil {
			st.Model = evt.Response.Model
			st.ResponseID = evt.Response.ID
		}
		return []entity.Object{llmswitch.Chunk(st, llmswitch.DeltaRole(), "")}, nil

	case "response.output_text.delta":
		return []entity.Object{llmswitch.Chunk(st, llmswitch.DeltaContent(evt.Delta), "")}, nil

	case "response.reasoning_summary_text.delta":
		return []entity.Object{llmswitch.Chunk(st, llmswitch.DeltaReasoning(evt.Delta), "")}, nil

	case "response.output_item.added":
		if evt.Item != nil && evt.Item.Type == "function_call" {
			tc := st.Tool(evt.OutputIndex)
			tc.ID = evt.Item.CallID
			if tc.ID == "" {
				tc.ID = evt.Item.ID
			}
			tc.Name = evt.Item.Name
			tc.Index = len(st.ToolCalls) - 1
			delta := llmswitch.DeltaToolCall(tc.Index, tc.ID, tc.Name, "")
			return []entity.Object{llmswitch.Chunk(st, delta, "")}, nil
		}
		return nil, nil

	case "response.function_call_arguments.delta":
		// item_id correlation is not index-based; attribute to the most
		// recently added call.
		tc := lastTool(st)
		if tc == nil {
			return nil, nil
		}
		tc.Args.WriteString(evt.Delta)
		delta := llmswitch.DeltaToolCall(tc.Index, "", "", evt.Delta)
		return []entity.Object{llmswitch.Chunk(st, delta, "")}, nil

	case "response.required_action":
		st.FinishReason = "tool_calls"
		return []entity.Object{llmswitch.Chunk(st, entity.Object{}, "tool_calls")}, nil

	case "response.completed":
		st.Terminated = true
		if st.FinishReason == "" {
			st.FinishReason = "stop"
			chunk := llmswitch.Chunk(st, entity.Object{}, "stop")
			if evt.Response != nil && evt.Response.Usage != nil {
				chunk["usage"] = entity.Object{
					"prompt_tokens":     evt.Response.Usage.InputTokens,
					"completion_tokens": evt.Response.Usage.OutputTokens,
					"total_tokens":      evt.Response.Usage.TotalTokens,
				}
			}
			return []entity.Object{chunk}, nil
		}
		return nil, nil
	}
	return nil, nil
}

func lastTool(st *llmswitch.StreamState) *llmswitch.ToolCallAssembly {
	var best *llmswitch.ToolCallAssembly
	for _, tc := range st.ToolCalls {
		if best == nil || tc.Index > best.Index {
			best = tc
		}
	}
	return best
}

// EncodeStreamFrame renders one canonical chunk as Responses stream events.
func (c *Codec) EncodeStreamFrame(chunk entity.Object, st *llmswitch.StreamState) ([]sse.Event, error) {
	var out []sse.Event

	if !st.RoleSent {
		st.RoleSent = true
		if st.ResponseID == "" {
			st.ResponseID = NewResponseID()
		}
		if model, ok := entity.GetString(chunk, "model"); ok && model != "" {
			st.Model = model
		}
		out = append(out, event("response.created", StreamEvent{
			Type: "response.created",
			Response: &Response{
				ID: st.ResponseID, Object: "response", Status: "in_progress",
				Model: st.Model, CreatedAt: time.Now().Unix(),
			},
		}))
	}

	delta, _ := llmswitch.ChunkDelta(chunk)

	if text, ok := entity.GetString(delta, "reasoning_content"); ok && text != "" {
		out = append(out, event("response.reasoning_summary_text.delta", StreamEvent{
			Type: "response.reasoning_summary_text.delta", Delta: text,
		}))
	}
	if text, ok := entity.GetString(delta, "content"); ok && text != "" {
		out = append(out, event("response.output_text.delta", StreamEvent{
			Type: "response.output_text.delta", Delta: text,
		}))
	}

	for _, call := range entity.ObjectSlice(delta, "tool_calls") {
		idx := 0
		if n, ok := entity.GetNumber(call, "index"); ok {
			idx = int(n)
		}
		tc := st.Tool(idx)
		tc.Index = idx
		if id, ok := entity.GetString(call, "id"); ok && id != "" {
			tc.ID = id
		}
		fn, _ := entity.GetObject(call, "function")
		if name, ok := entity.GetString(fn, "name"); ok && name != "" {
			tc.Name = name
		}
		if !tc.Started {
			tc.Started = true
			st.OutputIndex++
			out = append(out, event("response.output_item.added", StreamEvent{
				Type:        "response.output_item.added",
				OutputIndex: st.OutputIndex,
				Item: &Item{
					Type: "function_call", CallID: tc.ID, Name: tc.Name,
					ID: "fc_" + uuid.NewString(), Status: "in_progress",
				},
			}))
		}
		if args, ok := entity.GetString(fn, "arguments"); ok && args != "" {
			tc.Args.WriteString(args)
			out = append(out, event("response.function_call_arguments.delta", StreamEvent{
				Type: "response.function_call_arguments.delta", Delta: args,
			}))
		}
	}

	if fr := llmswitch.ChunkFinishReason(chunk); fr != "" {
		st.FinishReason = fr
		out = append(out, terminalEvents(st)...)
	}
	return out, nil
}

// FinishStream guarantees response.completed even on abrupt upstream end.
func (c *Codec) FinishStream(st *llmswitch.StreamState) []sse.Event {
	if st.Terminated {
		return nil
	}
	if st.FinishReason == "" {
		st.FinishReason = "stop"
	}
	return terminalEvents(st)
}

// terminalEvents emits response.required_action for tool rounds, otherwise
// response.completed with the assembled output.
func terminalEvents(st *llmswitch.StreamState) []sse.Event {
	st.Terminated = true
	resp := &Response{
		ID: st.ResponseID, Object: "response", Model: st.Model,
		CreatedAt: time.Now().Unix(),
	}
	if resp.ID == "" {
		resp.ID = NewResponseID()
		st.ResponseID = resp.ID
	}

	if st.FinishReason == "tool_calls" {
		var pending []PendingToolCall
		for _, tc := range sortedTools(st) {
			pending = append(pending, PendingToolCall{
				ID: tc.ID, Type: "function",
				Function: CallFunction{Name: tc.Name, Arguments: tc.Args.String()},
			})
		}
		resp.Status = "requires_action"
		resp.RequiredAction = &RequiredAction{
			Type:              "submit_tool_outputs",
			SubmitToolOutputs: &SubmitToolOutputs{ToolCalls: pending},
		}
		return []sse.Event{event("response.required_action", StreamEvent{
			Type: "response.required_action", Response: resp,
		})}
	}

	resp.Status = "completed"
	return []sse.Event{event("response.completed", StreamEvent{
		Type: "response.completed", Response: resp,
	})}
}

func sortedTools(st *llmswitch.StreamState) []*llmswitch.ToolCallAssembly {
	out := make([]*llmswitch.ToolCallAssembly, 0, len(st.ToolCalls))
	for _, tc := range st.ToolCalls {
		out = append(out, tc)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Index < out[i].Index {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// NewResponseID mints a Responses envelope id.
func NewResponseID() string {
	return "resp_" + uuid.NewString()
}

// itemText flattens message content (string or part array).
func itemText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []ContentPart
		if err := reparse(v, &parts); err != nil {
			return ""
		}
		var out string
		for _, p := range parts {
			out += p.Text
		}
		return out
	}
	return ""
}

// messageText flattens chat message content (string or part array).
func messageText(msg entity.Object) string {
	if s, ok := entity.GetString(msg, "content"); ok {
		return s
	}
	var out string
	if parts, ok := entity.GetSlice(msg, "content"); ok {
		for _, raw := range parts {
			if part, ok := raw.(map[string]any); ok {
				if t, _ := entity.GetString(part, "type"); t == "text" {
					txt, _ := entity.GetString(part, "text")
					out += txt
				}
			}
		}
	}
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
