package llmswitch

import (
	"strings"
	"time"

	"github.com/routecodex/routecodex/internal/domain/entity"
)

// Collector folds canonical chunks into a final canonical chat response.
// Used when the upstream streams but the client asked for plain JSON.
type Collector struct {
	id           string
	model        string
	content      strings.Builder
	reasoning    strings.Builder
	finishReason string
	usage        entity.Object
	tools        map[int]*ToolCallAssembly
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{tools: make(map[int]*ToolCallAssembly)}
}

// Add folds one canonical chunk.
func (c *Collector) Add(chunk entity.Object) {
	if id, ok := entity.GetString(chunk, "id"); ok && c.id == "" {
		c.id = id
	}
	if model, ok := entity.GetString(chunk, "model"); ok && model != "" {
		c.model = model
	}
	if usage, ok := entity.GetObject(chunk, "usage"); ok {
		c.usage = usage
	}
	if fr := ChunkFinishReason(chunk); fr != "" {
		c.finishReason = fr
	}

	delta, ok := ChunkDelta(chunk)
	if !ok {
		return
	}
	if text, ok := entity.GetString(delta, "content"); ok {
		c.content.WriteString(text)
	}
	if text, ok := entity.GetString(delta, "reasoning_content"); ok {
		c.reasoning.WriteString(text)
	}
	for _, call := range entity.ObjectSlice(delta, "tool_calls") {
		idx := 0
		if n, ok := entity.GetNumber(call, "index"); ok {
			idx = int(n)
		}
		tc, exists := c.tools[idx]
		if !exists {
			tc = &ToolCallAssembly{Index: idx}
			c.tools[idx] = tc
		}
		if id, ok := entity.GetString(call, "id"); ok && id != "" {
			tc.ID = id
		}
		if fn, ok := entity.GetObject(call, "function"); ok {
			if name, ok := entity.GetString(fn, "name"); ok && name != "" {
				tc.Name = name
			}
			if args, ok := entity.GetString(fn, "arguments"); ok {
				tc.Args.WriteString(args)
			}
		}
	}
}

// Response assembles the final canonical chat response.
func (c *Collector) Response() entity.Object {
	msg := entity.Object{
		"role":    "assistant",
		"content": c.content.String(),
	}
	if c.reasoning.Len() > 0 {
		msg["reasoning_content"] = c.reasoning.String()
	}
	if len(c.tools) > 0 {
		calls := make([]any, 0, len(c.tools))
		for i := 0; i < len(c.tools); i++ {
			tc, ok := c.tools[i]
			if !ok {
				continue
			}
			calls = append(calls, entity.Object{
				"id":   tc.ID,
				"type": "function",
				"function": entity.Object{
					"name":      tc.Name,
					"arguments": tc.Args.String(),
				},
			})
		}
		msg["tool_calls"] = calls
	}

	finish := c.finishReason
	if finish == "" {
		if len(c.tools) > 0 {
			finish = "tool_calls"
		} else {
			finish = "stop"
		}
	}

	id := c.id
	if id == "" {
		id = NewCompletionID()
	}
	out := entity.Object{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   c.model,
		"choices": []any{entity.Object{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
	}
	if c.usage != nil {
		out["usage"] = c.usage
	}
	return out
}
