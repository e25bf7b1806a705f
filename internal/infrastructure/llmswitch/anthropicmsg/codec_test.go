package anthropicmsg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/llmswitch"
	"github.com/routecodex/routecodex/internal/infrastructure/sse"
)

func obj(t *testing.T, raw string) entity.Object {
	t.Helper()
	o, err := entity.DecodeObject([]byte(raw))
	require.NoError(t, err)
	return o
}

func TestDecodeRequestBasics(t *testing.T) {
	c := &Codec{}
	out, err := c.DecodeRequest(obj(t, `{
		"model": "claude-sonnet-4",
		"max_tokens": 1024,
		"system": "be brief",
		"messages": [{"role": "user", "content": "ping"}],
		"tools": [{"name": "add", "input_schema": {"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}}]
	}`))
	require.NoError(t, err)

	msgs := entity.ObjectSlice(out, "messages")
	require.Len(t, msgs, 2)
	role, _ := entity.GetString(msgs[0], "role")
	assert.Equal(t, "system", role)
	content, _ := entity.GetString(msgs[1], "content")
	assert.Equal(t, "ping", content)

	tools := entity.ObjectSlice(out, "tools")
	require.Len(t, tools, 1)
	fn, _ := entity.GetObject(tools[0], "function")
	name, _ := entity.GetString(fn, "name")
	assert.Equal(t, "add", name)
	params, ok := entity.GetObject(fn, "parameters")
	require.True(t, ok)
	assert.Contains(t, params, "required")
}

func TestDecodeRequestToolResultBecomesToolMessage(t *testing.T) {
	c := &Codec{}
	out, err := c.DecodeRequest(obj(t, `{
		"model": "claude-sonnet-4",
		"messages": [
			{"role": "assistant", "content": [{"type": "tool_use", "id": "tu_1", "name": "add", "input": {"a": 1, "b": 2}}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "tu_1", "content": "3"}]}
		]
	}`))
	require.NoError(t, err)

	msgs := entity.ObjectSlice(out, "messages")
	require.Len(t, msgs, 2)

	calls := entity.ObjectSlice(msgs[0], "tool_calls")
	require.Len(t, calls, 1)
	fn, _ := entity.GetObject(calls[0], "function")
	args, _ := entity.GetString(fn, "arguments")
	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(args), &parsed))
	assert.Equal(t, float64(1), parsed["a"])

	role, _ := entity.GetString(msgs[1], "role")
	assert.Equal(t, "tool", role)
	id, _ := entity.GetString(msgs[1], "tool_call_id")
	assert.Equal(t, "tu_1", id)
}

func TestRequestRoundTrip(t *testing.T) {
	c := &Codec{}
	in := obj(t, `{
		"model": "claude-sonnet-4",
		"max_tokens": 2048,
		"system": "helper",
		"messages": [{"role": "user", "content": "hello"}]
	}`)
	canonical, err := c.DecodeRequest(in)
	require.NoError(t, err)
	back, err := c.EncodeRequest(canonical)
	require.NoError(t, err)

	model, _ := entity.GetString(back, "model")
	assert.Equal(t, "claude-sonnet-4", model)
	sys, _ := entity.GetString(back, "system")
	assert.Equal(t, "helper", sys)
	n, _ := entity.GetNumber(back, "max_tokens")
	assert.Equal(t, float64(2048), n)
}

func TestEncodeRequestDefaultsMaxTokens(t *testing.T) {
	c := &Codec{}
	out, err := c.EncodeRequest(obj(t, `{"model": "claude", "messages": [{"role":"user","content":"x"}]}`))
	require.NoError(t, err)
	n, _ := entity.GetNumber(out, "max_tokens")
	assert.Equal(t, float64(defaultMaxTokens), n)
}

func TestEncodeResponseToolUseInput(t *testing.T) {
	// Scenario: upstream OpenAI-compatible; client Anthropic. tool_use input
	// must be the parsed object, not the stringified arguments.
	c := &Codec{}
	out, err := c.EncodeResponse(obj(t, `{
		"id": "chatcmpl-1", "model": "gpt-4o",
		"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
			"role": "assistant", "content": "",
			"tool_calls": [{"id": "call_1", "type": "function",
				"function": {"name": "add", "arguments": "{\"a\":1,\"b\":2}"}}]
		}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5}
	}`))
	require.NoError(t, err)

	blocks, ok := entity.GetSlice(out, "content")
	require.True(t, ok)
	require.Len(t, blocks, 1)
	block := blocks[0].(map[string]any)
	typ, _ := entity.GetString(block, "type")
	assert.Equal(t, "tool_use", typ)
	input, ok := entity.GetObject(block, "input")
	require.True(t, ok)
	assert.Equal(t, float64(1), input["a"])
	assert.Equal(t, float64(2), input["b"])

	stop, _ := entity.GetString(out, "stop_reason")
	assert.Equal(t, "tool_use", stop)
}

func TestDecodeResponsePromotesThinking(t *testing.T) {
	c := &Codec{}
	out, err := c.DecodeResponse(obj(t, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude",
		"content": [{"type": "thinking", "thinking": "hmm"}, {"type": "text", "text": "done"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 3, "output_tokens": 4}
	}`))
	require.NoError(t, err)

	msg, ok := llmswitch.ResponseMessage(out)
	require.True(t, ok)
	reasoning, _ := entity.GetString(msg, "reasoning_content")
	assert.Equal(t, "hmm", reasoning)
	content, _ := entity.GetString(msg, "content")
	assert.Equal(t, "done", content)
	assert.Equal(t, "stop", llmswitch.FinishReason(out))
}

func TestDecodeStreamFrames(t *testing.T) {
	c := &Codec{}
	st := llmswitch.NewStreamState()

	chunks, err := c.DecodeStreamFrame(sse.Event{Name: "message_start",
		Data: `{"type":"message_start","message":{"model":"claude-sonnet-4"}}`}, st)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "claude-sonnet-4", st.Model)

	chunks, err = c.DecodeStreamFrame(sse.Event{Name: "content_block_delta",
		Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`}, st)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	delta, _ := llmswitch.ChunkDelta(chunks[0])
	text, _ := entity.GetString(delta, "content")
	assert.Equal(t, "hi", text)

	chunks, err = c.DecodeStreamFrame(sse.Event{Name: "message_delta",
		Data: `{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`}, st)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "stop", llmswitch.ChunkFinishReason(chunks[0]))

	_, err = c.DecodeStreamFrame(sse.Event{Name: "message_stop", Data: `{"type":"message_stop"}`}, st)
	require.NoError(t, err)
	assert.True(t, st.Terminated)
}

func TestEncodeStreamEmitsMessageLifecycle(t *testing.T) {
	c := &Codec{}
	st := llmswitch.NewStreamState()
	chunkSt := llmswitch.NewStreamState()
	chunkSt.Model = "gpt-4o"

	frames, err := c.EncodeStreamFrame(llmswitch.Chunk(chunkSt, llmswitch.DeltaContent("hel"), ""), st)
	require.NoError(t, err)
	var names []string
	for _, f := range frames {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"message_start", "content_block_start", "content_block_delta"}, names)

	frames, err = c.EncodeStreamFrame(llmswitch.Chunk(chunkSt, entity.Object{}, "stop"), st)
	require.NoError(t, err)
	names = names[:0]
	for _, f := range frames {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"content_block_stop", "message_delta", "message_stop"}, names)
	assert.True(t, st.Terminated)

	// FinishStream after terminal frames is a no-op.
	assert.Empty(t, c.FinishStream(st))
}

func TestFinishStreamAfterAbruptEnd(t *testing.T) {
	c := &Codec{}
	st := llmswitch.NewStreamState()
	st.RoleSent = true
	st.BlockType = "text"

	frames := c.FinishStream(st)
	require.Len(t, frames, 3)
	assert.Equal(t, "content_block_stop", frames[0].Name)
	assert.Equal(t, "message_delta", frames[1].Name)
	assert.Equal(t, "message_stop", frames[2].Name)
}
