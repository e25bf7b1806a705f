package openaichat

import (
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

func TestDecodeRequestValidation(t *testing.T) {
	c := &Codec{}

	_, err := c.DecodeRequest(obj(t, `{"messages": [{"role":"user","content":"x"}]}`))
	assert.Error(t, err, "missing model")

	_, err = c.DecodeRequest(obj(t, `{"model": "glm-4.6", "messages": []}`))
	assert.Error(t, err, "empty messages")

	out, err := c.DecodeRequest(obj(t, `{"model": "glm-4.6", "messages": [{"role":"user","content":"ping"}]}`))
	require.NoError(t, err)
	model, _ := entity.GetString(out, "model")
	assert.Equal(t, "glm-4.6", model)
}

func TestDecodeResponseStringifiesObjectArguments(t *testing.T) {
	c := &Codec{}
	out, err := c.DecodeResponse(obj(t, `{
		"choices": [{"message": {"role": "assistant",
			"tool_calls": [{"id": "c1", "type": "function",
				"function": {"name": "add", "arguments": {"a": 1}}}]}}]
	}`))
	require.NoError(t, err)

	msg, _ := llmswitch.ResponseMessage(out)
	calls := entity.ObjectSlice(msg, "tool_calls")
	fn, _ := entity.GetObject(calls[0], "function")
	args, ok := entity.GetString(fn, "arguments")
	require.True(t, ok, "arguments must be a JSON string")
	assert.JSONEq(t, `{"a":1}`, args)
}

func TestDecodeStreamFrameTracksFinish(t *testing.T) {
	c := &Codec{}
	st := llmswitch.NewStreamState()

	chunks, err := c.DecodeStreamFrame(sse.Event{Data: `{"model":"glm-4.6","choices":[{"delta":{"content":"hi"},"finish_reason":null}]}`}, st)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "glm-4.6", st.Model)

	_, err = c.DecodeStreamFrame(sse.Event{Data: `{"choices":[{"delta":{},"finish_reason":"stop"}]}`}, st)
	require.NoError(t, err)
	assert.Equal(t, "stop", st.FinishReason)

	chunks, err = c.DecodeStreamFrame(sse.Event{Data: "[DONE]"}, st)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.True(t, st.Terminated)
}

func TestFinishStreamSynthesizesTerminal(t *testing.T) {
	c := &Codec{}
	st := llmswitch.NewStreamState()

	frames := c.FinishStream(st)
	require.Len(t, frames, 2, "finish chunk then [DONE]")
	assert.Equal(t, "stop", llmswitch.ChunkFinishReason(obj(t, frames[0].Data)))
	assert.True(t, frames[1].IsTerminal())

	assert.Empty(t, c.FinishStream(st), "idempotent")
}

func TestFinishStreamAfterUpstreamFinish(t *testing.T) {
	c := &Codec{}
	st := llmswitch.NewStreamState()
	st.FinishReason = "stop"

	frames := c.FinishStream(st)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].IsTerminal())
}

func TestCollectorAssemblesFinalResponse(t *testing.T) {
	col := llmswitch.NewCollector()
	st := llmswitch.NewStreamState()
	st.Model = "glm-4.6"

	col.Add(llmswitch.Chunk(st, llmswitch.DeltaRole(), ""))
	col.Add(llmswitch.Chunk(st, llmswitch.DeltaContent("po"), ""))
	col.Add(llmswitch.Chunk(st, llmswitch.DeltaContent("ng"), ""))
	col.Add(llmswitch.Chunk(st, entity.Object{}, "stop"))

	resp := col.Response()
	msg, ok := llmswitch.ResponseMessage(resp)
	require.True(t, ok)
	content, _ := entity.GetString(msg, "content")
	assert.Equal(t, "pong", content)
	assert.Equal(t, "stop", llmswitch.FinishReason(resp))
}

func TestCollectorAssemblesToolCalls(t *testing.T) {
	col := llmswitch.NewCollector()
	st := llmswitch.NewStreamState()

	col.Add(llmswitch.Chunk(st, llmswitch.DeltaToolCall(0, "call_1", "echo", `{"te`), ""))
	col.Add(llmswitch.Chunk(st, llmswitch.DeltaToolCall(0, "", "", `xt":"ping"}`), ""))
	col.Add(llmswitch.Chunk(st, entity.Object{}, "tool_calls"))

	resp := col.Response()
	msg, _ := llmswitch.ResponseMessage(resp)
	calls := entity.ObjectSlice(msg, "tool_calls")
	require.Len(t, calls, 1)
	fn, _ := entity.GetObject(calls[0], "function")
	args, _ := entity.GetString(fn, "arguments")
	assert.JSONEq(t, `{"text":"ping"}`, args)
	assert.Equal(t, "tool_calls", llmswitch.FinishReason(resp))
}

func TestChainAnthropicEntryToChatProvider(t *testing.T) {
	chain, err := llmswitch.NewChain(entity.ProtocolAnthropic, entity.ProtocolOpenAIChat)
	require.NoError(t, err)

	out, err := chain.RequestToProvider(obj(t, `{
		"model": "glm-4.6", "max_tokens": 512,
		"messages": [{"role": "user", "content": "ping"}]
	}`))
	require.NoError(t, err)
	msgs := entity.ObjectSlice(out, "messages")
	require.Len(t, msgs, 1)

	resp, err := chain.ResponseToEntry(obj(t, `{
		"id": "chatcmpl-2", "model": "glm-4.6",
		"choices": [{"index": 0, "finish_reason": "stop",
			"message": {"role": "assistant", "content": "pong"}}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
	}`))
	require.NoError(t, err)
	typ, _ := entity.GetString(resp, "type")
	assert.Equal(t, "message", typ)
	blocks, _ := entity.GetSlice(resp, "content")
	require.Len(t, blocks, 1)
}
