package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/llmswitch"
	_ "github.com/routecodex/routecodex/internal/infrastructure/llmswitch/anthropicmsg"
	_ "github.com/routecodex/routecodex/internal/infrastructure/llmswitch/openaichat"
	_ "github.com/routecodex/routecodex/internal/infrastructure/llmswitch/responses"
	"github.com/routecodex/routecodex/internal/infrastructure/sse"
)

type capture struct {
	events []sse.Event
}

func (c *capture) WriteEvent(ev sse.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func chatChain(t *testing.T) *llmswitch.Chain {
	t.Helper()
	chain, err := llmswitch.NewChain(entity.ProtocolOpenAIChat, entity.ProtocolOpenAIChat)
	require.NoError(t, err)
	return chain
}

func obj(t *testing.T, raw string) entity.Object {
	t.Helper()
	o, err := entity.DecodeObject([]byte(raw))
	require.NoError(t, err)
	return o
}

func TestRelayStreamPassThroughTerminates(t *testing.T) {
	w := New(0, 0, zap.NewNop())
	out := &capture{}
	events := make(chan sse.Event, 4)
	events <- sse.Event{Data: `{"model":"glm-4.6","choices":[{"delta":{"content":"hi"},"finish_reason":null}]}`}
	// Upstream dies without [DONE].
	close(events)

	err := w.RelayStream(context.Background(), chatChain(t), events, out)
	require.NoError(t, err)

	require.NotEmpty(t, out.events)
	last := out.events[len(out.events)-1]
	assert.True(t, last.IsTerminal(), "client stream must be terminated")
}

func TestRelayStreamHeartbeatsBeforeFirstFrame(t *testing.T) {
	w := New(0, 10*time.Millisecond, zap.NewNop())
	out := &capture{}
	events := make(chan sse.Event)

	go func() {
		time.Sleep(60 * time.Millisecond)
		events <- sse.Event{Data: `{"choices":[{"delta":{"content":"x"},"finish_reason":null}]}`}
		close(events)
	}()

	require.NoError(t, w.RelayStream(context.Background(), chatChain(t), events, out))

	var comments int
	for _, ev := range out.events {
		if ev.IsComment() {
			comments++
		}
	}
	assert.GreaterOrEqual(t, comments, 1, "expected keepalive comments")
	assert.True(t, out.events[0].IsComment(), "heartbeat precedes data")
}

func TestRelayStreamCancellation(t *testing.T) {
	w := New(0, 0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan sse.Event)

	done := make(chan error, 1)
	go func() { done <- w.RelayStream(ctx, chatChain(t), events, &capture{}) }()

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on cancellation")
	}
}

func TestCollectStreamBuildsJSON(t *testing.T) {
	w := New(0, 0, zap.NewNop())
	events := make(chan sse.Event, 8)
	events <- sse.Event{Data: `{"model":"glm-4.6","choices":[{"delta":{"role":"assistant"},"finish_reason":null}]}`}
	events <- sse.Event{Data: `{"choices":[{"delta":{"content":"po"},"finish_reason":null}]}`}
	events <- sse.Event{Data: `{"choices":[{"delta":{"content":"ng"},"finish_reason":null}]}`}
	events <- sse.Event{Data: `{"choices":[{"delta":{},"finish_reason":"stop"}]}`}
	events <- sse.Done
	close(events)

	resp, err := w.CollectStream(context.Background(), chatChain(t), events)
	require.NoError(t, err)

	msg, ok := llmswitch.ResponseMessage(resp)
	require.True(t, ok)
	content, _ := entity.GetString(msg, "content")
	assert.Equal(t, "pong", content)
}

func TestCollectStreamAnthropicEntry(t *testing.T) {
	w := New(0, 0, zap.NewNop())
	chain, err := llmswitch.NewChain(entity.ProtocolAnthropic, entity.ProtocolOpenAIChat)
	require.NoError(t, err)

	events := make(chan sse.Event, 4)
	events <- sse.Event{Data: `{"model":"glm-4.6","choices":[{"delta":{"content":"hey"},"finish_reason":null}]}`}
	events <- sse.Event{Data: `{"choices":[{"delta":{},"finish_reason":"stop"}]}`}
	close(events)

	canonical, err := w.CollectStream(context.Background(), chain, events)
	require.NoError(t, err)
	resp, err := chain.Entry.EncodeResponse(canonical)
	require.NoError(t, err)
	typ, _ := entity.GetString(resp, "type")
	assert.Equal(t, "message", typ)
	stop, _ := entity.GetString(resp, "stop_reason")
	assert.Equal(t, "end_turn", stop)
}

func TestSynthesizeStreamChunksUTF8Safely(t *testing.T) {
	w := New(0, 0, zap.NewNop())
	out := &capture{}

	text := strings.Repeat("héllo wörld 你好 ", 10)
	canonical := obj(t, `{
		"id": "chatcmpl-9", "model": "glm-4.6",
		"choices": [{"index": 0, "finish_reason": "stop",
			"message": {"role": "assistant", "content": ""}}]
	}`)
	msg, _ := llmswitch.ResponseMessage(canonical)
	msg["content"] = text

	require.NoError(t, w.SynthesizeStream(context.Background(), chatChain(t), canonical, out))

	var rebuilt strings.Builder
	var finishes int
	for _, ev := range out.events {
		if ev.IsTerminal() {
			continue
		}
		chunk := obj(t, ev.Data)
		if delta, ok := llmswitch.ChunkDelta(chunk); ok {
			if s, ok := entity.GetString(delta, "content"); ok {
				assert.True(t, strings.ToValidUTF8(s, "") == s, "delta must be valid UTF-8")
				rebuilt.WriteString(s)
			}
		}
		if llmswitch.ChunkFinishReason(chunk) != "" {
			finishes++
		}
	}
	assert.Equal(t, text, rebuilt.String())
	assert.Equal(t, 1, finishes, "finish_reason only on the last chunk")
	assert.True(t, out.events[len(out.events)-1].IsTerminal())
}

func TestSynthesizeStreamEmitsToolCalls(t *testing.T) {
	w := New(0, 0, zap.NewNop())
	out := &capture{}
	canonical := obj(t, `{
		"id": "chatcmpl-9", "model": "glm-4.6",
		"choices": [{"index": 0, "finish_reason": "tool_calls",
			"message": {"role": "assistant", "content": "",
				"tool_calls": [{"id": "c1", "type": "function",
					"function": {"name": "echo", "arguments": "{\"text\":\"hi\"}"}}]}}]
	}`)

	require.NoError(t, w.SynthesizeStream(context.Background(), chatChain(t), canonical, out))

	var sawTool bool
	for _, ev := range out.events {
		if ev.IsTerminal() {
			continue
		}
		if delta, ok := llmswitch.ChunkDelta(obj(t, ev.Data)); ok {
			if _, ok := entity.GetSlice(delta, "tool_calls"); ok {
				sawTool = true
			}
		}
	}
	assert.True(t, sawTool)
}
