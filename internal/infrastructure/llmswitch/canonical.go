package llmswitch

import (
	"time"

	"github.com/google/uuid"
	"github.com/routecodex/routecodex/internal/domain/entity"
)

// Canonical form helpers. The canonical request/response/chunk shapes are the
// OpenAI Chat ones; codecs for the other protocols build and consume these
// objects through the constructors below so field spelling lives in one place.

// NewCompletionID mints a chat.completion id.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// Chunk builds a canonical chat.completion.chunk with one choice.
func Chunk(st *StreamState, delta entity.Object, finishReason string) entity.Object {
	if st.MessageID == "" {
		st.MessageID = NewCompletionID()
	}
	if st.Created == 0 {
		st.Created = time.Now().Unix()
	}
	choice := entity.Object{
		"index": 0,
		"delta": delta,
	}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	} else {
		choice["finish_reason"] = nil
	}
	return entity.Object{
		"id":      st.MessageID,
		"object":  "chat.completion.chunk",
		"created": st.Created,
		"model":   st.Model,
		"choices": []any{choice},
	}
}

// DeltaContent builds a text delta.
func DeltaContent(text string) entity.Object {
	return entity.Object{"content": text}
}

// DeltaReasoning builds a reasoning/thinking delta.
func DeltaReasoning(text string) entity.Object {
	return entity.Object{"reasoning_content": text}
}

// DeltaRole builds the leading role delta.
func DeltaRole() entity.Object {
	return entity.Object{"role": "assistant"}
}

// DeltaToolCall builds a tool-call fragment delta. id and name are only set
// on the first fragment of a call; args carries the incremental JSON text.
func DeltaToolCall(index int, id, name, args string) entity.Object {
	call := entity.Object{
		"index": index,
		"type":  "function",
		"function": entity.Object{
			"arguments": args,
		},
	}
	if id != "" {
		call["id"] = id
	}
	if name != "" {
		fn := call["function"].(entity.Object)
		fn["name"] = name
	}
	return entity.Object{"tool_calls": []any{call}}
}

// ChunkDelta extracts the first choice's delta from a canonical chunk.
func ChunkDelta(chunk entity.Object) (entity.Object, bool) {
	choices, ok := entity.GetSlice(chunk, "choices")
	if !ok || len(choices) == 0 {
		return nil, false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return nil, false
	}
	return entity.GetObject(choice, "delta")
}

// ChunkFinishReason extracts the first choice's finish_reason, if set.
func ChunkFinishReason(chunk entity.Object) string {
	choices, ok := entity.GetSlice(chunk, "choices")
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	fr, _ := entity.GetString(choice, "finish_reason")
	return fr
}

// ResponseMessage extracts choices[0].message from a canonical response.
func ResponseMessage(resp entity.Object) (entity.Object, bool) {
	choices, ok := entity.GetSlice(resp, "choices")
	if !ok || len(choices) == 0 {
		return nil, false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return nil, false
	}
	return entity.GetObject(choice, "message")
}

// FinishReason extracts choices[0].finish_reason from a canonical response.
func FinishReason(resp entity.Object) string {
	choices, ok := entity.GetSlice(resp, "choices")
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	fr, _ := entity.GetString(choice, "finish_reason")
	return fr
}
