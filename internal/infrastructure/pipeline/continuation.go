package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/llmswitch"
	"github.com/routecodex/routecodex/internal/infrastructure/llmswitch/responses"
	"github.com/routecodex/routecodex/internal/infrastructure/toolgov"
	"github.com/routecodex/routecodex/internal/infrastructure/transport"
	"github.com/routecodex/routecodex/internal/infrastructure/workflow"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// registerContinuation stores tool-loop state for a buffered response on the
// Responses entry protocol. Returns the response id the client must use with
// submit_tool_outputs, or empty when no continuation applies.
func (e *Engine) registerContinuation(
	req *entity.Request,
	target entity.Target,
	canonicalReq, canonicalResp entity.Object,
	identity transport.SessionIdentity,
) string {
	if req.EntryProtocol != entity.ProtocolOpenAIResponses {
		return ""
	}
	if llmswitch.FinishReason(canonicalResp) != "tool_calls" {
		return ""
	}
	msg, ok := llmswitch.ResponseMessage(canonicalResp)
	if !ok {
		return ""
	}

	responseID := responses.NewResponseID()
	conversation := entity.Clone(canonicalReq)
	msgs, _ := entity.GetSlice(conversation, "messages")
	conversation["messages"] = append(msgs, entity.Clone(msg))

	names := make(map[string]string)
	for _, call := range entity.ObjectSlice(msg, "tool_calls") {
		id, _ := entity.GetString(call, "id")
		if fn, ok := entity.GetObject(call, "function"); ok {
			name, _ := entity.GetString(fn, "name")
			names[id] = name
		}
	}

	if err := e.pending.Put(&Continuation{
		ResponseID:    responseID,
		Target:        target,
		Canonical:     conversation,
		ToolCallNames: names,
		Identity:      identity,
	}); err != nil {
		e.logger.Warn("Tool-loop registration refused",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return ""
	}
	return responseID
}

// registerStreamContinuation does the same after a relayed stream ended in a
// tool round: the assistant turn is reassembled from the provider-side frame
// state and each call is normalized before storage.
func (e *Engine) registerStreamContinuation(
	req *entity.Request,
	target entity.Target,
	chain *llmswitch.Chain,
	canonicalReq entity.Object,
	identity transport.SessionIdentity,
) {
	if req.EntryProtocol != entity.ProtocolOpenAIResponses {
		return
	}
	entrySt := chain.EntryStreamState()
	providerSt := chain.ProviderStreamState()
	if entrySt.FinishReason != "tool_calls" && providerSt.FinishReason != "tool_calls" {
		return
	}
	responseID := entrySt.ResponseID
	if responseID == "" {
		return
	}

	var calls []any
	names := make(map[string]string)
	for i := 0; i < len(providerSt.ToolCalls); i++ {
		var tc *llmswitch.ToolCallAssembly
		for _, cand := range providerSt.ToolCalls {
			if cand.Index == i {
				tc = cand
				break
			}
		}
		if tc == nil {
			continue
		}
		args := tc.Args.String()
		if normalized, err := toolgov.NormalizeCall(tc.Name, args); err == nil {
			args = normalized
		} else if ge, ok := gwerrors.As(err); ok {
			e.sink.CaptureFailure(tc.Name, ge.Reason, req.RequestID, entity.Object{
				"name": tc.Name, "arguments": tc.Args.String(),
			})
		}
		calls = append(calls, entity.Object{
			"id":   tc.ID,
			"type": "function",
			"function": entity.Object{
				"name":      tc.Name,
				"arguments": args,
			},
		})
		names[tc.ID] = tc.Name
	}
	if len(calls) == 0 {
		return
	}

	conversation := entity.Clone(canonicalReq)
	msgs, _ := entity.GetSlice(conversation, "messages")
	conversation["messages"] = append(msgs, entity.Object{
		"role":       "assistant",
		"content":    "",
		"tool_calls": calls,
	})

	if err := e.pending.Put(&Continuation{
		ResponseID:    responseID,
		Target:        target,
		Canonical:     conversation,
		ToolCallNames: names,
		Identity:      identity,
	}); err != nil {
		e.logger.Warn("Tool-loop registration refused",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	}
}

// SubmitToolOutputs resumes a paused tool loop: the continuation is claimed,
// the client's outputs are appended as tool turns, and a second upstream call
// runs against the pinned target.
func (e *Engine) SubmitToolOutputs(
	ctx context.Context,
	req *entity.Request,
	responseID string,
	out workflow.StreamWriter,
) (entity.Object, error) {
	cont, ok := e.pending.Claim(responseID)
	if !ok {
		return nil, gwerrors.NewBadRequest("unknown or expired response id " + responseID)
	}

	outputs, ok := entity.GetSlice(req.Body, "tool_outputs")
	if !ok || len(outputs) == 0 {
		return nil, gwerrors.NewBadRequest("tool_outputs must be a non-empty array")
	}

	canonical := entity.Clone(cont.Canonical)
	msgs, _ := entity.GetSlice(canonical, "messages")
	for _, raw := range outputs {
		output, ok := raw.(map[string]any)
		if !ok {
			return nil, gwerrors.NewBadRequest("tool_outputs entries must be objects")
		}
		callID, _ := entity.GetString(output, "tool_call_id")
		if callID == "" {
			return nil, gwerrors.NewBadRequest("tool_outputs entries need tool_call_id")
		}
		if _, known := cont.ToolCallNames[callID]; !known {
			return nil, gwerrors.NewBadRequest("tool_call_id " + callID + " does not belong to this response")
		}
		text, _ := entity.GetString(output, "output")
		msgs = append(msgs, entity.Object{
			"role":         "tool",
			"tool_call_id": callID,
			"content":      text,
		})
	}
	canonical["messages"] = msgs

	identity := cont.Identity
	if !e.ua.PersistSession {
		identity = transport.SessionIdentity{}
	}

	return e.run(ctx, req, []entity.Target{cont.Target}, canonical, identity, out)
}

// DropContinuation removes pending state when the client goes away.
func (e *Engine) DropContinuation(responseID string) {
	e.pending.Drop(responseID)
}
