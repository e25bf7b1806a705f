// Package toolgov canonicalizes model-emitted tool calls. Tools with a known
// strict shape (apply_patch, exec_command, shell) are normalized and
// validated; a call that cannot be brought into shape fails the request with
// a typed error carrying a machine-readable reason, so the client model can
// regenerate on the next turn.
package toolgov

import (
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/snapshot"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// Normalizer applies governance to canonical chat responses.
type Normalizer struct {
	sink            *snapshot.Sink
	extractFromText bool
	logger          *zap.Logger
}

// NewNormalizer creates a normalizer. extractFromText opts in to recovering
// tool calls embedded in assistant content as markup.
func NewNormalizer(sink *snapshot.Sink, extractFromText bool, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		sink:            sink,
		extractFromText: extractFromText,
		logger:          logger.With(zap.String("component", "toolgov")),
	}
}

// NormalizeResponse canonicalizes every tool call of a canonical chat
// response in place. When the response carries no tool_calls and text
// extraction is enabled, a single call may be recovered from recognized
// content markup.
func (n *Normalizer) NormalizeResponse(requestID string, resp entity.Object) error {
	msg, ok := llmswitchMessage(resp)
	if !ok {
		return nil
	}

	calls := entity.ObjectSlice(msg, "tool_calls")
	if len(calls) == 0 && n.extractFromText {
		if extracted := n.extract(requestID, msg); extracted != nil {
			return extracted
		}
		return nil
	}

	for _, call := range calls {
		fn, ok := entity.GetObject(call, "function")
		if !ok {
			continue
		}
		name, _ := entity.GetString(fn, "name")
		args, _ := entity.GetString(fn, "arguments")

		normalized, err := NormalizeCall(name, args)
		if err != nil {
			ge, _ := gwerrors.As(err)
			n.sink.CaptureFailure(name, ge.Reason, requestID, entity.Object{
				"name":      name,
				"arguments": args,
			})
			n.logger.Warn("Tool call rejected",
				zap.String("request_id", requestID),
				zap.String("tool", name),
				zap.String("reason", ge.Reason),
			)
			return err
		}
		fn["arguments"] = normalized
	}
	return nil
}

// extract attempts text-markup recovery; returns a non-nil error only when a
// recognized markup matched but its payload violated the tool shape.
func (n *Normalizer) extract(requestID string, msg entity.Object) error {
	content, ok := entity.GetString(msg, "content")
	if !ok || content == "" {
		return nil
	}
	call, rest, matched := ExtractFromContent(content)
	if !matched {
		return nil
	}

	normalized, err := NormalizeCall(call.Name, call.Arguments)
	if err != nil {
		ge, _ := gwerrors.As(err)
		n.sink.CaptureFailure(call.Name, ge.Reason, requestID, entity.Object{
			"name":      call.Name,
			"arguments": call.Arguments,
			"source":    "text_markup",
		})
		return err
	}

	msg["content"] = rest
	msg["tool_calls"] = []any{entity.Object{
		"id":   call.ID,
		"type": "function",
		"function": entity.Object{
			"name":      call.Name,
			"arguments": normalized,
		},
	}}
	n.logger.Debug("Tool call extracted from content markup",
		zap.String("request_id", requestID),
		zap.String("tool", call.Name),
	)
	return nil
}

// NormalizeCall canonicalizes the arguments of one tool call. Tools without a
// registered strict shape pass through unchanged.
func NormalizeCall(name, args string) (string, error) {
	switch name {
	case "apply_patch":
		return normalizeApplyPatch(args)
	case "exec_command", "shell":
		return normalizeExec(args)
	default:
		return args, nil
	}
}

// llmswitchMessage extracts choices[0].message without importing llmswitch
// (governance runs on canonical bodies only).
func llmswitchMessage(resp entity.Object) (entity.Object, bool) {
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
