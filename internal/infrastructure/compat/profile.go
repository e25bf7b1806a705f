// Package compat applies per-provider quirks as declarative profiles. A
// profile is a list of data-described transforms; onboarding a provider is a
// matter of adding a profile, not code. Profiles are idempotent: applying one
// twice equals applying it once.
package compat

import (
	"strings"

	"github.com/routecodex/routecodex/internal/domain/entity"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// Profile is one provider's transform set, applied in declaration order.
type Profile struct {
	Name string `json:"name"`

	// Request-side transforms.
	DropFields           []string          `json:"drop_fields,omitempty"`
	RenameFields         map[string]string `json:"rename_fields,omitempty"`
	ToolSchemaPatches    []SchemaPatch     `json:"tool_schema_patches,omitempty"`
	SystemPromptOverride string            `json:"system_prompt_override,omitempty"`
	SystemPromptPrefix   string            `json:"system_prompt_prefix,omitempty"`
	ThinkingPayload      entity.Object     `json:"thinking_payload,omitempty"`
	StripUnsupported     []string          `json:"strip_unsupported,omitempty"`

	// Transport hints.
	RateLimitHints *RateHint `json:"rate_limit_hints,omitempty"`

	// Response-side rewrites.
	PromoteReasoningField string `json:"promote_reasoning_field,omitempty"` // e.g. "reasoning"
}

// SchemaPatch rewrites one property of one tool's parameter schema.
type SchemaPatch struct {
	Tool     string        `json:"tool"`     // tool name, "*" for all
	Property string        `json:"property"` // property key under parameters.properties
	Schema   entity.Object `json:"schema"`   // replacement JSON schema
}

// RateHint suggests a default per-credential rate limit.
type RateHint struct {
	RPM   int `json:"rpm"`
	Burst int `json:"burst"`
}

// ApplyRequest runs the request-side transforms on a copy of body.
func (p *Profile) ApplyRequest(body entity.Object) (entity.Object, error) {
	out := entity.Clone(body)

	for _, f := range p.DropFields {
		delete(out, f)
	}
	for from, to := range p.RenameFields {
		if v, ok := out[from]; ok {
			out[to] = v
			delete(out, from)
		}
	}
	for _, f := range p.StripUnsupported {
		delete(out, f)
	}

	// Empty tools arrays are never forwarded; several providers reject them.
	if tools, ok := entity.GetSlice(out, "tools"); ok && len(tools) == 0 {
		delete(out, "tools")
		delete(out, "tool_choice")
	}

	for _, patch := range p.ToolSchemaPatches {
		applySchemaPatch(out, patch)
	}

	if p.SystemPromptOverride != "" {
		setSystemPrompt(out, p.SystemPromptOverride, true)
	} else if p.SystemPromptPrefix != "" {
		setSystemPrompt(out, p.SystemPromptPrefix, false)
	}

	if len(p.ThinkingPayload) > 0 {
		if _, exists := out["thinking"]; !exists {
			out["thinking"] = entity.Clone(p.ThinkingPayload)
		}
	}

	return out, nil
}

// RewriteResponse normalizes provider-specific error envelopes into the
// gateway taxonomy and promotes non-standard reasoning fields. A nil error
// return means the body is an ordinary response.
func (p *Profile) RewriteResponse(status int, body entity.Object) error {
	if errObj, ok := entity.GetObject(body, "error"); ok {
		return p.mapErrorEnvelope(status, errObj)
	}

	if p.PromoteReasoningField != "" {
		for _, raw := range promotableMessages(body) {
			if v, ok := entity.GetString(raw, p.PromoteReasoningField); ok && v != "" {
				if _, has := raw["reasoning_content"]; !has {
					raw["reasoning_content"] = v
				}
				delete(raw, p.PromoteReasoningField)
			}
		}
	}
	return nil
}

// mapErrorEnvelope folds provider error objects into typed gateway errors.
func (p *Profile) mapErrorEnvelope(status int, errObj entity.Object) error {
	msg, _ := entity.GetString(errObj, "message")
	code, _ := entity.GetString(errObj, "code")
	if code == "" {
		code, _ = entity.GetString(errObj, "type")
	}

	switch {
	case strings.Contains(code, "MALFORMED_FUNCTION_CALL"),
		strings.Contains(msg, "MALFORMED_FUNCTION_CALL"):
		return gwerrors.NewToolShape(msg, "malformed_function_call")
	case status == 401 || status == 403:
		return gwerrors.NewAuthError(msg, nil)
	case status == 429:
		return gwerrors.NewRateLimited(msg, 0)
	case status >= 500:
		return gwerrors.NewUpstreamTransient(msg, nil)
	case status >= 400:
		return gwerrors.NewUpstreamRejected(msg, code)
	}
	return nil
}

// applySchemaPatch replaces one property schema in matching tools.
func applySchemaPatch(body entity.Object, patch SchemaPatch) {
	for _, tool := range entity.ObjectSlice(body, "tools") {
		fn, ok := entity.GetObject(tool, "function")
		if !ok {
			continue
		}
		name, _ := entity.GetString(fn, "name")
		if patch.Tool != "*" && patch.Tool != name {
			continue
		}
		params, ok := entity.GetObject(fn, "parameters")
		if !ok {
			continue
		}
		props, ok := entity.GetObject(params, "properties")
		if !ok {
			continue
		}
		if _, exists := props[patch.Property]; exists {
			props[patch.Property] = entity.Clone(patch.Schema)
		}
	}
}

// setSystemPrompt overrides or prefixes the system message. Prefixing is
// idempotent: an already-prefixed prompt is left alone.
func setSystemPrompt(body entity.Object, text string, override bool) {
	msgs, ok := entity.GetSlice(body, "messages")
	if !ok {
		return
	}
	for _, raw := range msgs {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := entity.GetString(msg, "role"); role != "system" {
			continue
		}
		content, _ := entity.GetString(msg, "content")
		if override {
			msg["content"] = text
		} else if !strings.HasPrefix(content, text) {
			msg["content"] = text + content
		}
		return
	}
	// No system message yet: prepend one.
	body["messages"] = append([]any{map[string]any{"role": "system", "content": text}}, msgs...)
}

// promotableMessages yields the assistant message objects of a chat response.
func promotableMessages(body entity.Object) []entity.Object {
	var out []entity.Object
	for _, choice := range entity.ObjectSlice(body, "choices") {
		if msg, ok := entity.GetObject(choice, "message"); ok {
			out = append(out, msg)
		}
	}
	return out
}
