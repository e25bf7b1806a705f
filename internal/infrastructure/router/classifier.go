package router

import (
	"strings"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/config"
)

// Well-known route names.
const (
	RouteDefault     = "default"
	RouteToolUse     = "tool_use"
	RouteLongContext = "long_context"
	RouteVision      = "vision"
)

// Classify assigns a request to a route. Precedence, first match wins:
// explicit hint header, tools present, long-context estimate, vision parts,
// model map, default.
func Classify(req *entity.Request, cfg config.ClassificationConfig) (route string, confidence float64) {
	hintHeader := cfg.RouteHintHeader
	if hintHeader == "" {
		hintHeader = "X-Route-Hint"
	}
	if hint := req.ClientHeaders.Get(hintHeader); hint != "" {
		return hint, 1.0
	}

	if tools, ok := entity.GetSlice(req.Body, "tools"); ok && len(tools) > 0 {
		return RouteToolUse, 0.9
	}

	threshold := cfg.LongContextThreshold
	if threshold <= 0 {
		threshold = 32000
	}
	if estimateTokens(req.Body) >= threshold {
		return RouteLongContext, 0.8
	}

	if hasVisionParts(req.Body) {
		return RouteVision, 0.8
	}

	if model, ok := entity.GetString(req.Body, "model"); ok {
		for prefix, named := range cfg.ModelRoutes {
			if strings.HasPrefix(model, prefix) {
				return named, 0.7
			}
		}
	}

	return RouteDefault, 0.5
}

// estimateTokens is a cheap chars/4 estimate over every message's text
// content. Exact counting is not worth a tokenizer here: long-context routing
// is advisory.
func estimateTokens(body entity.Object) int {
	var chars int
	for _, msg := range entity.ObjectSlice(body, "messages") {
		chars += contentChars(msg["content"])
	}
	// Anthropic-shaped bodies carry system separately.
	if s, ok := entity.GetString(body, "system"); ok {
		chars += len(s)
	}
	// Responses-shaped bodies use input rather than messages.
	if s, ok := entity.GetString(body, "input"); ok {
		chars += len(s)
	}
	if items, ok := entity.GetSlice(body, "input"); ok {
		for _, raw := range items {
			if item, ok := raw.(map[string]any); ok {
				chars += contentChars(item["content"])
			}
		}
	}
	return chars / 4
}

func contentChars(content any) int {
	switch v := content.(type) {
	case string:
		return len(v)
	case []any:
		var n int
		for _, raw := range v {
			if part, ok := raw.(map[string]any); ok {
				if text, ok := part["text"].(string); ok {
					n += len(text)
				}
			}
		}
		return n
	}
	return 0
}

// hasVisionParts detects image content in either chat parts or Anthropic
// blocks.
func hasVisionParts(body entity.Object) bool {
	for _, msg := range entity.ObjectSlice(body, "messages") {
		parts, ok := entity.GetSlice(msg, "content")
		if !ok {
			continue
		}
		for _, raw := range parts {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch t, _ := part["type"].(string); t {
			case "image_url", "image", "input_image":
				return true
			}
		}
	}
	return false
}
