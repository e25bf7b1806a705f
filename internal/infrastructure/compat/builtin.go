package compat

import (
	"sync"

	"github.com/routecodex/routecodex/internal/domain/entity"
)

// Builtin profiles for the providers the gateway ships with. A provider config
// may name any of these via compatibility; unknown names fall back to the
// generic profile.

var (
	profileMu sync.RWMutex
	profiles  = map[string]*Profile{}
)

// Register installs or replaces a profile.
func Register(p *Profile) {
	profileMu.Lock()
	defer profileMu.Unlock()
	profiles[p.Name] = p
}

// Get returns the named profile, or the generic one for unknown names.
func Get(name string) *Profile {
	profileMu.RLock()
	defer profileMu.RUnlock()
	if p, ok := profiles[name]; ok {
		return p
	}
	return profiles["generic"]
}

func init() {
	Register(&Profile{Name: "generic"})

	Register(&Profile{Name: "openai"})

	Register(&Profile{Name: "anthropic"})

	// GLM only accepts exec-style commands as string or string array; the
	// published schema says string. Rewrite to oneOf so its validator takes
	// both. GLM also surfaces reasoning under "reasoning_content" natively.
	Register(&Profile{
		Name: "glm",
		ToolSchemaPatches: []SchemaPatch{
			{
				Tool:     "exec_command",
				Property: "command",
				Schema: entity.Object{
					"oneOf": []any{
						entity.Object{"type": "string"},
						entity.Object{"type": "array", "items": entity.Object{"type": "string"}},
					},
				},
			},
			{
				Tool:     "shell",
				Property: "command",
				Schema: entity.Object{
					"oneOf": []any{
						entity.Object{"type": "string"},
						entity.Object{"type": "array", "items": entity.Object{"type": "string"}},
					},
				},
			},
		},
	})

	// Qwen (DashScope compatible mode) rejects response_format and
	// parallel_tool_calls; reasoning arrives as "reasoning".
	Register(&Profile{
		Name:                  "qwen",
		StripUnsupported:      []string{"response_format", "parallel_tool_calls"},
		PromoteReasoningField: "reasoning",
	})

	// iFlow free-tier keys are tightly limited; default the bucket low.
	Register(&Profile{
		Name:             "iflow",
		StripUnsupported: []string{"response_format"},
		RateLimitHints:   &RateHint{RPM: 3, Burst: 1},
	})

	// LM Studio ignores sampling extras and errors on unknown fields.
	Register(&Profile{
		Name:             "lmstudio",
		StripUnsupported: []string{"response_format", "tool_choice", "user", "store"},
	})

	// Antigravity models want the thinking switch spelled out.
	Register(&Profile{
		Name: "antigravity",
		ThinkingPayload: entity.Object{
			"type": "enabled",
		},
		PromoteReasoningField: "reasoning",
	})

	// Gemini via its OpenAI-compatible endpoint: penalties unsupported.
	Register(&Profile{
		Name:             "gemini",
		StripUnsupported: []string{"frequency_penalty", "presence_penalty", "logit_bias"},
	})
}
